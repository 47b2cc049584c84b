package steadystate

import (
	"fmt"

	"github.com/google/cel-go/cel"

	kerrors "github.com/dc-tec/kdeploy/internal/errors"
	"github.com/dc-tec/kdeploy/internal/manifest"
)

// Condition is a compiled custom workload readiness expression.
type Condition struct {
	expression string
	program    cel.Program
}

// newConditionEnv declares the single variable visible to readiness expressions.
func newConditionEnv() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("object", cel.DynType))
}

// CompileCondition compiles the readiness expression declared on a custom workload.
// A missing annotation or an expression that does not compile is a configuration error.
func CompileCondition(env *cel.Env, r manifest.Resource) (*Condition, error) {
	expr, ok := r.SteadyStateCondition()
	if !ok {
		return nil, kerrors.NewConfigError(
			fmt.Sprintf("Custom workload %s has no steady state condition", r.ID.Ref()),
			"Annotate it with kdeploy.io/steady-state-condition, for example: object.status.phase == 'Ready'.")
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, kerrors.NewConfigError(
			fmt.Sprintf("Invalid steady state condition on %s", r.ID.Ref()),
			issues.Err().Error())
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, kerrors.NewConfigError(
			fmt.Sprintf("Invalid steady state condition on %s", r.ID.Ref()),
			fmt.Sprintf("expression must evaluate to bool, got %s", out))
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, kerrors.NewConfigError(
			fmt.Sprintf("Invalid steady state condition on %s", r.ID.Ref()),
			err.Error())
	}
	return &Condition{expression: expr, program: program}, nil
}

// Eval evaluates the condition against a live object. Expressions that reference
// fields the object does not have yet evaluate to false.
func (c *Condition) Eval(object map[string]interface{}) (bool, error) {
	out, _, err := c.program.Eval(map[string]interface{}{"object": object})
	if err != nil {
		return false, nil
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, not bool", c.expression, out.Value())
	}
	return b, nil
}

// String returns the source expression.
func (c *Condition) String() string {
	return c.expression
}
