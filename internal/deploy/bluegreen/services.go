package bluegreen

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"

	"github.com/dc-tec/kdeploy/internal/constants"
	kerrors "github.com/dc-tec/kdeploy/internal/errors"
	"github.com/dc-tec/kdeploy/internal/logging"
)

// ColorUnknown is returned by PrimaryColor for a live service whose selector carries no color.
const ColorUnknown = ""

// PrimaryColor reads the color the live service routes to. A service that does not exist
// yet yields the default color. A service without a selector, or whose selector has no
// color label, yields ColorUnknown.
func (c *Coordinator) PrimaryColor(ctx context.Context, namespace, service string) (string, error) {
	svc, err := c.executor.GetService(ctx, namespace, service)
	if err != nil {
		return ColorUnknown, fmt.Errorf("failed to read service %s/%s: %w", namespace, service, err)
	}
	if svc == nil {
		return constants.ColorDefault, nil
	}
	if len(svc.Spec.Selector) == 0 {
		return ColorUnknown, nil
	}
	return svc.Spec.Selector[constants.LabelColor], nil
}

func conflictingService(name string) error {
	return kerrors.NewConfigError(
		fmt.Sprintf("Found conflicting service [%s] in the cluster. For blue/green deployment, the label [%s] is required in service selector. Delete this existing service to proceed",
			name, constants.LabelColor),
		"the live service selector has no color, so the deployer cannot tell which color is primary")
}

// SwapServiceSelectors exchanges the color selector values of two live services. Both
// services are read before either is written; if one is missing nothing is changed and
// the error names it. When the second write fails the first service is set back to its
// original color.
func (c *Coordinator) SwapServiceSelectors(ctx context.Context, logger logr.Logger, namespace, first, second string) error {
	a, err := c.executor.GetService(ctx, namespace, first)
	if err != nil {
		return fmt.Errorf("failed to read service %s/%s: %w", namespace, first, err)
	}
	b, err := c.executor.GetService(ctx, namespace, second)
	if err != nil {
		return fmt.Errorf("failed to read service %s/%s: %w", namespace, second, err)
	}

	var missing []string
	if a == nil {
		missing = append(missing, first)
	}
	if b == nil {
		missing = append(missing, second)
	}
	if len(missing) > 0 {
		return kerrors.NewConfigError(
			fmt.Sprintf("Service %v not found in namespace %s. Selectors were not swapped.", missing, namespace),
			"both services must exist before promotion")
	}

	colorA, colorB := a.Spec.Selector[constants.LabelColor], b.Spec.Selector[constants.LabelColor]
	setColor(a, colorB)
	setColor(b, colorA)

	if err := c.replaceService(ctx, a); err != nil {
		return err
	}
	if err := c.replaceService(ctx, b); err != nil {
		if rerr := c.restoreColor(ctx, namespace, first, colorA); rerr != nil {
			logger.Error(rerr, "Failed to restore service selector after failed swap", "service", first, "color", colorA)
			return fmt.Errorf("%w; service %s/%s was left selecting %s", err, namespace, first, colorB)
		}
		logger.Info("Restored service selector after failed swap", "service", first, "color", colorA)
		return err
	}

	logging.LogTransition(logger, logging.EventSelectorSwap, map[string]string{
		first:  colorB,
		second: colorA,
	})
	return nil
}

func setColor(svc *corev1.Service, color string) {
	if svc.Spec.Selector == nil {
		svc.Spec.Selector = map[string]string{}
	}
	svc.Spec.Selector[constants.LabelColor] = color
}

func (c *Coordinator) replaceService(ctx context.Context, svc *corev1.Service) error {
	res, err := c.executor.ReplaceService(ctx, svc)
	if err != nil {
		return fmt.Errorf("failed to update service %s/%s: %w", svc.Namespace, svc.Name, err)
	}
	if !res.Success {
		return fmt.Errorf("cluster rejected update of service %s/%s: %s", svc.Namespace, svc.Name, res.Output)
	}
	return nil
}

// restoreColor re-reads the service so the write carries its current resource version.
func (c *Coordinator) restoreColor(ctx context.Context, namespace, name, color string) error {
	svc, err := c.executor.GetService(ctx, namespace, name)
	if err != nil {
		return fmt.Errorf("failed to read service %s/%s: %w", namespace, name, err)
	}
	if svc == nil {
		return fmt.Errorf("service %s/%s disappeared", namespace, name)
	}
	setColor(svc, color)
	return c.replaceService(ctx, svc)
}
