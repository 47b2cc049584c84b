/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"errors"
	"flag"
	"os"

	"github.com/spf13/cobra"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	ctrl "sigs.k8s.io/controller-runtime"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/dc-tec/kdeploy/internal/config"
	kerrors "github.com/dc-tec/kdeploy/internal/errors"
)

var (
	setupLog = ctrl.Log.WithName("setup")
)

// errDeploymentFailed is returned when a command completed but the deployment did not succeed.
var errDeploymentFailed = errors.New("deployment did not succeed")

const (
	exitFailure       = 1
	exitConfiguration = 2
)

func newRootCommand(cfg *config.Config) *cobra.Command {
	opts := zap.Options{
		Development: true,
	}

	root := &cobra.Command{
		Use:           "kdeploy",
		Short:         "Deploy workloads to Kubernetes with rolling, canary and blue-green strategies",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
			return cfg.Validate()
		},
	}

	goFlags := flag.NewFlagSet("kdeploy", flag.ContinueOnError)
	opts.BindFlags(goFlags)
	ctrlconfig.RegisterFlags(goFlags)
	root.PersistentFlags().AddGoFlagSet(goFlags)

	flags := root.PersistentFlags()
	flags.StringVarP(&cfg.Namespace, "namespace", "n", cfg.Namespace, "Target namespace.")
	flags.StringVarP(&cfg.ReleaseName, "release", "r", cfg.ReleaseName, "Release name the history is kept under.")
	flags.DurationVar(&cfg.SteadyStateTimeout, "timeout", cfg.SteadyStateTimeout, "Steady state check timeout.")
	flags.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Steady state poll interval.")
	flags.StringVar(&cfg.HistoryStore, "history-store", cfg.HistoryStore, "Release history store: secret or sqlite.")
	flags.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "Database file for the sqlite history store.")
	flags.StringVar(&cfg.FieldOwner, "field-owner", cfg.FieldOwner, "Server-side apply field manager.")
	flags.BoolVar(&cfg.SkipSteadyState, "skip-steady-state", cfg.SkipSteadyState, "Skip the steady state check.")
	flags.BoolVar(&cfg.ForceLock, "force-lock", cfg.ForceLock, "Take the release lock even when another operation holds it.")
	flags.Float64Var(&cfg.DeleteRate, "delete-rate", cfg.DeleteRate, "Deletes per second while pruning; 0 disables pacing.")
	flags.IntVar(&cfg.DeleteBurst, "delete-burst", cfg.DeleteBurst, "Delete burst while pruning.")
	flags.StringVar(&cfg.MetricsBindAddress, "metrics-bind-address", cfg.MetricsBindAddress,
		"Address to serve Prometheus metrics on while the command runs. Empty disables the endpoint.")

	root.AddCommand(
		newRollingCommand(cfg),
		newRollbackCommand(cfg),
		newCanaryCommand(cfg),
		newCanaryDeleteCommand(cfg),
		newBlueGreenCommand(cfg),
		newPromoteCommand(cfg),
	)
	return root
}

func exitCode(err error) int {
	if kerrors.IsConfiguration(err) {
		return exitConfiguration
	}
	return exitFailure
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		setupLog.Error(err, "unable to load configuration")
		os.Exit(exitConfiguration)
	}

	if err := newRootCommand(cfg).ExecuteContext(ctrl.SetupSignalHandler()); err != nil {
		if hint, explanation, ok := kerrors.HintOf(err); ok {
			setupLog.Error(err, hint, "explanation", explanation)
		} else {
			setupLog.Error(err, "command failed")
		}
		os.Exit(exitCode(err))
	}
}
