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
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/dc-tec/kdeploy/internal/config"
	"github.com/dc-tec/kdeploy/internal/deploy/bluegreen"
	"github.com/dc-tec/kdeploy/internal/deploy/canary"
	"github.com/dc-tec/kdeploy/internal/deploy/rollback"
	"github.com/dc-tec/kdeploy/internal/deploy/rolling"
	kerrors "github.com/dc-tec/kdeploy/internal/errors"
	"github.com/dc-tec/kdeploy/internal/manifest"
	"github.com/dc-tec/kdeploy/internal/manifestsource"
	"github.com/dc-tec/kdeploy/internal/release"
)

// manifestFlags selects and renders the desired resources of a deploy command.
type manifestFlags struct {
	filenames []string
	values    map[string]string
}

func (f *manifestFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.filenames, "filename", "f", nil, "Manifest file or directory. Repeatable.")
	cmd.Flags().StringToStringVar(&f.values, "set", nil, "Placeholder values substituted into ${key} in manifests.")
	_ = cmd.MarkFlagRequired("filename")
}

func (f *manifestFlags) render(ctx context.Context, cfg *config.Config) ([]manifest.Resource, error) {
	return manifestsource.NewFileSource(cfg.Namespace, f.filenames...).Render(ctx, f.values)
}

func requireRelease(cfg *config.Config) error {
	if strings.TrimSpace(cfg.ReleaseName) == "" {
		return kerrors.NewConfigError("A release name is required", "Pass --release or set KDEPLOY_RELEASE_NAME.")
	}
	return nil
}

func printResult(out io.Writer, result any) error {
	data, err := yaml.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to render result: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func statusError(status release.Status) error {
	if status == release.StatusSucceeded {
		return nil
	}
	return fmt.Errorf("%w: release finished with status %s", errDeploymentFailed, status)
}

func newRollingCommand(cfg *config.Config) *cobra.Command {
	var (
		manifests      manifestFlags
		skipDryRun     bool
		skipVersioning bool
		pruneResources bool
	)

	cmd := &cobra.Command{
		Use:   "rolling",
		Short: "Apply manifests in place and roll back when the workloads do not become steady",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireRelease(cfg); err != nil {
				return err
			}
			resources, err := manifests.render(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			return withDeps(cmd.Context(), cfg, "rolling", func(logger logr.Logger, d *deps) error {
				rollbacker := rollback.NewCoordinator(d.executor, d.store, d.checker, d.pruner)
				coordinator := rolling.NewCoordinator(d.executor, d.checker, d.pruner, d.store, rollbacker)
				result, err := coordinator.Deploy(cmd.Context(), logger, rolling.Request{
					ReleaseName:     cfg.ReleaseName,
					Namespace:       cfg.Namespace,
					Resources:       resources,
					Timeout:         cfg.SteadyStateTimeout,
					SkipDryRun:      skipDryRun,
					SkipSteadyState: cfg.SkipSteadyState,
					SkipVersioning:  skipVersioning,
					Prune:           pruneResources,
				})
				if err != nil {
					return err
				}
				if err := printResult(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				return statusError(result.Status)
			})
		},
	}

	manifests.bind(cmd)
	cmd.Flags().BoolVar(&skipDryRun, "skip-dry-run", cfg.SkipDryRun, "Skip the server-side dry run before applying.")
	cmd.Flags().BoolVar(&skipVersioning, "skip-versioning", cfg.SkipVersioning, "Do not suffix ConfigMap and Secret names with a content hash.")
	cmd.Flags().BoolVar(&pruneResources, "prune", cfg.Prune, "Delete resources of the last successful release that are no longer in the manifests.")
	return cmd
}

func newRollbackCommand(cfg *config.Config) *cobra.Command {
	var (
		releaseNumber int
		deleteNew     bool
		recreate      []string
	)

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Roll a failed release back to the previous eligible release",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireRelease(cfg); err != nil {
				return err
			}

			pruned := make([]manifest.ResourceID, 0, len(recreate))
			for _, ref := range recreate {
				id, err := manifest.ParseResourceRef(ref, cfg.Namespace)
				if err != nil {
					return err
				}
				pruned = append(pruned, id)
			}

			req := rollback.Request{
				ReleaseName:        cfg.ReleaseName,
				Namespace:          cfg.Namespace,
				Timeout:            cfg.SteadyStateTimeout,
				SkipSteadyState:    cfg.SkipSteadyState,
				PrunedResources:    pruned,
				DeleteNewResources: deleteNew,
			}
			if cmd.Flags().Changed("release-number") {
				req.ReleaseNumber = &releaseNumber
			}

			return withDeps(cmd.Context(), cfg, "rollback", func(logger logr.Logger, d *deps) error {
				result, err := rollback.NewCoordinator(d.executor, d.store, d.checker, d.pruner).
					Rollback(cmd.Context(), logger, req)
				if err != nil {
					return err
				}
				if err := printResult(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if !result.Succeeded && !result.Skipped {
					return fmt.Errorf("%w: rollback did not complete", errDeploymentFailed)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&releaseNumber, "release-number", 0, "Failed release to roll back from. Defaults to the latest release.")
	cmd.Flags().BoolVar(&deleteNew, "delete-new-resources", false, "Delete resources the failed release introduced.")
	cmd.Flags().StringSliceVar(&recreate, "recreate", nil, "Pruned resource (namespace/kind/name or kind/name) to recreate from the last successful release. Repeatable.")
	return cmd
}

// parseInstances reads "3" as a replica count and "25%" as a share of the live replicas.
func parseInstances(value string) (canary.InstanceSpec, error) {
	value = strings.TrimSpace(value)
	spec := canary.InstanceSpec{Unit: canary.UnitCount}
	if trimmed, ok := strings.CutSuffix(value, "%"); ok {
		spec.Unit = canary.UnitPercentage
		value = strings.TrimSpace(trimmed)
	}

	n, err := strconv.ParseInt(value, 10, 32)
	if err != nil || n < 0 {
		return canary.InstanceSpec{}, kerrors.NewConfigError(
			fmt.Sprintf("Invalid canary instances %q", value),
			"Use a replica count such as 2 or a percentage such as 25%.")
	}
	spec.Value = int32(n)
	return spec, nil
}

func newCanaryCommand(cfg *config.Config) *cobra.Command {
	var (
		manifests      manifestFlags
		instances      string
		skipDryRun     bool
		skipVersioning bool
	)

	cmd := &cobra.Command{
		Use:   "canary",
		Short: "Deploy a canary variant of the workload next to the baseline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireRelease(cfg); err != nil {
				return err
			}
			spec, err := parseInstances(instances)
			if err != nil {
				return err
			}
			resources, err := manifests.render(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			return withDeps(cmd.Context(), cfg, "canary", func(logger logr.Logger, d *deps) error {
				result, err := canary.NewCoordinator(d.executor, d.checker, d.pruner, d.store).
					Deploy(cmd.Context(), logger, canary.Request{
						ReleaseName:     cfg.ReleaseName,
						Namespace:       cfg.Namespace,
						Resources:       resources,
						Instances:       spec,
						Timeout:         cfg.SteadyStateTimeout,
						SkipDryRun:      skipDryRun,
						SkipSteadyState: cfg.SkipSteadyState,
						SkipVersioning:  skipVersioning,
					})
				if err != nil {
					return err
				}
				if err := printResult(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				return statusError(result.Status)
			})
		},
	}

	manifests.bind(cmd)
	cmd.Flags().StringVar(&instances, "instances", "1", "Canary size as a replica count or a percentage of the live replicas.")
	cmd.Flags().BoolVar(&skipDryRun, "skip-dry-run", cfg.SkipDryRun, "Skip the server-side dry run before applying.")
	cmd.Flags().BoolVar(&skipVersioning, "skip-versioning", cfg.SkipVersioning, "Do not suffix ConfigMap and Secret names with a content hash.")
	return cmd
}

func newCanaryDeleteCommand(cfg *config.Config) *cobra.Command {
	var (
		resources []string
		workload  string
	)

	cmd := &cobra.Command{
		Use:   "canary-delete",
		Short: "Delete the canary variant of a workload",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(resources) == 0 && workload == "" {
				if err := requireRelease(cfg); err != nil {
					return err
				}
			}

			return withDeps(cmd.Context(), cfg, "canary-delete", func(logger logr.Logger, d *deps) error {
				report, err := canary.NewCoordinator(d.executor, d.checker, d.pruner, d.store).
					Delete(cmd.Context(), logger, canary.DeleteRequest{
						ReleaseName: cfg.ReleaseName,
						Namespace:   cfg.Namespace,
						Resources:   resources,
						Workload:    workload,
					})
				if err != nil {
					return err
				}
				if err := printResult(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.Succeeded() {
					return fmt.Errorf("%w: %d canary resources could not be deleted", errDeploymentFailed, len(report.Failed))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&resources, "resource", nil, "Canary resource to delete. Repeatable.")
	cmd.Flags().StringVar(&workload, "workload", "", "Base workload as kind/name whose canary is deleted.")
	return cmd
}

func newBlueGreenCommand(cfg *config.Config) *cobra.Command {
	var (
		manifests      manifestFlags
		skipDryRun     bool
		skipVersioning bool
		pruneResources bool
	)

	cmd := &cobra.Command{
		Use:   "bluegreen",
		Short: "Deploy the manifests as the stage color behind the stage service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireRelease(cfg); err != nil {
				return err
			}
			resources, err := manifests.render(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			return withDeps(cmd.Context(), cfg, "bluegreen", func(logger logr.Logger, d *deps) error {
				result, err := bluegreen.NewCoordinator(d.executor, d.checker, d.pruner, d.store).
					Deploy(cmd.Context(), logger, bluegreen.Request{
						ReleaseName:     cfg.ReleaseName,
						Namespace:       cfg.Namespace,
						Resources:       resources,
						Timeout:         cfg.SteadyStateTimeout,
						SkipDryRun:      skipDryRun,
						SkipSteadyState: cfg.SkipSteadyState,
						SkipVersioning:  skipVersioning,
						Prune:           pruneResources,
					})
				if err != nil {
					return err
				}
				if err := printResult(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				return statusError(result.Status)
			})
		},
	}

	manifests.bind(cmd)
	cmd.Flags().BoolVar(&skipDryRun, "skip-dry-run", cfg.SkipDryRun, "Skip the server-side dry run before applying.")
	cmd.Flags().BoolVar(&skipVersioning, "skip-versioning", cfg.SkipVersioning, "Do not suffix ConfigMap and Secret names with a content hash.")
	cmd.Flags().BoolVar(&pruneResources, "prune", cfg.Prune, "Delete what stale stage releases left behind.")
	return cmd
}

func newPromoteCommand(cfg *config.Config) *cobra.Command {
	var (
		primary       string
		stage         string
		skipScaleDown bool
	)

	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Swap the primary and stage service selectors and scale down the old primary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireRelease(cfg); err != nil {
				return err
			}

			return withDeps(cmd.Context(), cfg, "promote", func(logger logr.Logger, d *deps) error {
				result, err := bluegreen.NewCoordinator(d.executor, d.checker, d.pruner, d.store).
					Promote(cmd.Context(), logger, bluegreen.PromoteRequest{
						ReleaseName:    cfg.ReleaseName,
						Namespace:      cfg.Namespace,
						PrimaryService: primary,
						StageService:   stage,
						SkipScaleDown:  skipScaleDown,
					})
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), result)
			})
		},
	}

	cmd.Flags().StringVar(&primary, "service", "", "Primary service name.")
	cmd.Flags().StringVar(&stage, "stage-service", "", "Stage service name. Defaults to the primary name with the stage suffix.")
	cmd.Flags().BoolVar(&skipScaleDown, "skip-scale-down", false, "Leave the previous primary workload running.")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}
