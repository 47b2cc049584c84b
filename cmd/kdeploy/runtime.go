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
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/dc-tec/kdeploy/internal/config"
	kerrors "github.com/dc-tec/kdeploy/internal/errors"
	"github.com/dc-tec/kdeploy/internal/kube"
	"github.com/dc-tec/kdeploy/internal/operationlock"
	"github.com/dc-tec/kdeploy/internal/prune"
	"github.com/dc-tec/kdeploy/internal/release"
	"github.com/dc-tec/kdeploy/internal/release/sqlitestore"
	"github.com/dc-tec/kdeploy/internal/steadystate"
)

const metricsShutdownTimeout = 5 * time.Second

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

// deps holds the cluster-facing components shared by every command.
type deps struct {
	client   client.Client
	executor *kube.ClientExecutor
	store    release.Store
	checker  *steadystate.Checker
	pruner   *prune.Pruner

	closers []func(context.Context) error
}

func newDeps(ctx context.Context, cfg *config.Config, logger logr.Logger) (*deps, error) {
	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return nil, kerrors.NewConfigError("Unable to load a kubeconfig", err.Error())
	}

	c, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return nil, kerrors.WrapTransport(fmt.Errorf("failed to create client: %w", err))
	}

	executor := kube.NewClientExecutor(c, cfg.FieldOwner)
	d := &deps{
		client:   c,
		executor: executor,
		pruner:   prune.NewPruner(executor, cfg.DeleteRate, cfg.DeleteBurst),
	}

	d.checker, err = steadystate.NewChecker(d.executor, cfg.PollInterval)
	if err != nil {
		return nil, err
	}

	switch cfg.HistoryStore {
	case config.StoreSQLite:
		store, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		d.store = store
		d.closers = append(d.closers, func(context.Context) error { return store.Close() })
	default:
		d.store = release.NewSecretStore(c, cfg.Namespace)
	}

	if cfg.MetricsBindAddress != "" {
		d.closers = append(d.closers, serveMetrics(cfg.MetricsBindAddress, logger))
	}
	return d, nil
}

func (d *deps) Close(ctx context.Context) error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// serveMetrics exposes the controller-runtime registry for the lifetime of the command.
func serveMetrics(addr string, logger logr.Logger) func(context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Serving metrics", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "Metrics server stopped")
		}
	}()

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, metricsShutdownTimeout)
		defer cancel()
		return server.Shutdown(ctx)
	}
}

// lock takes the release lock for operation and returns the matching unlock.
func (d *deps) lock(ctx context.Context, cfg *config.Config, operation string) (func(context.Context) error, error) {
	holder := uuid.NewString()
	if err := operationlock.Acquire(ctx, d.client, operationlock.AcquireOptions{
		Namespace:   cfg.Namespace,
		ReleaseName: cfg.ReleaseName,
		Holder:      holder,
		Operation:   operation,
		Message:     "kdeploy " + operation,
		Force:       cfg.ForceLock,
	}); err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		return operationlock.Release(ctx, d.client, cfg.Namespace, cfg.ReleaseName, holder, operation)
	}, nil
}

// withDeps builds deps, holds the release lock while fn runs and releases both afterwards.
// An empty release name runs fn without the lock.
func withDeps(ctx context.Context, cfg *config.Config, operation string, fn func(logr.Logger, *deps) error) error {
	logger := ctrl.Log.WithName("kdeploy").WithValues("namespace", cfg.Namespace, "release", cfg.ReleaseName, "operation", operation)

	d, err := newDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Error(err, "Failed to release resources")
		}
	}()

	if cfg.ReleaseName != "" {
		unlock, err := d.lock(ctx, cfg, operation)
		if err != nil {
			return err
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				logger.Error(err, "Failed to release the release lock")
			}
		}()
	}

	return fn(logger, d)
}
