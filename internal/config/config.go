// Package config loads deployer settings from KDEPLOY_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/dc-tec/kdeploy/internal/constants"
	kerrors "github.com/dc-tec/kdeploy/internal/errors"
)

// History store kinds.
const (
	StoreSecret = "secret"
	StoreSQLite = "sqlite"
)

// Config holds the settings shared by every command. CLI flags override these values.
type Config struct {
	// Namespace is the target namespace from KDEPLOY_NAMESPACE.
	Namespace string `env:"KDEPLOY_NAMESPACE" envDefault:"default"`
	// ReleaseName names the release history from KDEPLOY_RELEASE_NAME.
	ReleaseName string `env:"KDEPLOY_RELEASE_NAME"`

	// SteadyStateTimeout bounds the steady state check from KDEPLOY_STEADY_STATE_TIMEOUT.
	SteadyStateTimeout time.Duration `env:"KDEPLOY_STEADY_STATE_TIMEOUT" envDefault:"10m"`
	// PollInterval is the steady state poll period from KDEPLOY_POLL_INTERVAL.
	PollInterval time.Duration `env:"KDEPLOY_POLL_INTERVAL" envDefault:"1s"`

	// HistoryStore is secret or sqlite, from KDEPLOY_HISTORY_STORE.
	HistoryStore string `env:"KDEPLOY_HISTORY_STORE" envDefault:"secret"`
	// SQLitePath is the database file from KDEPLOY_SQLITE_PATH.
	SQLitePath string `env:"KDEPLOY_SQLITE_PATH" envDefault:"kdeploy.db"`

	// FieldOwner is the server-side apply field manager from KDEPLOY_FIELD_OWNER.
	FieldOwner string `env:"KDEPLOY_FIELD_OWNER" envDefault:"kdeploy"`

	SkipDryRun      bool `env:"KDEPLOY_SKIP_DRY_RUN"`
	SkipSteadyState bool `env:"KDEPLOY_SKIP_STEADY_STATE"`
	SkipVersioning  bool `env:"KDEPLOY_SKIP_VERSIONING"`
	Prune           bool `env:"KDEPLOY_PRUNE"`
	// ForceLock takes the release lock even when another operation holds it.
	ForceLock bool `env:"KDEPLOY_FORCE_LOCK"`

	// DeleteRate caps deletes per second while pruning; zero disables pacing.
	DeleteRate  float64 `env:"KDEPLOY_DELETE_RATE" envDefault:"10"`
	DeleteBurst int     `env:"KDEPLOY_DELETE_BURST" envDefault:"5"`

	// MetricsBindAddress serves Prometheus metrics when set, from KDEPLOY_METRICS_BIND_ADDRESS.
	MetricsBindAddress string `env:"KDEPLOY_METRICS_BIND_ADDRESS"`
}

// Load parses the process environment.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, kerrors.WrapConfiguration(fmt.Errorf("failed to parse environment: %w", err))
	}
	return &cfg, nil
}

// LoadFrom parses environ instead of the process environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: environ})
	if err != nil {
		return nil, kerrors.WrapConfiguration(fmt.Errorf("failed to parse environment: %w", err))
	}
	return &cfg, nil
}

// Validate checks the configuration for values no command can run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Namespace) == "" {
		return kerrors.WrapConfiguration(fmt.Errorf("namespace is required"))
	}
	if c.SteadyStateTimeout <= 0 {
		return kerrors.WrapConfiguration(fmt.Errorf("steady state timeout must be positive, got %s", c.SteadyStateTimeout))
	}
	if c.PollInterval <= 0 {
		return kerrors.WrapConfiguration(fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.PollInterval > c.SteadyStateTimeout {
		return kerrors.WrapConfiguration(fmt.Errorf("poll interval %s exceeds steady state timeout %s", c.PollInterval, c.SteadyStateTimeout))
	}

	switch c.HistoryStore {
	case StoreSecret:
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return kerrors.WrapConfiguration(fmt.Errorf("sqlite history store requires a database path"))
		}
	default:
		return kerrors.WrapConfiguration(fmt.Errorf("unknown history store %q (valid: %s, %s)", c.HistoryStore, StoreSecret, StoreSQLite))
	}

	if c.DeleteRate < 0 {
		return kerrors.WrapConfiguration(fmt.Errorf("delete rate must not be negative, got %v", c.DeleteRate))
	}
	if c.DeleteBurst < 0 {
		return kerrors.WrapConfiguration(fmt.Errorf("delete burst must not be negative, got %d", c.DeleteBurst))
	}
	if c.FieldOwner == "" {
		c.FieldOwner = constants.FieldOwner
	}
	return nil
}
