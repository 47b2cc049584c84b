package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/dc-tec/kdeploy/internal/errors"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.Namespace)
	assert.Equal(t, 10*time.Minute, cfg.SteadyStateTimeout)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, StoreSecret, cfg.HistoryStore)
	assert.Equal(t, "kdeploy", cfg.FieldOwner)
	assert.Equal(t, 10.0, cfg.DeleteRate)
	assert.Equal(t, 5, cfg.DeleteBurst)
	assert.False(t, cfg.Prune)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromOverrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"KDEPLOY_NAMESPACE":            "shop",
		"KDEPLOY_RELEASE_NAME":         "checkout",
		"KDEPLOY_STEADY_STATE_TIMEOUT": "90s",
		"KDEPLOY_HISTORY_STORE":        "sqlite",
		"KDEPLOY_SQLITE_PATH":          "/tmp/history.db",
		"KDEPLOY_PRUNE":                "true",
		"KDEPLOY_DELETE_RATE":          "0",
	})
	require.NoError(t, err)

	assert.Equal(t, "shop", cfg.Namespace)
	assert.Equal(t, "checkout", cfg.ReleaseName)
	assert.Equal(t, 90*time.Second, cfg.SteadyStateTimeout)
	assert.Equal(t, StoreSQLite, cfg.HistoryStore)
	assert.Equal(t, "/tmp/history.db", cfg.SQLitePath)
	assert.True(t, cfg.Prune)
	assert.Zero(t, cfg.DeleteRate)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromInvalidDuration(t *testing.T) {
	_, err := LoadFrom(map[string]string{"KDEPLOY_POLL_INTERVAL": "soon"})
	require.Error(t, err)
	assert.True(t, kerrors.IsConfiguration(err))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := LoadFrom(map[string]string{})
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "empty namespace", mutate: func(c *Config) { c.Namespace = " " }, wantErr: "namespace is required"},
		{name: "zero timeout", mutate: func(c *Config) { c.SteadyStateTimeout = 0 }, wantErr: "timeout must be positive"},
		{name: "zero poll interval", mutate: func(c *Config) { c.PollInterval = 0 }, wantErr: "poll interval must be positive"},
		{
			name:    "poll longer than timeout",
			mutate:  func(c *Config) { c.PollInterval = time.Hour },
			wantErr: "exceeds steady state timeout",
		},
		{name: "unknown store", mutate: func(c *Config) { c.HistoryStore = "etcd" }, wantErr: "unknown history store"},
		{
			name:    "sqlite without path",
			mutate:  func(c *Config) { c.HistoryStore = StoreSQLite; c.SQLitePath = "" },
			wantErr: "requires a database path",
		},
		{name: "negative rate", mutate: func(c *Config) { c.DeleteRate = -1 }, wantErr: "delete rate"},
		{name: "negative burst", mutate: func(c *Config) { c.DeleteBurst = -1 }, wantErr: "delete burst"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, kerrors.IsConfiguration(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateDefaultsFieldOwner(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)
	cfg.FieldOwner = ""
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "kdeploy", cfg.FieldOwner)
}
