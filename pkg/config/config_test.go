package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/evstore/pkg/config"
)

func TestLoadFrom(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := config.LoadFrom(map[string]string{})
		require.NoError(t, err)

		assert.Empty(t, cfg.NodeID)
		assert.Equal(t, "evstore.db", cfg.SQLite.DSN)
		assert.True(t, cfg.SQLite.WAL)
		assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
		assert.False(t, cfg.NATS.Embedded)
		assert.Empty(t, cfg.NATS.SubjectPrefix)
		assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)

		level, err := cfg.SlogLevel()
		require.NoError(t, err)
		assert.Equal(t, slog.LevelInfo, level)
	})

	t.Run("overrides", func(t *testing.T) {
		cfg, err := config.LoadFrom(map[string]string{
			"EVSTORE_NODE_ID":             "node-7",
			"EVSTORE_SQLITE_DSN":          ":memory:",
			"EVSTORE_SQLITE_WAL":          "false",
			"EVSTORE_NATS_URL":            "nats://bus:4222",
			"EVSTORE_NATS_EMBEDDED":       "true",
			"EVSTORE_NATS_SUBJECT_PREFIX": "tenant-a.",
			"EVSTORE_NATS_TOKEN":          "s3cret",
			"EVSTORE_NATS_TOKEN_ENV":      "BUS_TOKEN",
			"EVSTORE_LOG_LEVEL":           "debug",
			"EVSTORE_SHUTDOWN_TIMEOUT":    "5s",
		})
		require.NoError(t, err)

		assert.Equal(t, "node-7", cfg.NodeID)
		assert.Equal(t, ":memory:", cfg.SQLite.DSN)
		assert.False(t, cfg.SQLite.WAL)
		assert.Equal(t, "nats://bus:4222", cfg.NATS.URL)
		assert.True(t, cfg.NATS.Embedded)
		assert.Equal(t, "tenant-a.", cfg.NATS.SubjectPrefix)
		assert.Equal(t, "s3cret", cfg.NATS.Token)
		assert.Equal(t, "BUS_TOKEN", cfg.NATS.TokenEnv)
		assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)

		level, err := cfg.SlogLevel()
		require.NoError(t, err)
		assert.Equal(t, slog.LevelDebug, level)
	})

	t.Run("unprefixed variables are ignored", func(t *testing.T) {
		cfg, err := config.LoadFrom(map[string]string{"NODE_ID": "nope"})
		require.NoError(t, err)
		assert.Empty(t, cfg.NodeID)
	})

	t.Run("invalid values", func(t *testing.T) {
		for name, vars := range map[string]map[string]string{
			"bool":     {"EVSTORE_SQLITE_WAL": "maybe"},
			"duration": {"EVSTORE_SHUTDOWN_TIMEOUT": "soon"},
			"timeout":  {"EVSTORE_SHUTDOWN_TIMEOUT": "0s"},
			"level":    {"EVSTORE_LOG_LEVEL": "chatty"},
			"secret":   {"EVSTORE_NATS_SECRET_FILE": "/run/secrets/nats"},
		} {
			t.Run(name, func(t *testing.T) {
				_, err := config.LoadFrom(vars)
				assert.Error(t, err)
			})
		}
	})
}

func TestLoad(t *testing.T) {
	t.Setenv("EVSTORE_NODE_ID", "from-env")
	t.Setenv("EVSTORE_NATS_EMBEDDED", "true")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.NodeID)
	assert.True(t, cfg.NATS.Embedded)
}
