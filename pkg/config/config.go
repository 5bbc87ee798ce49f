// Package config loads process-level settings for a node from the
// environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the settings of one node process.
type Config struct {
	// NodeID identifies the node in replay requests. Generated when empty.
	NodeID string `env:"NODE_ID"`

	SQLite SQLite `envPrefix:"SQLITE_"`
	NATS   NATS   `envPrefix:"NATS_"`

	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// SQLite configures the event log and snapshot cache database.
type SQLite struct {
	DSN string `env:"DSN" envDefault:"evstore.db"`
	WAL bool   `env:"WAL" envDefault:"true"`
}

// NATS configures the event bus.
type NATS struct {
	// URL of a NATS server. Ignored when Embedded is set.
	URL string `env:"URL" envDefault:"nats://127.0.0.1:4222"`

	// Embedded starts an in-process server instead of dialing URL.
	Embedded bool `env:"EMBEDDED" envDefault:"false"`

	SubjectPrefix string `env:"SUBJECT_PREFIX"`

	// Token or User and Password authenticate the connection.
	Token    string `env:"TOKEN"`
	User     string `env:"USER"`
	Password string `env:"PASSWORD"`

	// TokenEnv names a variable holding a token, read when the bus
	// connects rather than at load. It is tried before Token and User.
	TokenEnv string `env:"TOKEN_ENV"`

	// SecretFile holds credentials sealed with the gocloud.dev keeper at
	// SecretKeeperURL. It takes precedence over Token and User.
	SecretFile      string `env:"SECRET_FILE"`
	SecretKeeperURL string `env:"SECRET_KEEPER_URL"`
}

// Prefix is prepended to every variable name.
const Prefix = "EVSTORE_"

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom reads the configuration from vars instead of the process
// environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if _, err := cfg.SlogLevel(); err != nil {
		return Config{}, err
	}
	if cfg.NATS.SecretFile != "" && cfg.NATS.SecretKeeperURL == "" {
		return Config{}, fmt.Errorf("NATS secret file requires a keeper URL")
	}
	if cfg.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be positive, got %s", cfg.ShutdownTimeout)
	}
	return cfg, nil
}

// SlogLevel maps LogLevel to a slog level.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}
