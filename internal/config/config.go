// Package config loads server configuration.
//
// Values are resolved in order: Default(), then an optional YAML file,
// then environment variables. Validate is called last.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackplaneLocal = "local"
	BackplaneRedis = "redis"

	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	// Env is "development" or "production"; it selects the log encoder.
	Env      string `yaml:"env"`
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`

	DatabaseDSN string `yaml:"database_dsn"`
	// Store selects the persistence backend: "postgres" or "memory".
	Store string `yaml:"store"`

	RedisAddr string `yaml:"redis_addr"`
	// Backplane is "local" for a single process or "redis" to fan out
	// room broadcasts across processes.
	Backplane        string `yaml:"backplane"`
	BackplaneChannel string `yaml:"backplane_channel"`

	JWTSecret     string `yaml:"jwt_secret"`
	InternalToken string `yaml:"internal_token"`

	AllowedOrigins []string `yaml:"allowed_origins"`

	HandlerTimeout   time.Duration `yaml:"handler_timeout"`
	MaxMessageLength int           `yaml:"max_message_length"`
}

func Default() *Config {
	return &Config{
		Env:              "development",
		Addr:             ":8080",
		LogLevel:         "info",
		Store:            StorePostgres,
		RedisAddr:        "localhost:6379",
		Backplane:        BackplaneLocal,
		BackplaneChannel: "marketchat:rooms",
		AllowedOrigins:   []string{"http://localhost:3000"},
		HandlerTimeout:   10 * time.Second,
		MaxMessageLength: 4000,
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("APP_ENV", &c.Env)
	str("ADDR", &c.Addr)
	str("LOG_LEVEL", &c.LogLevel)
	str("DB_DSN", &c.DatabaseDSN)
	str("STORE", &c.Store)
	str("REDIS_ADDR", &c.RedisAddr)
	str("BACKPLANE", &c.Backplane)
	str("BACKPLANE_CHANNEL", &c.BackplaneChannel)
	str("JWT_SECRET", &c.JWTSecret)
	str("INTERNAL_TOKEN", &c.InternalToken)

	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		c.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("HANDLER_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("HANDLER_TIMEOUT: %w", err)
		}
		c.HandlerTimeout = d
	}
	if v, ok := lookup("MAX_MESSAGE_LENGTH"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_MESSAGE_LENGTH: %w", err)
		}
		c.MaxMessageLength = n
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is not set"))
	}
	switch c.Store {
	case StorePostgres:
		if c.DatabaseDSN == "" {
			errs = append(errs, errors.New("DB_DSN is not set"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	switch c.Backplane {
	case BackplaneLocal:
	case BackplaneRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis backplane"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backplane %q", c.Backplane))
	}
	if c.HandlerTimeout <= 0 {
		errs = append(errs, errors.New("handler timeout must be positive"))
	}
	if c.MaxMessageLength <= 0 {
		errs = append(errs, errors.New("max message length must be positive"))
	}

	return errors.Join(errs...)
}

// IsProduction reports whether the config targets a production deployment.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
