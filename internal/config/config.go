package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Storage backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	Store       string   `mapstructure:"STORE"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	Migrations  string   `mapstructure:"MIGRATIONS_DIR"`
	BaseURL     string   `mapstructure:"BASE_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
	BodyLimit   string   `mapstructure:"BODY_LIMIT"`
	TLSEnabled  bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string   `mapstructure:"TLS_KEY_FILE"`

	// RegistryFile optionally overlays search parameter definitions on the
	// built-in registry. The server reloads it on SIGHUP.
	RegistryFile       string        `mapstructure:"REGISTRY_FILE"`
	SearchTimeout      time.Duration `mapstructure:"SEARCH_TIMEOUT"`
	SearchDefaultCount int           `mapstructure:"SEARCH_DEFAULT_COUNT"`
	SearchMaxCount     int           `mapstructure:"SEARCH_MAX_COUNT"`
	HasParallelism     int           `mapstructure:"HAS_PARALLELISM"`
	ReindexBatch       int           `mapstructure:"REINDEX_BATCH"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MIGRATIONS_DIR", "BASE_URL", "CORS_ORIGINS", "BODY_LIMIT", "TLS_ENABLED", "TLS_CERT_FILE",
	"TLS_KEY_FILE", "REGISTRY_FILE", "SEARCH_TIMEOUT", "SEARCH_DEFAULT_COUNT", "SEARCH_MAX_COUNT",
	"HAS_PARALLELISM", "REINDEX_BATCH",
}

// Load reads configuration from the environment and an optional .env file
// in the working directory. It does not validate; call Validate before
// starting anything that needs storage.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("BASE_URL", "http://localhost:8000/fhir")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "4M")
	v.SetDefault("SEARCH_TIMEOUT", "30s")
	v.SetDefault("SEARCH_DEFAULT_COUNT", 20)
	v.SetDefault("SEARCH_MAX_COUNT", 1000)
	v.SetDefault("HAS_PARALLELISM", 4)
	v.SetDefault("REINDEX_BATCH", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Level returns the zerolog level for LOG_LEVEL, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
		}
		if c.DBMinConns < 0 || c.DBMaxConns < 1 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("invalid pool size: DB_MIN_CONNS=%d DB_MAX_CONNS=%d", c.DBMinConns, c.DBMaxConns)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}

	if c.SearchDefaultCount < 1 {
		return fmt.Errorf("SEARCH_DEFAULT_COUNT must be positive, got %d", c.SearchDefaultCount)
	}
	if c.SearchMaxCount < c.SearchDefaultCount {
		return fmt.Errorf("SEARCH_MAX_COUNT (%d) must not be below SEARCH_DEFAULT_COUNT (%d)", c.SearchMaxCount, c.SearchDefaultCount)
	}
	if c.SearchTimeout <= 0 {
		return fmt.Errorf("SEARCH_TIMEOUT must be positive, got %s", c.SearchTimeout)
	}
	if c.HasParallelism < 1 {
		return fmt.Errorf("HAS_PARALLELISM must be positive, got %d", c.HasParallelism)
	}
	if c.ReindexBatch < 1 {
		return fmt.Errorf("REINDEX_BATCH must be positive, got %d", c.ReindexBatch)
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}
