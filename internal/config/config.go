package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	LogLevel            string        `mapstructure:"LOG_LEVEL"`
	StoreBackend        string        `mapstructure:"STORE_BACKEND"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	BadgerDir           string        `mapstructure:"BADGER_DIR"`
	Timezone            string        `mapstructure:"TIMEZONE"`
	ReductionSchedule   string        `mapstructure:"REDUCTION_SCHEDULE"`
	RunReductionOnStart bool          `mapstructure:"RUN_REDUCTION_ON_START"`
	MetricsEnabled      bool          `mapstructure:"METRICS_ENABLED"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	LowStockThreshold   int           `mapstructure:"LOW_STOCK_THRESHOLD"`
	Currency            string        `mapstructure:"CURRENCY"`
	BodyLimit           string        `mapstructure:"BODY_LIMIT"`
	ImportBodyLimit     string        `mapstructure:"IMPORT_BODY_LIMIT"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	TLSEnabled          bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile         string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile          string        `mapstructure:"TLS_KEY_FILE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_BACKEND", BackendPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("BADGER_DIR", "./data")
	v.SetDefault("TIMEZONE", "Local")
	v.SetDefault("REDUCTION_SCHEDULE", "@midnight")
	v.SetDefault("RUN_REDUCTION_ON_START", true)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("LOW_STOCK_THRESHOLD", 7)
	v.SetDefault("CURRENCY", "AUD")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("IMPORT_BODY_LIMIT", "20M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "STORE_BACKEND", "DATABASE_URL",
		"DB_MAX_CONNS", "DB_MIN_CONNS", "BADGER_DIR", "TIMEZONE",
		"REDUCTION_SCHEDULE", "RUN_REDUCTION_ON_START", "METRICS_ENABLED",
		"CORS_ORIGINS", "LOW_STOCK_THRESHOLD", "CURRENCY", "BODY_LIMIT",
		"IMPORT_BODY_LIMIT", "REQUEST_TIMEOUT", "TLS_ENABLED",
		"TLS_CERT_FILE", "TLS_KEY_FILE",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves TIMEZONE. "Local" and "" mean the host zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks backend-specific requirements, the time zone and the
// reduction schedule.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", BackendPostgres)
		}
		if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("invalid pool sizing: DB_MIN_CONNS=%d DB_MAX_CONNS=%d", c.DBMinConns, c.DBMaxConns)
		}
	case BackendBadger:
		if c.BadgerDir == "" {
			return fmt.Errorf("BADGER_DIR is required when STORE_BACKEND is %q", BackendBadger)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendBadger, c.StoreBackend)
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(c.ReductionSchedule); err != nil {
		return fmt.Errorf("REDUCTION_SCHEDULE %q: %w", c.ReductionSchedule, err)
	}
	if c.LowStockThreshold < 0 {
		return fmt.Errorf("LOW_STOCK_THRESHOLD must not be negative, got %d", c.LowStockThreshold)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
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
