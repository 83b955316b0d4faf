package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dadesina/omnirapeutic-sub000/executor"
	"github.com/dadesina/omnirapeutic-sub000/guardrail"
	"github.com/dadesina/omnirapeutic-sub000/units"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RetryMaxAttempts int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelay   time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryMaxDelay    time.Duration `mapstructure:"RETRY_MAX_DELAY"`
	RetryJitter      float64       `mapstructure:"RETRY_JITTER"`

	OverrunPolicy    string `mapstructure:"OVERRUN_POLICY"`
	ClinicTimezone   string `mapstructure:"CLINIC_TIMEZONE"`
	UnitMinutes      int    `mapstructure:"UNIT_MINUTES"`
	UnitRoundingRule string `mapstructure:"UNIT_ROUNDING_RULE"`

	RedisURL    string   `mapstructure:"REDIS_URL"`
	AuditStream string   `mapstructure:"AUDIT_STREAM"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE_DRIVER", "SQLITE_PATH", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"RETRY_MAX_ATTEMPTS", "RETRY_BASE_DELAY", "RETRY_MAX_DELAY", "RETRY_JITTER",
	"OVERRUN_POLICY", "CLINIC_TIMEZONE", "UNIT_MINUTES", "UNIT_ROUNDING_RULE",
	"REDIS_URL", "AUDIT_STREAM", "CORS_ORIGINS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	defaults := executor.DefaultPolicy()
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "ledger.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("RETRY_MAX_ATTEMPTS", defaults.MaxAttempts)
	v.SetDefault("RETRY_BASE_DELAY", defaults.BaseDelay.String())
	v.SetDefault("RETRY_MAX_DELAY", defaults.MaxDelay.String())
	v.SetDefault("RETRY_JITTER", defaults.Jitter)
	v.SetDefault("OVERRUN_POLICY", string(guardrail.OverrunFlag))
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("UNIT_MINUTES", units.DefaultUnitMinutes)
	v.SetDefault("UNIT_ROUNDING_RULE", string(units.RuleEightMinute))
	v.SetDefault("AUDIT_STREAM", "ledger:audit")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

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
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// RetryPolicy returns the executor policy described by the RETRY_* keys.
func (c *Config) RetryPolicy() executor.Policy {
	return executor.Policy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
		Jitter:      c.RetryJitter,
	}
}

// Location resolves CLINIC_TIMEZONE; "today" for expiry is taken there.
func (c *Config) Location() (*time.Location, error) {
	if c.ClinicTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE: %w", err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER=sqlite")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
		if c.DBMaxConns < 1 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) / DB_MAX_CONNS (%d) out of range", c.DBMinConns, c.DBMaxConns)
		}
	case DriverMemory:
		if !c.IsDev() {
			return fmt.Errorf("STORE_DRIVER=memory is only allowed in development")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q", DriverSQLite, DriverPostgres, DriverMemory, c.StoreDriver)
	}

	if err := c.RetryPolicy().Validate(); err != nil {
		return err
	}
	if _, err := guardrail.ParseOverrunPolicy(c.OverrunPolicy); err != nil {
		return fmt.Errorf("OVERRUN_POLICY: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	rule, err := units.ParseRule(c.UnitRoundingRule)
	if err != nil {
		return fmt.Errorf("UNIT_ROUNDING_RULE: %w", err)
	}
	if _, err := units.NewCalculator(c.UnitMinutes, rule); err != nil {
		return fmt.Errorf("UNIT_MINUTES: %w", err)
	}
	return nil
}
