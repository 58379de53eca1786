package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Store backends selectable with STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	Port          int    `mapstructure:"PORT"`
	Env           string `mapstructure:"APP_ENV"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	AllowedOrigin string `mapstructure:"ALLOWED_ORIGIN"`

	StoreBackend string `mapstructure:"STORE_BACKEND"`
	DataDir      string `mapstructure:"DATA_DIR"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	RedisURL     string `mapstructure:"REDIS_URL"`
	RedisPrefix  string `mapstructure:"REDIS_PREFIX"`

	LedgerBaseURL        string `mapstructure:"LEDGER_BASE_URL"`
	LedgerSecret         string `mapstructure:"LEDGER_SECRET"`
	LedgerTimeoutSeconds int    `mapstructure:"LEDGER_TIMEOUT_SECONDS"`

	SyncRetryIntervalSeconds int `mapstructure:"SYNC_RETRY_INTERVAL_SECONDS"`
	SyncMaxAttempts          int `mapstructure:"SYNC_MAX_ATTEMPTS"`
	SyncBaseBackoffSeconds   int `mapstructure:"SYNC_BASE_BACKOFF_SECONDS"`
	SyncMaxBackoffSeconds    int `mapstructure:"SYNC_MAX_BACKOFF_SECONDS"`
	ConnectivityProbeSeconds int `mapstructure:"CONNECTIVITY_PROBE_SECONDS"`

	ManagerPIN     string `mapstructure:"MANAGER_PIN"`
	StoreID        string `mapstructure:"STORE_ID"`
	TerminalID     string `mapstructure:"TERMINAL_ID"`
	DefaultTaxRate string `mapstructure:"DEFAULT_TAX_RATE"`
}

var defaults = map[string]any{
	"PORT":                        8090,
	"APP_ENV":                     "development",
	"LOG_LEVEL":                   "info",
	"ALLOWED_ORIGIN":              "http://127.0.0.1:3000",
	"STORE_BACKEND":               BackendFile,
	"DATA_DIR":                    "./data",
	"DATABASE_URL":                "",
	"REDIS_URL":                   "",
	"REDIS_PREFIX":                "kasirinaja:",
	"LEDGER_BASE_URL":             "http://127.0.0.1:8080",
	"LEDGER_SECRET":               "",
	"LEDGER_TIMEOUT_SECONDS":      15,
	"SYNC_RETRY_INTERVAL_SECONDS": 30,
	"SYNC_MAX_ATTEMPTS":           10,
	"SYNC_BASE_BACKOFF_SECONDS":   5,
	"SYNC_MAX_BACKOFF_SECONDS":    600,
	"CONNECTIVITY_PROBE_SECONDS":  10,
	"MANAGER_PIN":                 "",
	"STORE_ID":                    "main-store",
	"TERMINAL_ID":                 "terminal-1",
	"DEFAULT_TAX_RATE":            "0",
}

// Load reads the environment, then an optional .env file in the working
// directory. Environment variables win.
func Load() (Config, error) {
	return load(".")
}

func load(dir string) (Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(dir)
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, missing := err.(viper.ConfigFileNotFoundError); !missing {
			return Config{}, fmt.Errorf("read .env: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.LedgerSecret = strings.TrimSpace(cfg.LedgerSecret)
	cfg.ManagerPIN = strings.TrimSpace(cfg.ManagerPIN)

	if err := cfg.check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) check() error {
	switch c.StoreBackend {
	case BackendMemory, BackendFile:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("STORE_BACKEND=postgres needs DATABASE_URL")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("STORE_BACKEND=redis needs REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if _, err := c.TaxRate(); err != nil {
		return err
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c Config) Production() bool {
	return c.Env == "production"
}

func (c Config) TaxRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.DefaultTaxRate))
	if err != nil {
		return decimal.Zero, fmt.Errorf("DEFAULT_TAX_RATE: %w", err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, fmt.Errorf("DEFAULT_TAX_RATE %s out of range", rate)
	}
	return rate, nil
}

func (c Config) LedgerTimeout() time.Duration {
	return seconds(c.LedgerTimeoutSeconds, 15)
}

func (c Config) RetryInterval() time.Duration {
	return seconds(c.SyncRetryIntervalSeconds, 30)
}

func (c Config) BaseBackoff() time.Duration {
	return seconds(c.SyncBaseBackoffSeconds, 5)
}

func (c Config) MaxBackoff() time.Duration {
	return seconds(c.SyncMaxBackoffSeconds, 600)
}

func (c Config) ProbeInterval() time.Duration {
	return seconds(c.ConnectivityProbeSeconds, 10)
}

func seconds(n int, fallback int) time.Duration {
	if n < 1 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}
