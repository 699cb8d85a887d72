// Package config loads service configuration from the environment (with an
// optional .env file) and regional tariffs and accounts from YAML seed files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/pasarlokal/dispatch-engine/internal/fee"
	"github.com/pasarlokal/dispatch-engine/internal/model"
)

// Config is the runtime configuration of the dispatch engine.
type Config struct {
	Port              string
	DatabaseURL       string // empty → in-memory store
	RedisURL          string
	KafkaBrokers      []string
	KafkaAuditTopic   string
	MinWalletLimit    decimal.Decimal
	PlatformAccountID string
	ReconcileSchedule string
	CacheTTL          time.Duration
	TariffFile        string
	AccountsFile      string
	LogLevel          string
	LogFormat         string
}

// Load reads .env (if present) and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:              getenv("PORT", "8080"),
		DatabaseURL:       getenv("DATABASE_URL", ""),
		RedisURL:          getenv("REDIS_URL", ""),
		KafkaBrokers:      splitCSV(getenv("KAFKA_BROKERS", "")),
		KafkaAuditTopic:   getenv("KAFKA_AUDIT_TOPIC", "marketplace.audit"),
		PlatformAccountID: getenv("PLATFORM_ACCOUNT_ID", "platform"),
		ReconcileSchedule: getenv("RECONCILE_SCHEDULE", "@every 5m"),
		TariffFile:        getenv("TARIFF_FILE", ""),
		AccountsFile:      getenv("ACCOUNTS_FILE", ""),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		LogFormat:         getenv("LOG_FORMAT", "json"),
	}

	limit, err := decimal.NewFromString(getenv("MIN_WALLET_LIMIT", "10000"))
	if err != nil {
		return nil, fmt.Errorf("MIN_WALLET_LIMIT: %w", err)
	}
	if limit.IsNegative() {
		return nil, fmt.Errorf("MIN_WALLET_LIMIT: must not be negative, got %s", limit)
	}
	cfg.MinWalletLimit = limit

	ttl, err := time.ParseDuration(getenv("CACHE_TTL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("CACHE_TTL: %w", err)
	}
	cfg.CacheTTL = ttl

	return cfg, nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT and
// installs it as the slog default.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// tariffFile is the YAML layout of a tariff seed file.
type tariffFile struct {
	Tariffs []model.RegionalTariff `yaml:"tariffs"`
}

// LoadTariffs parses and validates a tariff seed file.
func LoadTariffs(path string) ([]model.RegionalTariff, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tariff file: %w", err)
	}
	return ParseTariffs(data)
}

// ParseTariffs decodes tariffs from YAML. Every tariff must pass
// fee.ValidateTariff and market ids must be unique.
func ParseTariffs(data []byte) ([]model.RegionalTariff, error) {
	var f tariffFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tariff file: %w", err)
	}

	seen := make(map[string]bool, len(f.Tariffs))
	for i := range f.Tariffs {
		t := &f.Tariffs[i]
		if t.MarketID == "" {
			return nil, fmt.Errorf("tariff %d: %w: market_id is required", i, model.ErrInvalidTariff)
		}
		if seen[t.MarketID] {
			return nil, fmt.Errorf("tariff %s: %w: duplicate market_id", t.MarketID, model.ErrInvalidTariff)
		}
		seen[t.MarketID] = true
		if err := fee.ValidateTariff(t); err != nil {
			return nil, fmt.Errorf("tariff %s: %w", t.MarketID, err)
		}
	}
	return f.Tariffs, nil
}

// AccountSeed is a courier or merchant account opened at startup.
type AccountSeed struct {
	ID   string     `yaml:"id"`
	Role model.Role `yaml:"role"`
}

type accountsFile struct {
	Accounts []AccountSeed `yaml:"accounts"`
}

// LoadAccounts parses and validates an account seed file.
func LoadAccounts(path string) ([]AccountSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	return ParseAccounts(data)
}

// ParseAccounts decodes account seeds from YAML. Only COURIER and MERCHANT
// accounts may be seeded and ids must be unique.
func ParseAccounts(data []byte) ([]AccountSeed, error) {
	var f accountsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}

	seen := make(map[string]bool, len(f.Accounts))
	for i, a := range f.Accounts {
		if a.ID == "" {
			return nil, fmt.Errorf("account %d: %w: id is required", i, model.ErrInvalidAccount)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("account %s: %w: duplicate id", a.ID, model.ErrInvalidAccount)
		}
		seen[a.ID] = true
		if a.Role != model.RoleCourier && a.Role != model.RoleMerchant {
			return nil, fmt.Errorf("account %s: %w: role %q", a.ID, model.ErrInvalidAccount, a.Role)
		}
	}
	return f.Accounts, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
