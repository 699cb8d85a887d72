package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pasarlokal/dispatch-engine/internal/model"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "DATABASE_URL", "KAFKA_BROKERS", "MIN_WALLET_LIMIT", "CACHE_TTL", "RECONCILE_SCHEDULE"} {
		t.Setenv(k, "")
	}

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, "marketplace.audit", cfg.KafkaAuditTopic)
	assert.True(t, cfg.MinWalletLimit.Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, "platform", cfg.PlatformAccountID)
	assert.Equal(t, "@every 5m", cfg.ReconcileSchedule)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,,")
	t.Setenv("MIN_WALLET_LIMIT", "25000.50")
	t.Setenv("CACHE_TTL", "2m")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "25000.5", cfg.MinWalletLimit.String())
	assert.Equal(t, 2*time.Minute, cfg.CacheTTL)
}

func TestFromEnv_Invalid(t *testing.T) {
	t.Setenv("MIN_WALLET_LIMIT", "lots")
	_, err := FromEnv()
	assert.Error(t, err)

	t.Setenv("MIN_WALLET_LIMIT", "-1")
	_, err = FromEnv()
	assert.Error(t, err)

	t.Setenv("MIN_WALLET_LIMIT", "10000")
	t.Setenv("CACHE_TTL", "soon")
	_, err = FromEnv()
	assert.Error(t, err)
}

func TestLoadTariffs_SeedFile(t *testing.T) {
	tariffs, err := LoadTariffs(filepath.Join("..", "..", "configs", "tariffs.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, tariffs)

	first := tariffs[0]
	assert.Equal(t, "pasar-cibinong", first.MarketID)
	assert.True(t, first.FlatRateAmount.Equal(decimal.NewFromInt(5000)))
	assert.True(t, first.ExtraFeePerKm.Equal(decimal.NewFromInt(2500)))
	assert.Equal(t, 3, first.MaxMerchantsPerOrder)
}

func TestParseTariffs_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing market id", `
tariffs:
  - flat_rate_amount: 5000
    max_merchants_per_order: 3
`},
		{"duplicate market", `
tariffs:
  - market_id: a
    flat_rate_amount: 5000
    max_merchants_per_order: 1
  - market_id: a
    flat_rate_amount: 5000
    max_merchants_per_order: 1
`},
		{"no flat rate", `
tariffs:
  - market_id: a
    max_merchants_per_order: 3
`},
		{"split mismatch", `
tariffs:
  - market_id: a
    flat_rate_amount: 5000
    extra_pickup_fee_total: 3000
    extra_pickup_fee_courier: 2000
    extra_pickup_fee_app: 500
    max_merchants_per_order: 3
`},
		{"zero cap", `
tariffs:
  - market_id: a
    max_merchants_per_order: 0
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTariffs([]byte(tt.yaml))
			assert.ErrorIs(t, err, model.ErrInvalidTariff)
		})
	}

	_, err := ParseTariffs([]byte("tariffs: [unclosed"))
	assert.Error(t, err)
}

func TestLoadTariffs_MissingFile(t *testing.T) {
	_, err := LoadTariffs(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadAccounts_SeedFile(t *testing.T) {
	accounts, err := LoadAccounts(filepath.Join("..", "..", "configs", "accounts.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, accounts)

	roles := make(map[model.Role]int)
	for _, a := range accounts {
		roles[a.Role]++
	}
	assert.Positive(t, roles[model.RoleCourier])
	assert.Positive(t, roles[model.RoleMerchant])
}

func TestParseAccounts_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing id", `
accounts:
  - role: MERCHANT
`},
		{"duplicate id", `
accounts:
  - id: m-1
    role: MERCHANT
  - id: m-1
    role: COURIER
`},
		{"platform role", `
accounts:
  - id: platform
    role: PLATFORM
`},
		{"unknown role", `
accounts:
  - id: x
    role: BUYER
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAccounts([]byte(tt.yaml))
			assert.ErrorIs(t, err, model.ErrInvalidAccount)
		})
	}
}
