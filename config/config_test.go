package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/gpay-escrow/escrow"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("FEE_SCHEDULE_PATH", "")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("FUNDING_TIMEOUT", "30m")
	t.Setenv("DEFAULT_CURRENCY", "eur")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "https://horizon-testnet.stellar.org", cfg.HorizonURL)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Minute, cfg.FundingTimeout)
	assert.Equal(t, 10*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, "EUR", cfg.DefaultCurrency)
	assert.Equal(t, "XLM", cfg.StellarAssets["XLM"])
	assert.Contains(t, cfg.StellarAssets["USD"], "USDC:")
	assert.Equal(t, escrow.DefaultFeeSchedule(), cfg.Fees.For("USD"))
}

func TestLoadFeeSchedules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fees.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default:
  platform_rate: "0.10"
  gateway_rate: "0.02"
  gateway_fixed_minor: 25
currencies:
  jpy:
    platform_rate: "0.05"
    gateway_rate: "0.036"
    gateway_fixed_minor: 0
`), 0o600))

	fees, err := LoadFeeSchedules(path)
	require.NoError(t, err)
	assert.Equal(t, "0.1", fees.For("USD").PlatformRate.String())
	assert.Equal(t, int64(25), fees.For("USD").GatewayFixedMinor)
	assert.Equal(t, "0.036", fees.For("JPY").GatewayRate.String())
	assert.Equal(t, int64(0), fees.For("jpy").GatewayFixedMinor)
}

func TestLoadFeeSchedulesRejectsBadRates(t *testing.T) {
	tests := map[string]string{
		"Not a number": "default:\n  platform_rate: abc\n  gateway_rate: \"0.01\"\n",
		"Over 100%":    "default:\n  platform_rate: \"0.7\"\n  gateway_rate: \"0.4\"\n",
		"Negative":     "currencies:\n  USD:\n    platform_rate: \"-0.1\"\n    gateway_rate: \"0\"\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "fees.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := LoadFeeSchedules(path)
			assert.Error(t, err)
		})
	}

	_, err := LoadFeeSchedules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
