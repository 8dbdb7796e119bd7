package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/yourusername/gpay-escrow/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"escrow.events"`

	JWTSecret     string `env:"JWT_SECRET"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`

	GatewayTimeout     time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`
	IdempotencyTTL     time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	FundingTimeout     time.Duration `env:"FUNDING_TIMEOUT" envDefault:"24h"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"2s"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`

	HorizonURL          string            `env:"HORIZON_URL" envDefault:"https://horizon-testnet.stellar.org"`
	NetworkPassphrase   string            `env:"NETWORK_PASSPHRASE" envDefault:"Test SDF Network ; September 2015"`
	EscrowAccountSecret string            `env:"ESCROW_ACCOUNT_SECRET"`
	StellarAssets       map[string]string `env:"STELLAR_ASSETS" envKeyValSeparator:"=" envDefault:"USD=USDC:GBBD47IF6LWK7P7MDEVSCWR7DPUWV3NY3DTQEVFL4NAT4AQH3ZLLFLA5,XLM=XLM"`

	OTelEndpoint    string `env:"OTEL_ENDPOINT"`
	FeeSchedulePath string `env:"FEE_SCHEDULE_PATH"`
	DefaultCurrency string `env:"DEFAULT_CURRENCY" envDefault:"USD"`

	Fees FeeSchedules `env:"-"`
}

// LoadConfig reads an optional .env file, then the environment, then the fee schedule file.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.DefaultCurrency = strings.ToUpper(cfg.DefaultCurrency)

	fees, err := LoadFeeSchedules(cfg.FeeSchedulePath)
	if err != nil {
		return nil, err
	}
	cfg.Fees = fees
	return cfg, nil
}

func InitDB(cfg *Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}
