package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	StoreCRDB   = "crdb"
	StoreMemory = "memory"

	TransferDirect = "direct"
	TransferHeld   = "held"
)

type Config struct {
	HTTPAddr     string
	StoreDriver  string
	CRDBDSN      string
	MongoURI     string
	MongoDB      string
	RedisAddr    string
	RabbitURL    string
	JWTPublicKey string
	OTLPEndpoint string

	SignatureSecret string
	CustodialSecret string

	MidtransServerKey string
	MidtransBaseURL   string
	LedgerRPCURL      string
	LedgerAuthToken   string
	LedgerRPS         float64
	PayoutBaseURL     string
	PayoutAPIKey      string
	TreasuryAddress   string

	PlatformFeePercent     decimal.Decimal
	ResaleFeePercent       decimal.Decimal
	ResalePriceCapPercent  decimal.Decimal
	ResaleMinLead          time.Duration
	PlatformTransferMethod string
	PlatformBankAccount    string
	PlatformBankName       string
	PlatformAccountHolder  string

	ExternalCallTimeout     time.Duration
	SettlementRetryInterval time.Duration
	IdempotencyTTL          time.Duration
	WebhookLockTTL          time.Duration

	RateLimitPerUser int
	RateLimitPerIP   int
	RateLimitPeriod  time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		StoreDriver:  getEnv("STORE_DRIVER", StoreCRDB),
		CRDBDSN:      os.Getenv("CRDB_DSN"),
		MongoURI:     os.Getenv("MONGO_URI"),
		MongoDB:      getEnv("MONGO_DB", "tickets"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RabbitURL:    os.Getenv("RABBIT_URL"),
		JWTPublicKey: os.Getenv("JWT_PUBLIC_KEY"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		SignatureSecret: os.Getenv("HMAC_SECRET"),
		CustodialSecret: os.Getenv("CUSTODIAL_SECRET"),

		MidtransServerKey: os.Getenv("MIDTRANS_SERVER_KEY"),
		MidtransBaseURL:   getEnv("MIDTRANS_BASE_URL", "https://app.sandbox.midtrans.com"),
		LedgerRPCURL:      os.Getenv("LEDGER_RPC_URL"),
		LedgerAuthToken:   os.Getenv("LEDGER_AUTH_TOKEN"),
		PayoutBaseURL:     os.Getenv("PAYOUT_BASE_URL"),
		PayoutAPIKey:      os.Getenv("PAYOUT_API_KEY"),
		TreasuryAddress:   os.Getenv("TREASURY_ADDRESS"),

		PlatformTransferMethod: strings.ToLower(getEnv("PLATFORM_TRANSFER_METHOD", TransferDirect)),
		PlatformBankAccount:    os.Getenv("PLATFORM_BANK_ACCOUNT"),
		PlatformBankName:       os.Getenv("PLATFORM_BANK_NAME"),
		PlatformAccountHolder:  os.Getenv("PLATFORM_ACCOUNT_HOLDER"),
	}

	var err error
	if cfg.LedgerRPS, err = strconv.ParseFloat(getEnv("LEDGER_RPS", "20"), 64); err != nil {
		return nil, errors.Wrap(err, "LEDGER_RPS")
	}
	if cfg.PlatformFeePercent, err = decimal.NewFromString(getEnv("PLATFORM_FEE_PERCENT", "2.5")); err != nil {
		return nil, errors.Wrap(err, "PLATFORM_FEE_PERCENT")
	}
	if cfg.ResaleFeePercent, err = decimal.NewFromString(getEnv("RESALE_FEE_PERCENT", "7.5")); err != nil {
		return nil, errors.Wrap(err, "RESALE_FEE_PERCENT")
	}
	if cfg.ResalePriceCapPercent, err = decimal.NewFromString(getEnv("RESALE_PRICE_CAP_PERCENT", "120")); err != nil {
		return nil, errors.Wrap(err, "RESALE_PRICE_CAP_PERCENT")
	}

	if cfg.RateLimitPerUser, err = strconv.Atoi(getEnv("RATE_LIMIT_PER_USER", "60")); err != nil {
		return nil, errors.Wrap(err, "RATE_LIMIT_PER_USER")
	}
	if cfg.RateLimitPerIP, err = strconv.Atoi(getEnv("RATE_LIMIT_PER_IP", "300")); err != nil {
		return nil, errors.Wrap(err, "RATE_LIMIT_PER_IP")
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"RESALE_MIN_LEAD", 6 * time.Hour, &cfg.ResaleMinLead},
		{"EXTERNAL_CALL_TIMEOUT", 15 * time.Second, &cfg.ExternalCallTimeout},
		{"SETTLEMENT_RETRY_INTERVAL", time.Minute, &cfg.SettlementRetryInterval},
		{"IDEMPOTENCY_TTL", 24 * time.Hour, &cfg.IdempotencyTTL},
		{"WEBHOOK_LOCK_TTL", 30 * time.Second, &cfg.WebhookLockTTL},
		{"RATE_LIMIT_PERIOD", time.Minute, &cfg.RateLimitPeriod},
	}
	for _, d := range durations {
		*d.dst = d.def
		raw := os.Getenv(d.key)
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return nil, errors.Wrap(err, d.key)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service must not start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.SignatureSecret) == "" {
		return errors.New("HMAC_SECRET is required")
	}
	if strings.TrimSpace(c.CustodialSecret) == "" {
		return errors.New("CUSTODIAL_SECRET is required")
	}
	if c.StoreDriver != StoreCRDB && c.StoreDriver != StoreMemory {
		return errors.Newf("STORE_DRIVER must be %q or %q", StoreCRDB, StoreMemory)
	}
	if c.PlatformTransferMethod != TransferDirect && c.PlatformTransferMethod != TransferHeld {
		return errors.Newf("PLATFORM_TRANSFER_METHOD must be %q or %q", TransferDirect, TransferHeld)
	}
	if c.PlatformFeePercent.IsNegative() || c.ResaleFeePercent.IsNegative() {
		return errors.New("fee percentages must be non-negative")
	}
	if c.PlatformFeePercent.Add(c.ResaleFeePercent).GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("fee percentages exceed 100")
	}
	if c.StoreDriver == StoreCRDB && c.CRDBDSN == "" {
		return errors.New("CRDB_DSN is required for the crdb store")
	}
	if c.RateLimitPerUser <= 0 || c.RateLimitPerIP <= 0 {
		return errors.New("rate limits must be positive")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
