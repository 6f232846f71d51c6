package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func setBaseEnv(t *testing.T) {
	t.Setenv("HMAC_SECRET", "sign")
	t.Setenv("CUSTODIAL_SECRET", "custody")
	t.Setenv("STORE_DRIVER", StoreMemory)
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !cfg.PlatformFeePercent.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("platform fee = %s", cfg.PlatformFeePercent)
	}
	if !cfg.ResaleFeePercent.Equal(decimal.RequireFromString("7.5")) {
		t.Errorf("resale fee = %s", cfg.ResaleFeePercent)
	}
	if !cfg.ResalePriceCapPercent.Equal(decimal.NewFromInt(120)) {
		t.Errorf("price cap = %s", cfg.ResalePriceCapPercent)
	}
	if cfg.ResaleMinLead != 6*time.Hour || cfg.ExternalCallTimeout != 15*time.Second {
		t.Errorf("unexpected durations: lead %s, timeout %s", cfg.ResaleMinLead, cfg.ExternalCallTimeout)
	}
	if cfg.IdempotencyTTL != 24*time.Hour || cfg.SettlementRetryInterval != time.Minute {
		t.Errorf("unexpected durations: idempotency %s, retry %s", cfg.IdempotencyTTL, cfg.SettlementRetryInterval)
	}
	if cfg.PlatformTransferMethod != TransferDirect {
		t.Errorf("transfer method = %q", cfg.PlatformTransferMethod)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PLATFORM_TRANSFER_METHOD", "HELD")
	t.Setenv("RESALE_MIN_LEAD", "12h")
	t.Setenv("RATE_LIMIT_PER_IP", "10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.PlatformTransferMethod != TransferHeld {
		t.Errorf("transfer method = %q", cfg.PlatformTransferMethod)
	}
	if cfg.ResaleMinLead != 12*time.Hour {
		t.Errorf("min lead = %s", cfg.ResaleMinLead)
	}
	if cfg.RateLimitPerIP != 10 {
		t.Errorf("per ip = %d", cfg.RateLimitPerIP)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing signing secret", map[string]string{"HMAC_SECRET": ""}},
		{"missing custodial secret", map[string]string{"CUSTODIAL_SECRET": " "}},
		{"unknown store", map[string]string{"STORE_DRIVER": "sqlite"}},
		{"crdb without dsn", map[string]string{"STORE_DRIVER": StoreCRDB, "CRDB_DSN": ""}},
		{"bad transfer method", map[string]string{"PLATFORM_TRANSFER_METHOD": "wire"}},
		{"fees over 100", map[string]string{"PLATFORM_FEE_PERCENT": "60", "RESALE_FEE_PERCENT": "50"}},
		{"bad decimal", map[string]string{"RESALE_FEE_PERCENT": "seven"}},
		{"bad duration", map[string]string{"EXTERNAL_CALL_TIMEOUT": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
