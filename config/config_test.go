package config

import (
	"bytes"
	"encoding/base64"
	"testing"
	"time"

	"fhe-engine/internal/domain"
)

var envKeys = []string{
	"LOG_LEVEL", "APP_ENV", "FHE_RUNTIME", "FHE_KEY_PREFIX", "FHE_ROTATION_PERIOD",
	"FHE_POLL_INTERVAL", "FHE_RETRY_INTERVAL", "FHE_MODE", "FHE_SECURITY_LEVEL",
	"FHE_COMPRESSION", "FHE_ALLOW_DEGRADED", "FHE_LOCAL_WRAP_KEY",
	"KMS_AUTO_ROTATION_PERIOD", "OTEL_ENABLED", "OTEL_SAMPLING_RATE",
	"DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS",
}

// clearEnv は設定に関わる環境変数を空にする。
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Runtime != RuntimeServer {
		t.Errorf("want runtime server, got %s", cfg.Runtime)
	}
	if cfg.KeyPrefix != "fhe_key_" {
		t.Errorf("want prefix fhe_key_, got %s", cfg.KeyPrefix)
	}
	if cfg.RotationPeriod != 7*24*time.Hour {
		t.Errorf("want rotation period 168h, got %v", cfg.RotationPeriod)
	}
	if cfg.PollInterval != time.Minute || cfg.RetryInterval != 5*time.Minute {
		t.Errorf("unexpected intervals: poll=%v retry=%v", cfg.PollInterval, cfg.RetryInterval)
	}
	if cfg.Mode != domain.ModeStandard || cfg.SecurityLevel != domain.Security128 {
		t.Errorf("unexpected mode/security: %s/%d", cfg.Mode, cfg.SecurityLevel)
	}
	if cfg.Compression != domain.CompressionZstd {
		t.Errorf("want compression zstd, got %s", cfg.Compression)
	}
	if !cfg.AllowDegraded {
		t.Error("want degraded mode allowed by default")
	}
	if cfg.KMSAutoRotationPeriod != 0 {
		t.Errorf("want KMS auto rotation off, got %v", cfg.KMSAutoRotationPeriod)
	}
	if cfg.OtelEnabled {
		t.Error("want tracing disabled by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	wrapKey := bytes.Repeat([]byte{7}, 32)
	t.Setenv("FHE_RUNTIME", "client")
	t.Setenv("FHE_ROTATION_PERIOD", "1h")
	t.Setenv("FHE_MODE", "exact")
	t.Setenv("FHE_SECURITY_LEVEL", "192")
	t.Setenv("FHE_COMPRESSION", "s2")
	t.Setenv("FHE_ALLOW_DEGRADED", "false")
	t.Setenv("FHE_LOCAL_WRAP_KEY", base64.StdEncoding.EncodeToString(wrapKey))
	t.Setenv("OTEL_SAMPLING_RATE", "0.25")
	t.Setenv("DB_MAX_OPEN_CONNS", "20")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Runtime != RuntimeClient || cfg.RotationPeriod != time.Hour {
		t.Errorf("unexpected runtime/period: %s/%v", cfg.Runtime, cfg.RotationPeriod)
	}
	if cfg.Mode != domain.ModeExact || cfg.SecurityLevel != domain.Security192 {
		t.Errorf("unexpected mode/security: %s/%d", cfg.Mode, cfg.SecurityLevel)
	}
	if cfg.Compression != domain.CompressionS2 || cfg.AllowDegraded {
		t.Errorf("unexpected compression/degraded: %s/%v", cfg.Compression, cfg.AllowDegraded)
	}
	if !bytes.Equal(cfg.LocalWrapKey, wrapKey) {
		t.Error("want decoded local wrap key")
	}
	if cfg.OtelSamplingRate != 0.25 || cfg.DBMaxOpenConns != 20 {
		t.Errorf("unexpected sampling/conns: %v/%d", cfg.OtelSamplingRate, cfg.DBMaxOpenConns)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"FHE_ROTATION_PERIOD", "weekly"},
		{"FHE_ROTATION_PERIOD", "-1h"},
		{"FHE_ALLOW_DEGRADED", "maybe"},
		{"FHE_SECURITY_LEVEL", "100"},
		{"FHE_SECURITY_LEVEL", "high"},
		{"FHE_COMPRESSION", "gzip"},
		{"FHE_MODE", "turbo"},
		{"FHE_RUNTIME", "browser"},
		{"FHE_LOCAL_WRAP_KEY", "not base64!"},
		{"FHE_LOCAL_WRAP_KEY", base64.StdEncoding.EncodeToString([]byte("short"))},
		{"OTEL_SAMPLING_RATE", "2"},
		{"DB_MAX_IDLE_CONNS", "five"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("want error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestConfig_BackendSelection(t *testing.T) {
	tests := []struct {
		name          string
		runtime       Runtime
		appEnv        string
		wantStore     StoreKind
		wantScheduler SchedulerKind
	}{
		{"client", RuntimeClient, "production", StoreLocal, SchedulerPoll},
		{"server production", RuntimeServer, "production", StoreManaged, SchedulerDirect},
		{"server development", RuntimeServer, "development", StoreMemory, SchedulerDirect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Runtime: tt.runtime, AppEnv: tt.appEnv}
			if got := cfg.StoreKind(); got != tt.wantStore {
				t.Errorf("want store %s, got %s", tt.wantStore, got)
			}
			if got := cfg.SchedulerKind(); got != tt.wantScheduler {
				t.Errorf("want scheduler %s, got %s", tt.wantScheduler, got)
			}
		})
	}
}
