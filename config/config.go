// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"

	"fhe-engine/internal/domain"
)

// Runtime は実行環境の種類を表す。
type Runtime string

const (
	RuntimeServer Runtime = "server"
	RuntimeClient Runtime = "client"
)

// StoreKind は鍵ストアの種類を表す。
type StoreKind string

const (
	StoreMemory  StoreKind = "memory"
	StoreLocal   StoreKind = "local"
	StoreManaged StoreKind = "managed"
)

// SchedulerKind はローテーションタイマーの種類を表す。
type SchedulerKind string

const (
	SchedulerDirect SchedulerKind = "direct"
	SchedulerPoll   SchedulerKind = "poll"
)

// Config はアプリケーション設定を表す。
type Config struct {
	LogLevel           string
	AppEnv             string
	Runtime            Runtime
	DatabaseURL        string
	SQLitePath         string
	KMSKeyName         string
	GoogleCloudProject string

	KeyPrefix             string
	RotationPeriod        time.Duration
	PollInterval          time.Duration
	RetryInterval         time.Duration
	Mode                  domain.Mode
	SecurityLevel         domain.SecurityLevel
	Compression           domain.Compression
	AllowDegraded         bool
	LocalWrapKey          []byte
	KMSAutoRotationPeriod time.Duration

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64

	DBMaxOpenConns int
	DBMaxIdleConns int
}

// Load は環境変数から設定を読み込む。
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		AppEnv:             getEnv("APP_ENV", "development"),
		Runtime:            Runtime(getEnv("FHE_RUNTIME", string(RuntimeServer))),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		SQLitePath:         getEnv("SQLITE_PATH", "fhe_keys.db"),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		KeyPrefix:          getEnv("FHE_KEY_PREFIX", "fhe_key_"),
		Mode:               domain.Mode(getEnv("FHE_MODE", string(domain.ModeStandard))),
		OtelEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OtelServiceName:    getEnv("OTEL_SERVICE_NAME", "fhe-engine"),
	}

	var err error
	if cfg.RotationPeriod, err = getDuration("FHE_ROTATION_PERIOD", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getDuration("FHE_POLL_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.RetryInterval, err = getDuration("FHE_RETRY_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.KMSAutoRotationPeriod, err = getDuration("KMS_AUTO_ROTATION_PERIOD", 0); err != nil {
		return nil, err
	}
	if cfg.AllowDegraded, err = getBool("FHE_ALLOW_DEGRADED", true); err != nil {
		return nil, err
	}
	if cfg.OtelEnabled, err = getBool("OTEL_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 10); err != nil {
		return nil, err
	}
	if cfg.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 5); err != nil {
		return nil, err
	}
	level, err := getInt("FHE_SECURITY_LEVEL", int(domain.Security128))
	if err != nil {
		return nil, err
	}
	cfg.SecurityLevel = domain.SecurityLevel(level)
	switch cfg.SecurityLevel {
	case domain.Security128, domain.Security192, domain.Security256:
	default:
		return nil, fmt.Errorf("FHE_SECURITY_LEVEL must be 128, 192 or 256: %d", level)
	}

	rate, err := strconv.ParseFloat(getEnv("OTEL_SAMPLING_RATE", "1.0"), 64)
	if err != nil || rate < 0 || rate > 1 {
		return nil, fmt.Errorf("OTEL_SAMPLING_RATE must be a number in [0, 1]: %q", os.Getenv("OTEL_SAMPLING_RATE"))
	}
	cfg.OtelSamplingRate = rate

	if cfg.Compression, err = domain.ParseCompression(getEnv("FHE_COMPRESSION", string(domain.CompressionZstd))); err != nil {
		return nil, fmt.Errorf("FHE_COMPRESSION: %w", err)
	}
	if _, err := cfg.Mode.Profile(); err != nil {
		return nil, fmt.Errorf("FHE_MODE: %w", err)
	}

	switch cfg.Runtime {
	case RuntimeServer, RuntimeClient:
	default:
		return nil, fmt.Errorf("FHE_RUNTIME must be server or client: %q", cfg.Runtime)
	}

	if raw := os.Getenv("FHE_LOCAL_WRAP_KEY"); raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("FHE_LOCAL_WRAP_KEY must be base64: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("FHE_LOCAL_WRAP_KEY must decode to 32 bytes, got %d", len(key))
		}
		cfg.LocalWrapKey = key
	}

	return cfg, nil
}

// IsProduction は本番環境かどうかを返す。
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// StoreKind は実行環境から鍵ストアの種類を決める。
func (c *Config) StoreKind() StoreKind {
	switch {
	case c.Runtime == RuntimeClient:
		return StoreLocal
	case c.IsProduction():
		return StoreManaged
	default:
		return StoreMemory
	}
}

// SchedulerKind は実行環境からタイマーの種類を決める。
// クライアントは休止をまたぐため定期確認を使う。
func (c *Config) SchedulerKind() SchedulerKind {
	if c.Runtime == RuntimeClient {
		return SchedulerPoll
	}
	return SchedulerDirect
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative: %s", key, val)
	}
	return d, nil
}

func getBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return b, nil
}

func getInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}
