package bootstrap

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"fhe-engine/config"
	"fhe-engine/internal/domain"
	"fhe-engine/internal/engine"
	"fhe-engine/internal/usecase"
)

func testConfig(runtime config.Runtime) *config.Config {
	return &config.Config{
		Runtime:        runtime,
		AppEnv:         "development",
		KeyPrefix:      "fhe_key_",
		RotationPeriod: time.Hour,
		PollInterval:   time.Minute,
		RetryInterval:  time.Minute,
		Mode:           domain.ModeExact,
		SecurityLevel:  domain.Security128,
		Compression:    domain.CompressionS2,
		AllowDegraded:  false,
	}
}

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()

	app, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := app.Start(context.Background()); err != nil {
		app.Close()
		t.Fatalf("Start failed: %v", err)
	}
	return app
}

func TestApp_MemoryStoreEndToEnd(t *testing.T) {
	ctx := context.Background()
	app := startApp(t, testConfig(config.RuntimeServer))
	defer app.Close()

	if app.Rotation.GetActiveKeyID() == "" {
		t.Fatal("want an active key after start")
	}
	if !app.Engine.HasKeys() || app.Engine.Scheme() != domain.SchemeBFV {
		t.Fatalf("want BFV keys installed, got %s", app.Engine.Scheme())
	}

	a, err := app.Engine.Encrypt([]float64{1, 2, 3})
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	res := app.Operations.Add(ctx, a, usecase.Values(10, 20, 30))
	if !res.Success {
		t.Fatalf("Add failed: %v", res.Err)
	}
	got, err := app.Engine.Decrypt(res.Result)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	for i, want := range []float64{11, 22, 33} {
		if got[i] != want {
			t.Errorf("slot %d: want %v, got %v", i, want, got[i])
		}
	}

	rotated, err := app.Resume(ctx)
	if err != nil || rotated {
		t.Errorf("want no rotation before expiry, got %v, %v", rotated, err)
	}
}

func TestApp_LocalStoreSurvivesRestart(t *testing.T) {
	cfg := testConfig(config.RuntimeClient)
	cfg.SQLitePath = filepath.Join(t.TempDir(), "keys.db")
	cfg.LocalWrapKey = bytes.Repeat([]byte{42}, 32)

	first := startApp(t, cfg)
	keyID := first.Rotation.GetActiveKeyID()
	ct, err := first.Engine.Encrypt([]float64{5, 6, 7})
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	before, err := first.Engine.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	record, err := first.Store.Get(context.Background(), keyID)
	if err != nil {
		t.Fatalf("want record persisted: %v", err)
	}
	if len(record.PrivateKeyEncrypted) == 0 || record.Placeholder {
		t.Errorf("want wrapped real key material, got placeholder=%v", record.Placeholder)
	}
	if record.Compression != domain.CompressionS2 {
		t.Errorf("want compression s2, got %s", record.Compression)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second := startApp(t, cfg)
	defer second.Close()

	if got := second.Rotation.GetActiveKeyID(); got != keyID {
		t.Errorf("want key %s reloaded, got %s", keyID, got)
	}
	if !second.Engine.HasKeys() {
		t.Fatal("want keys installed from the local store")
	}
	keys, err := second.Engine.SerializeKeys(engine.SerializeOptions{Compression: domain.CompressionS2})
	if err != nil {
		t.Fatalf("SerializeKeys failed: %v", err)
	}
	if !bytes.Equal(keys.PublicKey, record.PublicKey) {
		t.Error("want the persisted public key after restart")
	}
	ct2, err := second.Engine.Encrypt(before[:3])
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	after, err := second.Engine.Decrypt(ct2)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	for i := range 3 {
		if after[i] != before[i] {
			t.Errorf("slot %d: want %v, got %v", i, before[i], after[i])
		}
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{
			name: "local store without wrap key",
			mutate: func(cfg *config.Config) {
				cfg.Runtime = config.RuntimeClient
				cfg.SQLitePath = filepath.Join(t.TempDir(), "keys.db")
			},
		},
		{
			name: "managed store without database",
			mutate: func(cfg *config.Config) {
				cfg.AppEnv = "production"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(config.RuntimeServer)
			tt.mutate(cfg)
			if _, err := Build(context.Background(), cfg); err == nil {
				t.Error("want error, got nil")
			}
		})
	}
}
