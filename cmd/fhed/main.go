// Package main は鍵ローテーションデーモンのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"fhe-engine/config"
	"fhe-engine/internal/bootstrap"
	"fhe-engine/internal/infra"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	infra.SetupLogger(cfg, os.Stdout)

	app, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		slog.Error("failed to build application", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.Error("failed to close application", "error", err)
		}
	}()

	if err := app.Start(ctx); err != nil {
		slog.Error("failed to start key rotation", "error", err)
		return
	}
	slog.Info("fhed started",
		"active_key_id", app.Rotation.GetActiveKeyID(),
		"degraded", app.Rotation.Degraded(),
	)

	// SIGHUP は休止からの復帰とみなして期限を確認する
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			break
		}
		rotated, err := app.Resume(ctx)
		if err != nil {
			slog.Error("expiry check failed", "error", err)
			continue
		}
		slog.Info("expiry checked",
			"rotated", rotated,
			"active_key_id", app.Rotation.GetActiveKeyID(),
		)
	}

	slog.Info("shutting down fhed...")
}
