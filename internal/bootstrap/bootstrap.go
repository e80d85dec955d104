// Package bootstrap は設定から各コンポーネントを組み立てる。
// 鍵ストアとタイマーの種類はここで一度だけ決める。
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"gorm.io/gorm"

	"fhe-engine/config"
	"fhe-engine/internal/engine"
	"fhe-engine/internal/infra"
	"fhe-engine/internal/repository"
	"fhe-engine/internal/scheduler"
	"fhe-engine/internal/usecase"
	"fhe-engine/migrations"
)

// App は組み立て済みのコンポーネント一式。
type App struct {
	Config     *config.Config
	Engine     *engine.Service
	Rotation   *usecase.RotationService
	Operations *usecase.OperationService
	Store      usecase.KeyStore

	poll    *scheduler.Poll
	closers []func() error
}

// Build は設定に従ってコンポーネントを生成する。鍵の読み込みや生成は Start で行う。
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{
		Config: cfg,
		Engine: engine.NewService(),
	}

	store, wrapper, err := app.buildStore(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Store = store

	var sched usecase.Scheduler
	switch cfg.SchedulerKind() {
	case config.SchedulerPoll:
		app.poll = scheduler.NewPoll(cfg.PollInterval)
		sched = app.poll
	default:
		sched = scheduler.NewDirect()
	}

	app.Rotation = usecase.NewRotationService(app.Engine, store, wrapper, sched, usecase.RotationConfig{
		RotationPeriod: cfg.RotationPeriod,
		RetryInterval:  cfg.RetryInterval,
		KeyPrefix:      cfg.KeyPrefix,
		Compression:    cfg.Compression,
		AllowDegraded:  cfg.AllowDegraded,
		Engine: engine.InitOptions{
			Mode:          cfg.Mode,
			SecurityLevel: cfg.SecurityLevel,
		},
	})
	app.Operations = usecase.NewOperationService(app.Engine)

	slog.InfoContext(ctx, "built application",
		"runtime", cfg.Runtime,
		"store", cfg.StoreKind(),
		"scheduler", cfg.SchedulerKind(),
		"mode", cfg.Mode,
	)
	return app, nil
}

func (a *App) buildStore(ctx context.Context) (usecase.KeyStore, usecase.KeyWrapper, error) {
	cfg := a.Config

	switch cfg.StoreKind() {
	case config.StoreManaged:
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("DATABASE_URL is required for the managed key store")
		}
		db, err := infra.NewDB(cfg.DatabaseURL, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init database: %w", err)
		}
		a.closeDB(db)

		kmsClient, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init KMS client: %w", err)
		}
		a.closers = append(a.closers, kmsClient.Close)

		store := repository.NewManagedSecretStore(db,
			repository.WithLabels(map[string]string{"env": cfg.AppEnv}),
			repository.WithKMSRotation(kmsClient, cfg.KMSAutoRotationPeriod),
		)
		// 秘密鍵は KMS の上限を超えるため、KMS ではデータ鍵だけを包む
		return store, infra.NewEnvelopeWrapper(kmsClient), nil

	case config.StoreLocal:
		if len(cfg.LocalWrapKey) == 0 {
			return nil, nil, fmt.Errorf("FHE_LOCAL_WRAP_KEY is required for the local key store")
		}
		wrapper, err := infra.NewLocalWrapper(cfg.LocalWrapKey)
		if err != nil {
			return nil, nil, err
		}
		db, err := infra.NewSQLiteDB(cfg.SQLitePath, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open local key store: %w", err)
		}
		a.closeDB(db)

		// 端末側には運用者がいないので、起動時にスキーマを適用する
		if err := Migrate(ctx, db, "sqlite"); err != nil {
			return nil, nil, err
		}
		return repository.NewLocalKeyStore(db), wrapper, nil

	default:
		var wrapper *infra.LocalWrapper
		var err error
		if len(cfg.LocalWrapKey) > 0 {
			wrapper, err = infra.NewLocalWrapper(cfg.LocalWrapKey)
		} else {
			wrapper, err = infra.NewEphemeralWrapper()
		}
		if err != nil {
			return nil, nil, err
		}
		return repository.NewMemoryKeyStore(), wrapper, nil
	}
}

func (a *App) closeDB(db *gorm.DB) {
	a.closers = append(a.closers, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
}

// Migrate は埋め込みのマイグレーションを適用する。
func Migrate(ctx context.Context, db *gorm.DB, dialect string) error {
	files, err := migrations.Dialect(dialect)
	if err != nil {
		return err
	}
	service := usecase.NewMigrationService(repository.NewMigrationRepository(db), db, files)
	applied, err := service.ApplyMigrations(ctx)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if applied > 0 {
		slog.InfoContext(ctx, "applied migrations", "dialect", dialect, "count", applied)
	}
	return nil
}

// Start はローテーションサービスを初期化し、有効な鍵を用意する。
func (a *App) Start(ctx context.Context) error {
	if err := a.Rotation.Initialize(ctx, nil); err != nil {
		return fmt.Errorf("failed to initialize key rotation: %w", err)
	}
	if a.Rotation.Degraded() {
		slog.WarnContext(ctx, "running in degraded mode with placeholder keys",
			"key_id", a.Rotation.GetActiveKeyID(),
		)
	}
	return nil
}

// Resume は休止からの復帰時などに、次の周期を待たずに鍵の期限を確認する。
func (a *App) Resume(ctx context.Context) (bool, error) {
	if a.poll != nil {
		a.poll.CheckNow()
	}
	return a.Rotation.CheckExpiry(ctx)
}

// Close はタイマーを止め、鍵マテリアルと接続を解放する。保存済みの鍵は残す。
func (a *App) Close() error {
	if a.Rotation != nil {
		a.Rotation.Dispose()
	}
	a.Engine.Dispose()

	var errs []error
	for _, closeFn := range slices.Backward(a.closers) {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
