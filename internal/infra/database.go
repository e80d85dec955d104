// Package infra は外部サービスとの接続を提供する。
package infra

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"fhe-engine/config"
)

// NewDB はgormによるMySQL接続を初期化する。
func NewDB(dsn string, cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 接続プール設定
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := useTracing(db, cfg); err != nil {
		return nil, err
	}
	return db, nil
}

// NewSQLiteDB はクライアント用のSQLiteファイルを開く。
// 書き込みは1接続に限る。
func NewSQLiteDB(path string, cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := useTracing(db, cfg); err != nil {
		return nil, err
	}
	return db, nil
}

func useTracing(db *gorm.DB, cfg *config.Config) error {
	if !cfg.OtelEnabled {
		return nil
	}
	// 鍵のバイト列をスパンに残さない
	if err := db.Use(tracing.NewPlugin(tracing.WithoutQueryVariables())); err != nil {
		return fmt.Errorf("registering gorm tracing plugin: %w", err)
	}
	return nil
}
