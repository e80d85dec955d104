package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fhe-engine/internal/domain"

	"gorm.io/gorm"
)

// SchemaMigrationModel は schema_migrations テーブルのモデル。
// name と checksum は後から追加した列のため NULL を許す。
type SchemaMigrationModel struct {
	Version   string    `gorm:"column:version;primaryKey;type:varchar(14)"`
	Name      string    `gorm:"column:name;type:varchar(255)"`
	Checksum  string    `gorm:"column:checksum;type:varchar(64)"`
	AppliedAt time.Time `gorm:"column:applied_at;not null"`
}

// TableName はテーブル名を指定。
func (SchemaMigrationModel) TableName() string {
	return "schema_migrations"
}

// MigrationRepository は適用済みスキーマ変更の履歴を管理するリポジトリ。
type MigrationRepository struct {
	db *gorm.DB
}

// NewMigrationRepository は新しいMigrationRepositoryを生成する。
func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

// EnsureTable は schema_migrations が無ければ作成し、不足している列を追加する。
func (r *MigrationRepository) EnsureTable(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&SchemaMigrationModel{}); err != nil {
		slog.ErrorContext(ctx, "failed to ensure schema_migrations table",
			"operation", "ensure_table",
			"error", err,
		)
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// FindAllApplied は適用済みの履歴をバージョン順に返す。
func (r *MigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var models []SchemaMigrationModel
	if err := r.db.WithContext(ctx).Order("version ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find applied migrations",
			"operation", "find_all_applied",
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}

	applied := make([]*domain.Migration, len(models))
	for i, model := range models {
		appliedAt := model.AppliedAt
		applied[i] = &domain.Migration{
			Version:   model.Version,
			Name:      model.Name,
			Checksum:  model.Checksum,
			AppliedAt: &appliedAt,
			Status:    domain.MigrationStatusApplied,
		}
	}
	return applied, nil
}

// Record はトランザクション tx の中で適用履歴を1件書き込む。
func (r *MigrationRepository) Record(ctx context.Context, tx *gorm.DB, m *domain.Migration, appliedAt time.Time) error {
	model := SchemaMigrationModel{
		Version:   m.Version,
		Name:      m.Name,
		Checksum:  m.Checksum,
		AppliedAt: appliedAt.UTC(),
	}
	if err := tx.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return nil
}
