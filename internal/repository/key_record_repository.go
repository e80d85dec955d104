// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fhe-engine/internal/domain"
)

// KeyRecordModel はgorm用のモデル定義。
type KeyRecordModel struct {
	ID                  string    `gorm:"column:id;type:varchar(191);primaryKey"`
	PublicKey           []byte    `gorm:"column:public_key;not null"`
	PrivateKeyEncrypted []byte    `gorm:"column:private_key_encrypted;not null"`
	RelinKeys           []byte    `gorm:"column:relin_keys"`
	GaloisKeys          []byte    `gorm:"column:galois_keys"`
	SchemeType          string    `gorm:"column:scheme_type;type:varchar(8);not null"`
	Created             time.Time `gorm:"column:created_at;not null"`
	Expires             time.Time `gorm:"column:expires_at;not null;index:idx_expires_at"`
	Version             string    `gorm:"column:version;type:varchar(16);not null"`
	Compression         string    `gorm:"column:compression;type:varchar(8);not null"`
	Status              string    `gorm:"column:status;type:varchar(16);not null"`
	Placeholder         bool      `gorm:"column:placeholder;not null"`
	Labels              string    `gorm:"column:labels"`
}

// TableName はテーブル名を返す。
func (KeyRecordModel) TableName() string {
	return "fhe_key_records"
}

func newKeyRecordModel(r *domain.KeyRecord) *KeyRecordModel {
	return &KeyRecordModel{
		ID:                  r.ID,
		PublicKey:           r.PublicKey,
		PrivateKeyEncrypted: r.PrivateKeyEncrypted,
		RelinKeys:           r.RelinKeys,
		GaloisKeys:          r.GaloisKeys,
		SchemeType:          string(r.SchemeType),
		Created:             r.Created.UTC(),
		Expires:             r.Expires.UTC(),
		Version:             r.Version,
		Compression:         string(r.Compression),
		Status:              string(r.Status),
		Placeholder:         r.Placeholder,
	}
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *KeyRecordModel) toDomain() *domain.KeyRecord {
	return &domain.KeyRecord{
		ID:                  m.ID,
		PublicKey:           m.PublicKey,
		PrivateKeyEncrypted: m.PrivateKeyEncrypted,
		RelinKeys:           m.RelinKeys,
		GaloisKeys:          m.GaloisKeys,
		SchemeType:          domain.SchemeKind(m.SchemeType),
		Created:             m.Created,
		Expires:             m.Expires,
		Version:             m.Version,
		Compression:         domain.Compression(m.Compression),
		Status:              domain.KeyStatus(m.Status),
		Placeholder:         m.Placeholder,
	}
}

// KeyRecordRepository は fhe_key_records テーブルへのアクセスを提供する。
type KeyRecordRepository struct {
	db *gorm.DB
}

// NewKeyRecordRepository は新しいKeyRecordRepositoryを生成する。
func NewKeyRecordRepository(db *gorm.DB) *KeyRecordRepository {
	return &KeyRecordRepository{db: db}
}

// Get は指定IDの鍵レコードを取得する。存在しない場合は domain.ErrKeyNotFound を返す。
func (r *KeyRecordRepository) Get(ctx context.Context, id string) (*domain.KeyRecord, error) {
	var model KeyRecordModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, id)
		}
		slog.ErrorContext(ctx, "failed to get key record",
			"operation", "get",
			"key_id", id,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	return model.toDomain(), nil
}

// Put は鍵レコードを保存する。同じIDのレコードは上書きする。
func (r *KeyRecordRepository) Put(ctx context.Context, record *domain.KeyRecord) error {
	return r.put(ctx, newKeyRecordModel(record))
}

func (r *KeyRecordRepository) put(ctx context.Context, model *KeyRecordModel) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to put key record",
			"operation", "put",
			"key_id", model.ID,
			"error", err,
		)
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// List はIDが prefix で始まる鍵レコードを作成日時の新しい順に返す。
func (r *KeyRecordRepository) List(ctx context.Context, prefix string) ([]*domain.KeyRecord, error) {
	var models []KeyRecordModel
	err := r.db.WithContext(ctx).
		Where("id LIKE ? ESCAPE '!'", likePrefix(prefix)).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list key records",
			"operation", "list",
			"key_prefix", prefix,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}

	records := make([]*domain.KeyRecord, len(models))
	for i := range models {
		records[i] = models[i].toDomain()
	}
	return records, nil
}

// Delete は指定IDの鍵レコードを削除する。存在しない場合は domain.ErrKeyNotFound を返す。
func (r *KeyRecordRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&KeyRecordModel{})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to delete key record",
			"operation", "delete",
			"key_id", id,
			"error", result.Error,
		)
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrKeyNotFound, id)
	}
	return nil
}

// DeleteByPrefix はIDが prefix で始まる鍵レコードをすべて削除し、削除件数を返す。
func (r *KeyRecordRepository) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	result := r.db.WithContext(ctx).
		Where("id LIKE ? ESCAPE '!'", likePrefix(prefix)).
		Delete(&KeyRecordModel{})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to delete key records by prefix",
			"operation", "delete_by_prefix",
			"key_prefix", prefix,
			"error", result.Error,
		)
		return 0, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, result.Error)
	}
	return int(result.RowsAffected), nil
}

// DeleteExpired は now の時点で期限切れのレコードを削除し、削除件数を返す。
func (r *KeyRecordRepository) DeleteExpired(ctx context.Context, prefix string, now time.Time) (int, error) {
	result := r.db.WithContext(ctx).
		Where("id LIKE ? ESCAPE '!' AND expires_at <= ?", likePrefix(prefix), now.UTC()).
		Delete(&KeyRecordModel{})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to delete expired key records",
			"operation", "delete_expired",
			"key_prefix", prefix,
			"error", result.Error,
		)
		return 0, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, result.Error)
	}
	return int(result.RowsAffected), nil
}

// likePrefix は LIKE のワイルドカードを '!' でエスケープした前方一致パターンを返す。
// 既定のプレフィックス fhe_key_ は '_' を含む。
func likePrefix(prefix string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(prefix) + "%"
}
