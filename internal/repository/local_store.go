package repository

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"fhe-engine/internal/domain"
)

// LocalKeyStore はクライアント端末のSQLiteファイルに鍵レコードを保存する。
// List は期限切れのレコードを削除してから返す。
type LocalKeyStore struct {
	*KeyRecordRepository
	now func() time.Time
}

// NewLocalKeyStore は新しいLocalKeyStoreを生成する。
func NewLocalKeyStore(db *gorm.DB) *LocalKeyStore {
	return &LocalKeyStore{
		KeyRecordRepository: NewKeyRecordRepository(db),
		now:                 time.Now,
	}
}

// List は期限切れのレコードを削除し、残りを作成日時の新しい順に返す。
func (s *LocalKeyStore) List(ctx context.Context, prefix string) ([]*domain.KeyRecord, error) {
	n, err := s.DeleteExpired(ctx, prefix, s.now())
	if err != nil {
		return nil, err
	}
	if n > 0 {
		slog.InfoContext(ctx, "purged expired key records from local store",
			"key_prefix", prefix,
			"count", n,
		)
	}
	return s.KeyRecordRepository.List(ctx, prefix)
}
