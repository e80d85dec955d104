package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"gorm.io/gorm"

	"fhe-engine/internal/domain"
)

// RotationConfigurer はラップ用のKMS鍵に自動ローテーションを設定する。
type RotationConfigurer interface {
	ConfigureRotation(ctx context.Context, period time.Duration) error
}

// ManagedSecretStore はサーバー環境のMySQLに鍵レコードを名前付きシークレットとして保存する。
// 各レコードにはラベルが付く。
type ManagedSecretStore struct {
	*KeyRecordRepository
	labels   map[string]string
	rotation RotationConfigurer
	period   time.Duration

	mu         sync.Mutex
	configured bool
}

// ManagedOption は ManagedSecretStore の生成オプション。
type ManagedOption func(*ManagedSecretStore)

// WithLabels は全レコードに付けるラベルを追加する。
func WithLabels(labels map[string]string) ManagedOption {
	return func(s *ManagedSecretStore) {
		maps.Copy(s.labels, labels)
	}
}

// WithKMSRotation は最初の書き込み時にKMS鍵の自動ローテーションを設定する。period が0なら設定しない。
func WithKMSRotation(rc RotationConfigurer, period time.Duration) ManagedOption {
	return func(s *ManagedSecretStore) {
		s.rotation = rc
		s.period = period
	}
}

// NewManagedSecretStore は新しいManagedSecretStoreを生成する。
func NewManagedSecretStore(db *gorm.DB, opts ...ManagedOption) *ManagedSecretStore {
	s := &ManagedSecretStore{
		KeyRecordRepository: NewKeyRecordRepository(db),
		labels:              map[string]string{"app": "fhe-engine"},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put はラベルを付けてレコードを保存する。
func (s *ManagedSecretStore) Put(ctx context.Context, record *domain.KeyRecord) error {
	s.configureRotation(ctx)

	labels, err := json.Marshal(s.recordLabels(record))
	if err != nil {
		return fmt.Errorf("encoding labels of %s: %w", record.ID, err)
	}
	model := newKeyRecordModel(record)
	model.Labels = string(labels)
	return s.put(ctx, model)
}

// Labels は保存済みレコードのラベルを返す。
func (s *ManagedSecretStore) Labels(ctx context.Context, id string) (map[string]string, error) {
	var model KeyRecordModel
	if err := s.db.WithContext(ctx).Select("id", "labels").Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, id)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	labels := map[string]string{}
	if model.Labels == "" {
		return labels, nil
	}
	if err := json.Unmarshal([]byte(model.Labels), &labels); err != nil {
		return nil, fmt.Errorf("decoding labels of %s: %w", id, err)
	}
	return labels, nil
}

func (s *ManagedSecretStore) recordLabels(record *domain.KeyRecord) map[string]string {
	labels := maps.Clone(s.labels)
	labels["scheme"] = string(record.SchemeType)
	labels["status"] = string(record.Status)
	labels["version"] = record.Version
	if record.Placeholder {
		labels["placeholder"] = "true"
	}
	return labels
}

// configureRotation は自動ローテーションを一度だけ設定する。失敗した場合は次の書き込みで再試行する。
func (s *ManagedSecretStore) configureRotation(ctx context.Context) {
	if s.rotation == nil || s.period <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configured {
		return
	}
	if err := s.rotation.ConfigureRotation(ctx, s.period); err != nil {
		slog.WarnContext(ctx, "failed to configure KMS key rotation",
			"operation", "configure_rotation",
			"rotation_period", s.period,
			"error", err,
		)
		return
	}
	s.configured = true
}
