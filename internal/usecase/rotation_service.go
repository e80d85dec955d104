package usecase

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"fhe-engine/internal/domain"
	"fhe-engine/internal/engine"
)

const placeholderKeySize = 32

// KeyEngine は鍵ローテーションが駆動する暗号エンジンのインターフェース。
type KeyEngine interface {
	Initialize(ctx context.Context, opts engine.InitOptions) error
	GenerateKeys(ctx context.Context) error
	SerializeKeys(opts engine.SerializeOptions) (*engine.SerializedKeys, error)
	LoadKeys(keys *engine.SerializedKeys) error
	HasKeys() bool
	Scheme() domain.SchemeKind
}

// KeyStore は鍵レコードの永続化のインターフェース。
// Get は存在しない場合 domain.ErrKeyNotFound を返す。
type KeyStore interface {
	Get(ctx context.Context, id string) (*domain.KeyRecord, error)
	Put(ctx context.Context, record *domain.KeyRecord) error
	List(ctx context.Context, prefix string) ([]*domain.KeyRecord, error)
	Delete(ctx context.Context, id string) error
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}

// KeyWrapper は秘密鍵の暗号化/復号のインターフェース。
type KeyWrapper interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// Scheduler は鍵IDごとに高々1つのタイマーを管理するインターフェース。
// 同じ鍵IDで Schedule すると既存のタイマーは取り消される。
type Scheduler interface {
	Schedule(keyID string, fireAt time.Time, fn func())
	Cancel(keyID string)
	Stop()
}

// RotationConfig は鍵ローテーションの設定。
type RotationConfig struct {
	RotationPeriod time.Duration
	RetryInterval  time.Duration
	KeyPrefix      string
	Compression    domain.Compression
	// AllowDegraded が true の場合、エンジンを初期化できなくてもダミー鍵で動作を続ける。
	AllowDegraded bool
	Engine        engine.InitOptions
}

// RotationOverrides は Initialize 時に設定の一部を上書きする。
type RotationOverrides struct {
	RotationPeriod time.Duration
	KeyPrefix      string
}

// RotationOption は RotationService の生成オプション。
type RotationOption func(*RotationService)

// WithClock は現在時刻の取得元を差し替える。
func WithClock(now func() time.Time) RotationOption {
	return func(s *RotationService) {
		s.now = now
	}
}

// RotationService は有効な鍵を1つだけ保持し、期限に合わせて鍵を入れ替える。
type RotationService struct {
	engine    KeyEngine
	store     KeyStore
	wrapper   KeyWrapper
	scheduler Scheduler
	now       func() time.Time
	tracer    trace.Tracer
	counter   metric.Int64Counter

	mu          sync.Mutex
	cfg         RotationConfig
	initialized bool
	degraded    bool
	disposed    bool
	active      *domain.KeyRecord
	states      map[string]domain.KeyState
}

// NewRotationService は新しいRotationServiceを生成する。
func NewRotationService(e KeyEngine, store KeyStore, wrapper KeyWrapper, scheduler Scheduler, cfg RotationConfig, opts ...RotationOption) *RotationService {
	if cfg.RotationPeriod <= 0 {
		cfg.RotationPeriod = 7 * 24 * time.Hour
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "fhe_key_"
	}
	if cfg.Compression == "" {
		cfg.Compression = domain.CompressionNone
	}
	s := &RotationService{
		engine:    e,
		store:     store,
		wrapper:   wrapper,
		scheduler: scheduler,
		now:       time.Now,
		tracer:    otel.Tracer(instrumentationName),
		counter:   newOperationCounter(),
		cfg:       cfg,
		states:    make(map[string]domain.KeyState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize はエンジンを起動し、保存済みの鍵を読み込む。有効な鍵が無ければ直ちにローテーションする。
// 2回目以降の呼び出しは何もしない。
func (s *RotationService) Initialize(ctx context.Context, overrides *RotationOverrides) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return domain.ErrNotInitialized
	}
	if s.initialized {
		return nil
	}
	if overrides != nil {
		if overrides.RotationPeriod > 0 {
			s.cfg.RotationPeriod = overrides.RotationPeriod
		}
		if overrides.KeyPrefix != "" {
			s.cfg.KeyPrefix = overrides.KeyPrefix
		}
	}

	ctx, span := s.tracer.Start(ctx, "fhe.rotation.initialize")
	defer span.End()

	if err := s.engine.Initialize(ctx, s.cfg.Engine); err != nil && !errors.Is(err, domain.ErrAlreadyInitialized) {
		if !s.cfg.AllowDegraded {
			span.RecordError(err)
			return fmt.Errorf("initializing encryption engine: %w", err)
		}
		s.degraded = true
		slog.WarnContext(ctx, "encryption engine unavailable, continuing with placeholder key material",
			"operation", "initialize_rotation",
			"error", err,
		)
	}

	if err := s.loadKeys(ctx); err != nil {
		slog.WarnContext(ctx, "failed to load stored keys, a new key will be generated",
			"operation", "initialize_rotation",
			"key_prefix", s.cfg.KeyPrefix,
			"error", err,
		)
	}

	if s.active == nil {
		if _, err := s.rotateKeys(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	s.initialized = true
	return nil
}

// RotateKeys は新しい鍵を生成して保存し、有効な鍵として切り替える。
// 失敗した場合は以前の鍵が有効なまま残る。
func (s *RotationService) RotateKeys(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return "", fmt.Errorf("%w: %w", domain.ErrKeyRotationFailed, domain.ErrNotInitialized)
	}
	return s.rotateKeys(ctx)
}

func (s *RotationService) rotateKeys(ctx context.Context) (id string, err error) {
	ctx, span := s.tracer.Start(ctx, "fhe.rotation.rotate")
	defer span.End()

	scheme := s.schemeKind()
	defer func() {
		recordOperation(ctx, s.counter, "rotate_keys", string(scheme), err == nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	now := s.now()
	record := &domain.KeyRecord{
		ID:         s.cfg.KeyPrefix + uuid.NewString(),
		SchemeType: scheme,
		Created:    now,
		Expires:    now.Add(s.cfg.RotationPeriod),
		Version:    domain.KeyRecordVersion,
		Status:     domain.KeyStatusActive,
	}
	span.SetAttributes(attribute.String("fhe.key_id", record.ID))

	var previous *engine.SerializedKeys
	if s.degraded {
		err = s.fillPlaceholder(ctx, record)
	} else {
		previous, err = s.fillGenerated(ctx, record)
	}
	if err == nil {
		err = s.store.Put(ctx, record)
	}
	if err != nil {
		s.restoreKeys(ctx, previous)
		s.scheduleRetry(ctx)
		slog.ErrorContext(ctx, "failed to rotate keys",
			"operation", "rotate_keys",
			"key_id", record.ID,
			"active_key_id", s.activeID(),
			"error", err,
		)
		return "", fmt.Errorf("%w: %w", domain.ErrKeyRotationFailed, err)
	}
	s.states[record.ID] = domain.KeyStateGenerated

	if prev := s.active; prev != nil {
		s.retire(ctx, prev)
	}
	s.activate(ctx, record)

	slog.InfoContext(ctx, "rotated keys",
		"key_id", record.ID,
		"scheme", record.SchemeType,
		"expires_at", record.Expires,
		"placeholder", record.Placeholder,
	)
	return record.ID, nil
}

// fillGenerated はエンジンで鍵を生成し、レコードに詰める。
// 生成前に保持していた鍵を、失敗時の復元用に返す。
func (s *RotationService) fillGenerated(ctx context.Context, record *domain.KeyRecord) (*engine.SerializedKeys, error) {
	var previous *engine.SerializedKeys
	if s.engine.HasKeys() {
		keys, err := s.engine.SerializeKeys(engine.SerializeOptions{Compression: domain.CompressionNone})
		if err != nil {
			return nil, fmt.Errorf("snapshotting current keys: %w", err)
		}
		previous = keys
	}

	if err := s.engine.GenerateKeys(ctx); err != nil {
		return previous, err
	}
	keys, err := s.engine.SerializeKeys(engine.SerializeOptions{Compression: s.cfg.Compression})
	if err != nil {
		return previous, fmt.Errorf("serializing keys: %w", err)
	}
	wrapped, err := s.wrapper.Encrypt(ctx, keys.SecretKey)
	if err != nil {
		return previous, fmt.Errorf("wrapping secret key: %w", err)
	}

	record.SchemeType = keys.Scheme
	record.PublicKey = keys.PublicKey
	record.PrivateKeyEncrypted = wrapped
	record.RelinKeys = keys.RelinKeys
	record.GaloisKeys = keys.GaloisKeys
	record.Compression = keys.Compression
	return previous, nil
}

// fillPlaceholder はエンジン不在時のダミー鍵をレコードに詰める。
func (s *RotationService) fillPlaceholder(ctx context.Context, record *domain.KeyRecord) error {
	public := make([]byte, placeholderKeySize)
	secret := make([]byte, placeholderKeySize)
	if _, err := rand.Read(public); err != nil {
		return fmt.Errorf("generating placeholder key: %w", err)
	}
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating placeholder key: %w", err)
	}
	wrapped, err := s.wrapper.Encrypt(ctx, secret)
	if err != nil {
		return fmt.Errorf("wrapping placeholder key: %w", err)
	}

	record.PublicKey = public
	record.PrivateKeyEncrypted = wrapped
	record.Compression = domain.CompressionNone
	record.Placeholder = true
	return nil
}

// restoreKeys はローテーション失敗時に以前の鍵をエンジンへ戻す。
func (s *RotationService) restoreKeys(ctx context.Context, previous *engine.SerializedKeys) {
	if previous == nil {
		return
	}
	if err := s.engine.LoadKeys(previous); err != nil {
		slog.ErrorContext(ctx, "failed to restore previous keys",
			"operation", "rotate_keys",
			"active_key_id", s.activeID(),
			"error", err,
		)
	}
}

// scheduleRetry は有効な鍵のタイマーを再試行間隔後に張り直す。
// 有効な鍵がまだ期限前なら、期限のタイマーをそのまま残す。
// 有効な鍵が無い場合は鍵IDの代わりにプレフィックスで登録する。
func (s *RotationService) scheduleRetry(ctx context.Context) {
	if s.disposed {
		return
	}
	now := s.now()
	id := s.cfg.KeyPrefix
	if s.active != nil {
		id = s.active.ID
		if now.Before(s.active.Expires) {
			slog.DebugContext(ctx, "keeping expiry timer of active key",
				"key_id", id,
				"expires_at", s.active.Expires,
			)
			return
		}
	}
	fireAt := now.Add(s.cfg.RetryInterval)
	s.scheduler.Schedule(id, fireAt, func() { s.handleTimer(id) })
	slog.InfoContext(ctx, "scheduled key rotation retry",
		"key_id", id,
		"fire_at", fireAt,
	)
}

func (s *RotationService) activate(ctx context.Context, record *domain.KeyRecord) {
	s.scheduler.Cancel(s.cfg.KeyPrefix)
	s.active = record
	s.states[record.ID] = domain.KeyStateActive
	s.registerKey(ctx, record.ID, record.Expires)
}

// retire は以前の有効な鍵を退役させる。レコードは削除しない。
func (s *RotationService) retire(ctx context.Context, record *domain.KeyRecord) {
	s.scheduler.Cancel(record.ID)
	s.states[record.ID] = domain.KeyStateRetired

	retired := *record
	retired.Status = domain.KeyStatusRetired
	if err := s.store.Put(ctx, &retired); err != nil {
		slog.WarnContext(ctx, "failed to mark key as retired",
			"operation", "retire_key",
			"key_id", record.ID,
			"error", err,
		)
	}
	slog.InfoContext(ctx, "retired key", "key_id", record.ID)
}

// registerKey は鍵の期限にタイマーを張る。鍵IDごとにタイマーは1つだけ。
func (s *RotationService) registerKey(ctx context.Context, keyID string, expires time.Time) {
	s.scheduler.Schedule(keyID, expires, func() { s.handleTimer(keyID) })
	s.states[keyID] = domain.KeyStateScheduled
	slog.DebugContext(ctx, "scheduled key rotation",
		"key_id", keyID,
		"expires_at", expires,
	)
}

// handleTimer はスケジューラから呼ばれ、対象が現在の有効な鍵であればローテーションする。
func (s *RotationService) handleTimer(keyID string) {
	ctx := context.Background()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return
	}
	if s.active != nil && s.active.ID != keyID {
		slog.DebugContext(ctx, "ignoring timer for superseded key", "key_id", keyID)
		return
	}
	if s.active != nil {
		s.states[keyID] = domain.KeyStateExpired
	}
	// 失敗時は rotateKeys が再試行を登録する
	_, _ = s.rotateKeys(ctx)
}

// CheckExpiry は有効な鍵が期限切れであればローテーションする。ローテーションした場合 true を返す。
func (s *RotationService) CheckExpiry(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return false, domain.ErrNotInitialized
	}
	if s.active != nil && !s.active.IsExpired(s.now()) {
		return false, nil
	}
	if s.active != nil {
		s.states[s.active.ID] = domain.KeyStateExpired
	}
	if _, err := s.rotateKeys(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// loadKeys は保存済みのレコードを列挙し、期限切れを削除して最新のものを有効にする。
func (s *RotationService) loadKeys(ctx context.Context) (err error) {
	ctx, span := s.tracer.Start(ctx, "fhe.rotation.load")
	defer span.End()
	defer func() {
		recordOperation(ctx, s.counter, "load_keys", string(s.schemeKind()), err == nil)
		if err != nil {
			span.RecordError(err)
		}
	}()

	records, err := s.store.List(ctx, s.cfg.KeyPrefix)
	if err != nil {
		return fmt.Errorf("listing key records: %w", err)
	}

	now := s.now()
	var valid []*domain.KeyRecord
	for _, r := range records {
		if r.Validate() == nil && !r.IsExpired(now) {
			valid = append(valid, r)
			continue
		}
		s.purge(ctx, r)
	}
	if len(valid) == 0 {
		return nil
	}

	sort.Slice(valid, func(i, j int) bool {
		return valid[i].Created.After(valid[j].Created)
	})
	for _, r := range valid {
		if r.Status == domain.KeyStatusRetired {
			s.states[r.ID] = domain.KeyStateRetired
		}
	}

	newest := valid[0]
	if newest.Placeholder && !s.degraded {
		// エンジンが使えるのでダミー鍵は引き継がず、呼び出し側で新しい鍵を生成させる
		slog.InfoContext(ctx, "stored key is a placeholder, a real key will be generated",
			"key_id", newest.ID,
		)
		s.retire(ctx, newest)
		return nil
	}
	if !s.degraded {
		if err := s.installRecord(ctx, newest); err != nil {
			return err
		}
	}

	for _, r := range valid[1:] {
		if r.Status != domain.KeyStatusRetired {
			s.retire(ctx, r)
		}
	}
	s.activate(ctx, newest)
	slog.InfoContext(ctx, "loaded active key",
		"key_id", newest.ID,
		"scheme", newest.SchemeType,
		"expires_at", newest.Expires,
	)
	return nil
}

// installRecord はレコードの鍵をエンジンに読み込む。
func (s *RotationService) installRecord(ctx context.Context, record *domain.KeyRecord) error {
	secret, err := s.wrapper.Decrypt(ctx, record.PrivateKeyEncrypted)
	if err != nil {
		return fmt.Errorf("unwrapping secret key of %s: %w", record.ID, err)
	}
	keys := &engine.SerializedKeys{
		Scheme:      record.SchemeType,
		Compression: record.Compression,
		PublicKey:   record.PublicKey,
		SecretKey:   secret,
		RelinKeys:   record.RelinKeys,
		GaloisKeys:  record.GaloisKeys,
	}
	if err := s.engine.LoadKeys(keys); err != nil {
		return fmt.Errorf("loading keys of %s: %w", record.ID, err)
	}
	return nil
}

func (s *RotationService) purge(ctx context.Context, record *domain.KeyRecord) {
	s.scheduler.Cancel(record.ID)
	s.states[record.ID] = domain.KeyStateExpired
	if err := s.store.Delete(ctx, record.ID); err != nil && !errors.Is(err, domain.ErrKeyNotFound) {
		slog.WarnContext(ctx, "failed to purge expired key",
			"operation", "purge_key",
			"key_id", record.ID,
			"error", err,
		)
		return
	}
	slog.InfoContext(ctx, "purged expired key",
		"key_id", record.ID,
		"expires_at", record.Expires,
	)
}

// PurgeExpired は期限切れのレコードを削除し、削除した件数を返す。
func (s *RotationService) PurgeExpired(ctx context.Context) (int, error) {
	return s.purgeWhere(ctx, func(r *domain.KeyRecord, now time.Time) bool {
		return r.IsExpired(now)
	})
}

// PurgeRetired は有効な鍵以外のレコードをすべて削除し、削除した件数を返す。
func (s *RotationService) PurgeRetired(ctx context.Context) (int, error) {
	return s.purgeWhere(ctx, func(r *domain.KeyRecord, now time.Time) bool {
		return true
	})
}

func (s *RotationService) purgeWhere(ctx context.Context, match func(*domain.KeyRecord, time.Time) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.store.List(ctx, s.cfg.KeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("listing key records: %w", err)
	}
	now := s.now()
	count := 0
	for _, r := range records {
		if s.active != nil && r.ID == s.active.ID {
			continue
		}
		if !match(r, now) {
			continue
		}
		if err := s.store.Delete(ctx, r.ID); err != nil {
			return count, fmt.Errorf("deleting key record %s: %w", r.ID, err)
		}
		s.scheduler.Cancel(r.ID)
		delete(s.states, r.ID)
		count++
	}
	return count, nil
}

// GetActiveKeyID は有効な鍵のIDを返す。最初のローテーション前は空文字。
func (s *RotationService) GetActiveKeyID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID()
}

func (s *RotationService) activeID() string {
	if s.active == nil {
		return ""
	}
	return s.active.ID
}

// ActiveRecord は有効な鍵レコードの複製を返す。
func (s *RotationService) ActiveRecord() (*domain.KeyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, false
	}
	r := *s.active
	return &r, true
}

// Records は保存済みの鍵レコードを返す。
func (s *RotationService) Records(ctx context.Context) ([]*domain.KeyRecord, error) {
	s.mu.Lock()
	prefix := s.cfg.KeyPrefix
	s.mu.Unlock()
	return s.store.List(ctx, prefix)
}

// KeyState は鍵のライフサイクル状態を返す。
func (s *RotationService) KeyState(keyID string) (domain.KeyState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[keyID]
	return state, ok
}

// Degraded はダミー鍵で動作しているかどうかを返す。
func (s *RotationService) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Config は現在の設定を返す。
func (s *RotationService) Config() RotationConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Dispose はすべてのタイマーを止める。保存済みの鍵は削除しない。
func (s *RotationService) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	// コールバックは mu を取るので、ロックを解放してから止める
	s.scheduler.Stop()
}

// schemeKind は現在の方式を返す。エンジン不在時は設定から推定する。
func (s *RotationService) schemeKind() domain.SchemeKind {
	if kind := s.engine.Scheme(); kind != "" {
		return kind
	}
	if p := s.cfg.Engine.Parameters; p != nil {
		return p.Kind
	}
	mode := s.cfg.Engine.Mode
	if mode == "" {
		mode = domain.ModeStandard
	}
	if profile, err := mode.Profile(); err == nil {
		return profile.Scheme
	}
	return domain.SchemeCKKS
}
