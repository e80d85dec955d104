package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"fhe-engine/internal/domain"
)

// InitOptions は Service の初期化オプション。
// Parameters が指定されていればそれを使い、無ければ Mode からオプティマイザが選ぶ。
type InitOptions struct {
	Mode          domain.Mode
	Parameters    *domain.SchemeParameters
	Operations    []domain.Operation
	SecurityLevel domain.SecurityLevel
}

// ServiceOption は Service の生成オプション。
type ServiceOption func(*Service)

// WithLibraryLoaders は Context が使うローダー列を差し替える。
func WithLibraryLoaders(loaders ...LibraryLoader) ServiceOption {
	return func(s *Service) {
		s.loaders = loaders
	}
}

// WithOptimizer はモード指定時に使うオプティマイザを差し替える。
func WithOptimizer(o *Optimizer) ServiceOption {
	return func(s *Service) {
		s.optimizer = o
	}
}

// keySet は同じ Context から生成した鍵一式。
type keySet struct {
	secret *keyHandle[*rlwe.SecretKey]
	public *keyHandle[*rlwe.PublicKey]
	relin  *keyHandle[*rlwe.RelinearizationKey]
	galois *keyHandle[[]*rlwe.GaloisKey]
}

// Service は鍵マテリアルと符号化・暗号化・評価のハンドルを所有する。
// 1つの Service が同時に保持する鍵一式は高々1つ。
type Service struct {
	loaders   []LibraryLoader
	optimizer *Optimizer

	mu        sync.Mutex
	ctx       *Context
	params    *ParameterSet
	evaluator *Evaluator
	ckksEnc   *ckks.Encoder
	batchEnc  *bgv.Encoder
	keys      *keySet
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor
	owned     *Scope
	disposed  bool
}

// NewService は未初期化の Service を生成する。
func NewService(opts ...ServiceOption) *Service {
	s := &Service{
		loaders:   DefaultLoaders(),
		optimizer: NewOptimizer(),
		owned:     NewScope("service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize は Context を構築し、方式に応じたエンコーダと評価器を用意する。
// 成功後の2回目の呼び出しは ErrAlreadyInitialized を返す。
func (s *Service) Initialize(ctx context.Context, opts InitOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil || s.disposed {
		return domain.ErrAlreadyInitialized
	}

	spec, err := s.resolveParameters(opts)
	if err != nil {
		return err
	}

	c := NewContext(spec, WithLoaders(s.loaders...))
	if err := c.Initialize(ctx); err != nil {
		return err
	}
	params, err := c.ParameterSet()
	if err != nil {
		return err
	}

	err = guard("create_encoder", func() error {
		switch params.Scheme() {
		case domain.SchemeCKKS:
			s.ckksEnc = ckks.NewEncoder(params.ckks)
		default:
			// BFV と BGV は同じバッチ符号化を使う
			s.batchEnc = bgv.NewEncoder(params.bgv)
		}
		return nil
	})
	if err != nil {
		c.Dispose()
		return fmt.Errorf("%w: %w", domain.ErrInvalidParameters, err)
	}

	s.ctx = c
	s.params = params
	s.evaluator = newEvaluator(c, params, nil, nil)

	slog.InfoContext(ctx, "encryption service initialized",
		"scheme", spec.Kind,
		"mode", opts.Mode,
		"slots", params.Slots(),
	)
	return nil
}

func (s *Service) resolveParameters(opts InitOptions) (domain.SchemeParameters, error) {
	if opts.Parameters != nil {
		return *opts.Parameters, nil
	}
	mode := opts.Mode
	if mode == "" {
		mode = domain.ModeStandard
	}
	profile, err := mode.Profile()
	if err != nil {
		return domain.SchemeParameters{}, err
	}
	ops := opts.Operations
	if len(ops) == 0 {
		ops = profile.Operations
	}
	level := opts.SecurityLevel
	if level == 0 {
		level = domain.Security128
	}
	rec, err := s.optimizer.Recommend(profile.Scheme, ops, level)
	if err != nil {
		return domain.SchemeParameters{}, err
	}
	return rec.Parameters, nil
}

// GenerateKeys は既存の鍵一式を解放し、秘密鍵・公開鍵・再線形化鍵・ガロア鍵を生成する。
// 失敗した場合 Service は鍵を持たない状態になる。
func (s *Service) GenerateKeys(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkInitialized(); err != nil {
		return err
	}
	s.releaseKeys()

	var (
		sk  *rlwe.SecretKey
		pk  *rlwe.PublicKey
		rlk *rlwe.RelinearizationKey
		gks []*rlwe.GaloisKey
	)
	err := guard("generate_keys", func() error {
		kgen := rlwe.NewKeyGenerator(s.params.provider())
		sk = kgen.GenSecretKeyNew()
		pk = kgen.GenPublicKeyNew(sk)
		rlk = kgen.GenRelinearizationKeyNew(sk)
		gks = kgen.GenGaloisKeysNew(s.params.GaloisElements(), sk)
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to generate keys",
			"operation", "generate_keys",
			"scheme", s.params.Scheme(),
			"error", err,
		)
		return fmt.Errorf("%w: %w", domain.ErrKeyGenerationFailed, err)
	}

	if err := s.installKeys(sk, pk, rlk, gks); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrKeyGenerationFailed, err)
	}
	slog.DebugContext(ctx, "generated key set",
		"scheme", s.params.Scheme(),
		"galois_keys", len(gks),
	)
	return nil
}

// installKeys は鍵一式を登録し、暗号化器・復号器・評価器を組み直す。
func (s *Service) installKeys(sk *rlwe.SecretKey, pk *rlwe.PublicKey, rlk *rlwe.RelinearizationKey, gks []*rlwe.GaloisKey) error {
	var (
		enc *rlwe.Encryptor
		dec *rlwe.Decryptor
		ev  *Evaluator
	)
	err := guard("install_keys", func() error {
		enc = rlwe.NewEncryptor(s.params.provider(), pk)
		dec = rlwe.NewDecryptor(s.params.provider(), sk)
		ev = newEvaluator(s.ctx, s.params, rlk, gks)
		return nil
	})
	if err != nil {
		return err
	}

	keys := &keySet{
		secret: Track(s.owned, newKeyHandle(s.ctx, sk), "secret_key"),
		public: Track(s.owned, newKeyHandle(s.ctx, pk), "public_key"),
	}
	if rlk != nil {
		keys.relin = Track(s.owned, newKeyHandle(s.ctx, rlk), "relinearization_key")
	}
	if len(gks) > 0 {
		keys.galois = Track(s.owned, newKeyHandle(s.ctx, gks), "galois_keys")
	}

	s.keys = keys
	s.encryptor = enc
	s.decryptor = dec
	s.evaluator = ev
	return nil
}

// releaseKeys は鍵一式と鍵に依存するハンドルを解放する。
func (s *Service) releaseKeys() {
	s.owned.ReleaseAll()
	s.keys = nil
	s.encryptor = nil
	s.decryptor = nil
	if s.params != nil {
		s.evaluator = newEvaluator(s.ctx, s.params, nil, nil)
	}
}

// HasKeys は秘密鍵と公開鍵が揃っている場合に true を返す。
func (s *Service) HasKeys() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasKeys()
}

func (s *Service) hasKeys() bool {
	return s.keys != nil && s.keys.secret != nil && s.keys.public != nil &&
		!s.keys.secret.Released() && !s.keys.public.Released()
}

// Encrypt は既定スケールで values を符号化して暗号化する。
func (s *Service) Encrypt(values []float64) (*Ciphertext, error) {
	return s.EncryptWithScale(values, 0)
}

// EncryptWithScale は values を符号化して暗号化する。scale は CKKS のみ有効で、0 なら既定値を使う。
// 返すハンドルはどのスコープにも属さず、呼び出し側が所有する。
func (s *Service) EncryptWithScale(values []float64, scale float64) (*Ciphertext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkKeys(); err != nil {
		return nil, err
	}
	if scale < 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return nil, fmt.Errorf("%w: invalid scale %v", domain.ErrInvalidArgument, scale)
	}

	var ptScale *rlwe.Scale
	if scale > 0 && s.params.Scheme() == domain.SchemeCKKS {
		sc := rlwe.NewScale(scale)
		ptScale = &sc
	}
	pt, err := s.encode(values, s.params.MaxLevel(), ptScale)
	if err != nil {
		return nil, err
	}

	var ct *rlwe.Ciphertext
	if err := guard("encrypt", func() (err error) {
		ct, err = s.encryptor.EncryptNew(pt)
		return err
	}); err != nil {
		return nil, err
	}
	return newCiphertext(s.ctx, ct, len(values)), nil
}

// Decrypt は暗号文を復号し、暗号化時と同じ数の値を返す。
// BFV/BGV では整数値を float64 で返す。
func (s *Service) Decrypt(ct *Ciphertext) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkKeys(); err != nil {
		return nil, err
	}
	if ct == nil || ct.owner != s.ctx {
		return nil, fmt.Errorf("%w: ciphertext belongs to a different context", domain.ErrInvalidArgument)
	}
	raw, err := ct.get()
	if err != nil {
		return nil, err
	}

	slots := s.params.Slots()
	out := make([]float64, slots)
	err = guard("decrypt", func() error {
		pt := s.decryptor.DecryptNew(raw)
		if s.params.Scheme() == domain.SchemeCKKS {
			return s.ckksEnc.Decode(pt, out)
		}
		ints := make([]int64, slots)
		if err := s.batchEnc.Decode(pt, ints); err != nil {
			return err
		}
		for i, v := range ints {
			out[i] = float64(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out[:min(ct.length, slots)], nil
}

// Encode は like と同じレベル・スケールで values を符号化する。暗号文への加減算に使う。
func (s *Service) Encode(values []float64, like *Ciphertext) (*Plaintext, error) {
	return s.encodeLike(values, like, true)
}

// EncodeMultiplier は like と同じレベル、既定スケールで values を符号化する。暗号文との乗算に使う。
func (s *Service) EncodeMultiplier(values []float64, like *Ciphertext) (*Plaintext, error) {
	return s.encodeLike(values, like, false)
}

func (s *Service) encodeLike(values []float64, like *Ciphertext, matchScale bool) (*Plaintext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkInitialized(); err != nil {
		return nil, err
	}
	if like == nil || like.owner != s.ctx {
		return nil, fmt.Errorf("%w: ciphertext belongs to a different context", domain.ErrInvalidArgument)
	}
	raw, err := like.get()
	if err != nil {
		return nil, err
	}
	var scale *rlwe.Scale
	if matchScale {
		sc := raw.Scale
		scale = &sc
	}
	pt, err := s.encode(values, raw.Level(), scale)
	if err != nil {
		return nil, err
	}
	return newPlaintext(s.ctx, pt, len(values)), nil
}

// encode は方式に応じたエンコーダで values をスロットに詰める。
func (s *Service) encode(values []float64, level int, scale *rlwe.Scale) (*rlwe.Plaintext, error) {
	slots := s.params.Slots()
	if len(values) == 0 || len(values) > slots {
		return nil, fmt.Errorf("%w: %d values for %d slots", domain.ErrInvalidArgument, len(values), slots)
	}

	var ints []int64
	if s.params.Scheme().IsExact() {
		// 平文法 t を法とした中心化表現 [-(t-1)/2, (t-1)/2] に収まる整数だけを受け付ける
		bound := float64((s.params.PlaintextModulus() - 1) / 2)
		ints = make([]int64, slots)
		for i, v := range values {
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("%w: value %v at index %d is not an integer", domain.ErrInvalidArgument, v, i)
			}
			if math.Abs(v) > bound {
				return nil, fmt.Errorf("%w: value %v at index %d is outside the plaintext range ±%v", domain.ErrInvalidArgument, v, i, bound)
			}
			ints[i] = int64(v)
		}
	}

	var pt *rlwe.Plaintext
	err := guard("encode", func() error {
		pt = s.params.newPlaintext(level)
		if scale != nil {
			pt.Scale = *scale
		}
		if s.params.Scheme() == domain.SchemeCKKS {
			buf := make([]float64, slots)
			copy(buf, values)
			return s.ckksEnc.Encode(buf, pt)
		}
		return s.batchEnc.Encode(ints, pt)
	})
	if err != nil {
		return nil, err
	}
	return pt, nil
}

// Detach はスコープで追跡中の暗号文を、追跡外の新しいハンドルに複製する。
func (s *Service) Detach(ct *Ciphertext) (*Ciphertext, error) {
	if ct == nil {
		return nil, fmt.Errorf("%w: nil ciphertext", domain.ErrInvalidArgument)
	}
	return ct.Copy()
}

// SerializeKeys は鍵一式を指定の圧縮方式でシリアライズする。
func (s *Service) SerializeKeys(opts SerializeOptions) (*SerializedKeys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkKeys(); err != nil {
		return nil, err
	}

	sk, err := s.keys.secret.get()
	if err != nil {
		return nil, err
	}
	pk, err := s.keys.public.get()
	if err != nil {
		return nil, err
	}

	out := &SerializedKeys{
		Scheme:      s.params.Scheme(),
		Compression: opts.Compression,
	}
	if out.Compression == "" {
		out.Compression = domain.CompressionNone
	}
	if out.SecretKey, err = marshalCompressed(out.Compression, sk); err != nil {
		return nil, fmt.Errorf("serializing secret key: %w", err)
	}
	if out.PublicKey, err = marshalCompressed(out.Compression, pk); err != nil {
		return nil, fmt.Errorf("serializing public key: %w", err)
	}
	if s.keys.relin != nil {
		rlk, err := s.keys.relin.get()
		if err != nil {
			return nil, err
		}
		if out.RelinKeys, err = marshalCompressed(out.Compression, rlk); err != nil {
			return nil, fmt.Errorf("serializing relinearization key: %w", err)
		}
	}
	if s.keys.galois != nil {
		gks, err := s.keys.galois.get()
		if err != nil {
			return nil, err
		}
		data, err := marshalGaloisKeys(gks)
		if err != nil {
			return nil, err
		}
		if out.GaloisKeys, err = compress(out.Compression, data); err != nil {
			return nil, fmt.Errorf("serializing galois keys: %w", err)
		}
	}
	return out, nil
}

// LoadKeys は既存の鍵一式を解放してから、シリアライズ済みの鍵を復元する。
// 再線形化鍵とガロア鍵は任意で、無い場合は乗算・回転が ErrMissingEvaluationKeys で失敗する。
func (s *Service) LoadKeys(keys *SerializedKeys) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkInitialized(); err != nil {
		return err
	}
	if keys == nil || len(keys.SecretKey) == 0 || len(keys.PublicKey) == 0 {
		return fmt.Errorf("%w: secret and public keys are required", domain.ErrInvalidArgument)
	}
	if keys.Scheme != "" && keys.Scheme != s.params.Scheme() {
		return fmt.Errorf("%w: keys for %s cannot be loaded into %s", domain.ErrSchemeMismatch, keys.Scheme, s.params.Scheme())
	}
	s.releaseKeys()

	sk := new(rlwe.SecretKey)
	if err := unmarshalCompressed(keys.Compression, keys.SecretKey, sk); err != nil {
		return fmt.Errorf("%w: secret key: %w", domain.ErrInvalidArgument, err)
	}
	pk := new(rlwe.PublicKey)
	if err := unmarshalCompressed(keys.Compression, keys.PublicKey, pk); err != nil {
		return fmt.Errorf("%w: public key: %w", domain.ErrInvalidArgument, err)
	}
	var rlk *rlwe.RelinearizationKey
	if len(keys.RelinKeys) > 0 {
		rlk = new(rlwe.RelinearizationKey)
		if err := unmarshalCompressed(keys.Compression, keys.RelinKeys, rlk); err != nil {
			return fmt.Errorf("%w: relinearization key: %w", domain.ErrInvalidArgument, err)
		}
	}
	var gks []*rlwe.GaloisKey
	if len(keys.GaloisKeys) > 0 {
		data, err := decompress(keys.Compression, keys.GaloisKeys)
		if err != nil {
			return fmt.Errorf("%w: galois keys: %w", domain.ErrInvalidArgument, err)
		}
		if gks, err = unmarshalGaloisKeys(data); err != nil {
			return fmt.Errorf("%w: galois keys: %w", domain.ErrInvalidArgument, err)
		}
	}

	return s.installKeys(sk, pk, rlk, gks)
}

type binaryUnmarshaler interface {
	UnmarshalBinary(data []byte) error
}

func unmarshalCompressed(c domain.Compression, data []byte, into binaryUnmarshaler) error {
	raw, err := decompress(c, data)
	if err != nil {
		return err
	}
	return guard("unmarshal", func() error {
		return into.UnmarshalBinary(raw)
	})
}

// Evaluator は評価器を返す。鍵の入れ替え後は新しい評価器になる。
func (s *Service) Evaluator() (*Evaluator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInitialized(); err != nil {
		return nil, err
	}
	return s.evaluator, nil
}

// RelinearizationKey は再線形化鍵を返す。
func (s *Service) RelinearizationKey() (*rlwe.RelinearizationKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkKeys(); err != nil {
		return nil, err
	}
	if s.keys.relin == nil {
		return nil, fmt.Errorf("%w: relinearization key not loaded", domain.ErrMissingEvaluationKeys)
	}
	return s.keys.relin.get()
}

// GaloisKeys はガロア鍵を返す。
func (s *Service) GaloisKeys() ([]*rlwe.GaloisKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkKeys(); err != nil {
		return nil, err
	}
	if s.keys.galois == nil {
		return nil, fmt.Errorf("%w: galois keys not loaded", domain.ErrMissingEvaluationKeys)
	}
	return s.keys.galois.get()
}

// CKKSEncoder はCKKSエンコーダを返す。BFV/BGV では ErrSchemeMismatch。
func (s *Service) CKKSEncoder() (*ckks.Encoder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInitialized(); err != nil {
		return nil, err
	}
	if s.ckksEnc == nil {
		return nil, fmt.Errorf("%w: CKKS encoder requested for %s", domain.ErrSchemeMismatch, s.params.Scheme())
	}
	return s.ckksEnc, nil
}

// BatchEncoder はBFV/BGVのバッチエンコーダを返す。CKKS では ErrSchemeMismatch。
func (s *Service) BatchEncoder() (*bgv.Encoder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkInitialized(); err != nil {
		return nil, err
	}
	if s.batchEnc == nil {
		return nil, fmt.Errorf("%w: batch encoder requested for %s", domain.ErrSchemeMismatch, s.params.Scheme())
	}
	return s.batchEnc, nil
}

// Scheme は方式種別を返す。未初期化の場合は空文字。
func (s *Service) Scheme() domain.SchemeKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		return ""
	}
	return s.params.Scheme()
}

// Slots は暗号文1つあたりのスロット数を返す。未初期化の場合は 0。
func (s *Service) Slots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		return 0
	}
	return s.params.Slots()
}

// RowSize は回転が巡回するスロット数を返す。未初期化の場合は 0。
func (s *Service) RowSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		return 0
	}
	return s.params.RowSize()
}

// Context は基盤の Context を返す。未初期化の場合は nil。
func (s *Service) Context() *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// IsOperationSupported は現在の方式が演算に対応しているかを返す。
func (s *Service) IsOperationSupported(op domain.Operation) bool {
	return domain.IsOperationSupported(s.Scheme(), op)
}

// Dispose は鍵・コーデック・評価器を解放し、Context を破棄する。
func (s *Service) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.owned.ReleaseAll()
	s.keys = nil
	s.encryptor = nil
	s.decryptor = nil
	s.evaluator = nil
	s.ckksEnc = nil
	s.batchEnc = nil
	if s.ctx != nil {
		s.ctx.Dispose()
	}
	s.ctx = nil
	s.params = nil
	s.disposed = true
}

func (s *Service) checkInitialized() error {
	if s.params == nil || s.ctx == nil || s.ctx.Disposed() {
		return domain.ErrNotInitialized
	}
	return nil
}

func (s *Service) checkKeys() error {
	if err := s.checkInitialized(); err != nil {
		return err
	}
	if !s.hasKeys() {
		return domain.ErrKeysNotGenerated
	}
	return nil
}
