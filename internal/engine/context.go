package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"fhe-engine/internal/domain"
)

// Stats はネイティブハンドルの確保・解放回数。
type Stats struct {
	Allocated int64
	Freed     int64
}

// Live は未解放のハンドル数を返す。
func (s Stats) Live() int64 {
	return s.Allocated - s.Freed
}

// ContextOption は Context の生成オプション。
type ContextOption func(*Context)

// WithLoaders はライブラリのローダー列を差し替える。
func WithLoaders(loaders ...LibraryLoader) ContextOption {
	return func(c *Context) {
		c.loaders = loaders
	}
}

// Context はネイティブライブラリと、そこから導出した暗号パラメータを所有する。
// Initialize が成功してから Dispose されるまでの間のみ利用できる。
type Context struct {
	spec    domain.SchemeParameters
	loaders []LibraryLoader
	flight  singleflight.Group

	mu       sync.RWMutex
	library  Library
	params   *ParameterSet
	disposed bool

	allocated atomic.Int64
	freed     atomic.Int64
}

// NewContext は新しい Context を生成する。
func NewContext(spec domain.SchemeParameters, opts ...ContextOption) *Context {
	c := &Context{
		spec:    spec,
		loaders: DefaultLoaders(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize はライブラリを読み込みパラメータを構築する。
// 冪等であり、完了前の並行呼び出しは同じ初期化結果を共有する。
func (c *Context) Initialize(ctx context.Context) error {
	c.mu.RLock()
	disposed, ready := c.disposed, c.params != nil
	c.mu.RUnlock()
	if disposed {
		return fmt.Errorf("%w: context disposed", domain.ErrNotInitialized)
	}
	if ready {
		return nil
	}

	_, err, _ := c.flight.Do("initialize", func() (any, error) {
		return nil, c.initialize(ctx)
	})
	return err
}

func (c *Context) initialize(ctx context.Context) error {
	c.mu.RLock()
	ready := c.params != nil
	c.mu.RUnlock()
	if ready {
		return nil
	}

	lib, err := loadLibrary(ctx, c.loaders)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load encryption library",
			"operation", "initialize_context",
			"error", err,
		)
		return err
	}

	if err := c.spec.Validate(); err != nil {
		return err
	}

	params, err := lib.NewParameterSet(c.spec)
	if err != nil {
		return fmt.Errorf("%w: parameters not accepted by %s: %v", domain.ErrInvalidParameters, lib.Name(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return fmt.Errorf("%w: context disposed during initialization", domain.ErrNotInitialized)
	}
	c.library = lib
	c.params = params

	slog.InfoContext(ctx, "encryption context initialized",
		"library", lib.Name(),
		"scheme", c.spec.Kind,
		"poly_modulus_degree", c.spec.PolyModulusDegree,
		"log_qp", params.LogQP(),
	)
	return nil
}

// Library は読み込まれたライブラリを返す。
func (c *Context) Library() (Library, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkReady(); err != nil {
		return nil, err
	}
	return c.library, nil
}

// ParameterSet はライブラリが受理したパラメータを返す。
func (c *Context) ParameterSet() (*ParameterSet, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkReady(); err != nil {
		return nil, err
	}
	return c.params, nil
}

// Parameters は初期化済みのパラメータ定義を返す。
func (c *Context) Parameters() (domain.SchemeParameters, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkReady(); err != nil {
		return domain.SchemeParameters{}, err
	}
	return c.spec, nil
}

func (c *Context) checkReady() error {
	if c.disposed {
		return fmt.Errorf("%w: context disposed", domain.ErrNotInitialized)
	}
	if c.params == nil {
		return domain.ErrNotInitialized
	}
	return nil
}

// Dispose はライブラリとパラメータを解放し、以後の利用を禁止する。複数回呼んでもよい。
func (c *Context) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed = true
	c.library = nil
	c.params = nil
}

// Disposed は Dispose 済みかどうかを返す。
func (c *Context) Disposed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disposed
}

// Stats はこの Context 上のハンドル確保・解放回数を返す。
func (c *Context) Stats() Stats {
	return Stats{
		Allocated: c.allocated.Load(),
		Freed:     c.freed.Load(),
	}
}
