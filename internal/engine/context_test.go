package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"fhe-engine/internal/domain"
)

func TestContext_AccessorsRequireInitialize(t *testing.T) {
	c := NewContext(bfvParams())

	_, err := c.Library()
	require.ErrorIs(t, err, domain.ErrNotInitialized)
	_, err = c.ParameterSet()
	require.ErrorIs(t, err, domain.ErrNotInitialized)
	_, err = c.Parameters()
	require.ErrorIs(t, err, domain.ErrNotInitialized)

	require.NoError(t, c.Initialize(context.Background()))

	lib, err := c.Library()
	require.NoError(t, err)
	require.Equal(t, "lattigo/v6", lib.Name())

	ps, err := c.ParameterSet()
	require.NoError(t, err)
	require.Equal(t, domain.SchemeBFV, ps.Scheme())
	require.Equal(t, 4096, ps.Slots())
	require.Equal(t, uint64(1), ps.PlaintextModulus()%uint64(2*4096))
}

func TestContext_ConcurrentInitializeLoadsOnce(t *testing.T) {
	var loads atomic.Int32
	counting := func(ctx context.Context) (Library, error) {
		loads.Add(1)
		return EmbeddedLoader(ctx)
	}
	c := NewContext(bfvParams(), WithLoaders(counting))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Initialize(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), loads.Load())

	// 初期化済みなら再度呼んでも読み込まない
	require.NoError(t, c.Initialize(context.Background()))
	require.Equal(t, int32(1), loads.Load())
}

func TestContext_LibraryUnavailable(t *testing.T) {
	failing := func(ctx context.Context) (Library, error) {
		return nil, errors.New("native module missing")
	}
	RegisterLibrary(nil)

	c := NewContext(bfvParams(), WithLoaders(failing, GlobalLoader))
	err := c.Initialize(context.Background())
	require.ErrorIs(t, err, domain.ErrLibraryUnavailable)

	_, err = c.ParameterSet()
	require.ErrorIs(t, err, domain.ErrNotInitialized)
}

func TestContext_FallsBackToGlobalLibrary(t *testing.T) {
	failing := func(ctx context.Context) (Library, error) {
		return nil, errors.New("native module missing")
	}
	RegisterLibrary(Lattigo())
	t.Cleanup(func() { RegisterLibrary(nil) })

	c := NewContext(bfvParams(), WithLoaders(failing, GlobalLoader))
	require.NoError(t, c.Initialize(context.Background()))
}

func TestContext_InvalidParameters(t *testing.T) {
	tests := []struct {
		name   string
		params domain.SchemeParameters
	}{
		{
			name:   "degree not a power of two",
			params: domain.SchemeParameters{Kind: domain.SchemeCKKS, PolyModulusDegree: 3000, CoeffModulusBits: []int{40, 40}, SecurityLevel: domain.Security128},
		},
		{
			name:   "modulus exceeds security bound",
			params: domain.SchemeParameters{Kind: domain.SchemeCKKS, PolyModulusDegree: 4096, CoeffModulusBits: []int{60, 60, 60}, SecurityLevel: domain.Security128},
		},
		{
			name:   "ckks without modulus chain",
			params: domain.SchemeParameters{Kind: domain.SchemeCKKS, PolyModulusDegree: 8192, SecurityLevel: domain.Security128},
		},
		{
			name:   "default chain too large for 256-bit security",
			params: domain.SchemeParameters{Kind: domain.SchemeBFV, PolyModulusDegree: 4096, SecurityLevel: domain.Security256},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewContext(tt.params)
			err := c.Initialize(context.Background())
			require.ErrorIs(t, err, domain.ErrInvalidParameters)
		})
	}
}

func TestContext_Dispose(t *testing.T) {
	c := NewContext(bfvParams())
	require.NoError(t, c.Initialize(context.Background()))

	h := newNative(c, 42)
	require.False(t, h.Released())

	c.Dispose()
	c.Dispose()

	require.True(t, c.Disposed())
	require.True(t, h.Released())
	_, err := h.get()
	require.ErrorIs(t, err, domain.ErrHandleReleased)

	_, err = c.ParameterSet()
	require.ErrorIs(t, err, domain.ErrNotInitialized)
	require.ErrorIs(t, c.Initialize(context.Background()), domain.ErrNotInitialized)
}
