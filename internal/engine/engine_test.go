package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"fhe-engine/internal/domain"
)

func bfvParams() domain.SchemeParameters {
	return domain.SchemeParameters{
		Kind:              domain.SchemeBFV,
		PolyModulusDegree: 4096,
		SecurityLevel:     domain.Security128,
	}
}

func bfvDeepParams() domain.SchemeParameters {
	return domain.SchemeParameters{
		Kind:              domain.SchemeBFV,
		PolyModulusDegree: 8192,
		SecurityLevel:     domain.Security128,
	}
}

func bgvParams() domain.SchemeParameters {
	return domain.SchemeParameters{
		Kind:              domain.SchemeBGV,
		PolyModulusDegree: 8192,
		SecurityLevel:     domain.Security128,
	}
}

func ckksParams() domain.SchemeParameters {
	return domain.SchemeParameters{
		Kind:              domain.SchemeCKKS,
		PolyModulusDegree: 8192,
		CoeffModulusBits:  []int{50, 40, 40, 40, 48},
		SecurityLevel:     domain.Security128,
		Scale:             domain.DefaultScale,
	}
}

// newKeyedService は鍵生成済みの Service を返す。
func newKeyedService(t *testing.T, params domain.SchemeParameters) *Service {
	t.Helper()

	svc := NewService()
	require.NoError(t, svc.Initialize(context.Background(), InitOptions{Parameters: &params}))
	require.NoError(t, svc.GenerateKeys(context.Background()))
	t.Cleanup(svc.Dispose)
	return svc
}

func requireClose(t *testing.T, want, got []float64, tol float64) {
	t.Helper()

	require.Len(t, got, len(want))
	for i := range want {
		require.InDeltaf(t, want[i], got[i], tol, "slot %d", i)
	}
}
