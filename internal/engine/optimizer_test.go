package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"fhe-engine/internal/domain"
)

func TestOptimizer_RecommendForModes(t *testing.T) {
	tests := []struct {
		mode      domain.Mode
		wantN     int
		wantDepth int
		wantChain []int
	}{
		{mode: domain.ModeStandard, wantN: 8192, wantDepth: 1, wantChain: []int{60, 40, 60}},
		{mode: domain.ModeAnalytics, wantN: 16384, wantDepth: 3, wantChain: []int{60, 40, 40, 40, 60}},
		{mode: domain.ModeExact, wantN: 4096, wantDepth: 1, wantChain: []int{36, 36, 37}},
		{mode: domain.ModeLeveled, wantN: 8192, wantDepth: 3, wantChain: []int{43, 43, 44, 44, 44}},
	}

	o := NewOptimizer()
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			profile, err := tt.mode.Profile()
			require.NoError(t, err)

			rec, err := o.Recommend(profile.Scheme, profile.Operations, domain.Security128)
			require.NoError(t, err)
			require.Equal(t, tt.wantN, rec.Parameters.PolyModulusDegree)
			require.Equal(t, tt.wantDepth, rec.Depth)
			require.Equal(t, tt.wantChain, rec.Parameters.EffectiveCoeffModulusBits())
			require.Equal(t, domain.Security128, rec.Parameters.SecurityLevel)
			require.NoError(t, rec.Parameters.Validate())
		})
	}
}

func TestOptimizer_HigherSecurityNeedsLargerDegree(t *testing.T) {
	o := NewOptimizer()
	ops := []domain.Operation{domain.OpAdd, domain.OpMultiply}

	low, err := o.Recommend(domain.SchemeCKKS, ops, domain.Security128)
	require.NoError(t, err)
	high, err := o.Recommend(domain.SchemeCKKS, ops, domain.Security256)
	require.NoError(t, err)

	require.Greater(t, high.Parameters.PolyModulusDegree, low.Parameters.PolyModulusDegree)
	require.Greater(t, high.Cost, low.Cost)
}

func TestOptimizer_AdditionOnlyHasNoMiddlePrimes(t *testing.T) {
	rec, err := NewOptimizer().Recommend(domain.SchemeCKKS, []domain.Operation{domain.OpAdd}, domain.Security128)
	require.NoError(t, err)
	require.Zero(t, rec.Depth)
	require.Equal(t, 8192, rec.Parameters.PolyModulusDegree)
	require.Equal(t, []int{60, 60}, rec.Parameters.CoeffModulusBits)
}

func TestOptimizer_Errors(t *testing.T) {
	o := NewOptimizer()

	_, err := o.Recommend(domain.SchemeBFV, []domain.Operation{domain.OpConjugate}, domain.Security128)
	require.ErrorIs(t, err, domain.ErrUnsupportedOperation)

	_, err = o.Recommend(domain.SchemeCKKS, []domain.Operation{domain.OpAdd}, domain.SecurityLevel(100))
	require.ErrorIs(t, err, domain.ErrInvalidParameters)

	deep := &Optimizer{PolynomialDepth: 60, ScaleBits: 50, PlainModulusBits: 20}
	_, err = deep.Recommend(domain.SchemeCKKS, []domain.Operation{domain.OpPolynomial}, domain.Security128)
	require.ErrorIs(t, err, domain.ErrInvalidParameters)
}
