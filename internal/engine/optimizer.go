package engine

import (
	"fmt"
	"math"

	"fhe-engine/internal/domain"
)

// Recommendation はオプティマイザが選んだパラメータと、その推定値。
type Recommendation struct {
	Parameters domain.SchemeParameters
	// Depth は想定する乗算の深さ。
	Depth int
	// SecurityBits は係数法の総ビット数から見積もった安全性。
	SecurityBits domain.SecurityLevel
	// Cost は N と係数法の素数の数に比例する相対的な計算コスト。
	Cost float64
}

// Optimizer は必要な演算集合と安全性から最小のパラメータを選ぶ。
type Optimizer struct {
	// PolynomialDepth は多項式評価に確保する乗算の深さ。
	PolynomialDepth int
	// ScaleBits はCKKSのスケールのビット数。
	ScaleBits int
	// PlainModulusBits はBFV/BGVの平文法のビット数。
	PlainModulusBits int
}

// NewOptimizer は既定値のオプティマイザを返す。
func NewOptimizer() *Optimizer {
	return &Optimizer{
		PolynomialDepth:  3,
		ScaleBits:        40,
		PlainModulusBits: domain.DefaultPlainModulusBits,
	}
}

var candidateDegrees = []int{2048, 4096, 8192, 16384, 32768}

// Recommend は方式と演算集合に対して、安全性の上限内に収まる最小の N を選ぶ。
func (o *Optimizer) Recommend(kind domain.SchemeKind, ops []domain.Operation, level domain.SecurityLevel) (Recommendation, error) {
	for _, op := range ops {
		if !domain.IsOperationSupported(kind, op) {
			return Recommendation{}, fmt.Errorf("%w: %s does not support %s", domain.ErrUnsupportedOperation, kind, op)
		}
	}
	depth := o.depthFor(ops)

	for _, n := range candidateDegrees {
		budget := domain.MaxCoeffModulusBits(n, level)
		if budget == 0 {
			return Recommendation{}, fmt.Errorf("%w: unsupported security level %d", domain.ErrInvalidParameters, level)
		}
		spec, ok := o.fit(kind, n, depth, budget)
		if !ok {
			continue
		}
		spec.SecurityLevel = level
		if err := spec.Validate(); err != nil {
			continue
		}
		chain := spec.EffectiveCoeffModulusBits()
		return Recommendation{
			Parameters:   spec,
			Depth:        depth,
			SecurityBits: level,
			Cost:         float64(n) * float64(len(chain)) / 4096,
		}, nil
	}
	return Recommendation{}, fmt.Errorf("%w: no parameters for %s at depth %d and %d-bit security",
		domain.ErrInvalidParameters, kind, depth, level)
}

func (o *Optimizer) depthFor(ops []domain.Operation) int {
	depth := 0
	for _, op := range ops {
		switch op {
		case domain.OpPolynomial:
			depth = max(depth, o.PolynomialDepth)
		case domain.OpMultiply, domain.OpSquare:
			depth = max(depth, 1)
		}
	}
	return depth
}

// fit は N と予算に収まる係数法を組み立てる。
func (o *Optimizer) fit(kind domain.SchemeKind, n, depth, budget int) (domain.SchemeParameters, bool) {
	spec := domain.SchemeParameters{Kind: kind, PolyModulusDegree: n}

	if kind == domain.SchemeCKKS {
		// 先頭素数はスケールに整数部の余裕を足し、特殊素数は先頭素数と同じ大きさにする。
		first := min(o.ScaleBits+20, 60)
		chain := []int{first}
		for i := 0; i < depth; i++ {
			chain = append(chain, o.ScaleBits)
		}
		chain = append(chain, first)
		if sum(chain) > budget {
			return spec, false
		}
		spec.CoeffModulusBits = chain
		spec.Scale = math.Exp2(float64(o.ScaleBits))
		return spec, true
	}

	spec.PlainModulusBits = o.PlainModulusBits
	primes := depth + 1
	capacity := func(q []int) int {
		return exactDepthCapacity(kind, sum(q), o.PlainModulusBits, spec.LogN(), len(q)-1)
	}

	if def := domain.DefaultCoeffModulusBits(n); len(def) > primes && sum(def) <= budget && capacity(def[:len(def)-1]) >= depth {
		return spec, true
	}

	// 既定値が使えない場合は、予算を素数の数で等分する。
	count := primes + 1
	size := min(budget/count, 60)
	if size < 20 {
		return spec, false
	}
	chain := make([]int, count)
	for i := range chain {
		chain[i] = size
	}
	if capacity(chain[:primes]) < depth {
		return spec, false
	}
	spec.CoeffModulusBits = chain
	return spec, true
}

func sum(xs []int) int {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total
}
