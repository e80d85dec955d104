// Package engine は格子暗号ライブラリ上の準同型暗号エンジンを提供する。
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/tuneinsight/lattigo/v6/ring"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"fhe-engine/internal/domain"
)

// Library はパラメータから暗号コンテキストを構築するネイティブライブラリを表す。
type Library interface {
	Name() string
	NewParameterSet(spec domain.SchemeParameters) (*ParameterSet, error)
}

// LibraryLoader はライブラリを読み込む。読み込めない場合はエラーを返す。
type LibraryLoader func(ctx context.Context) (Library, error)

var (
	globalMu      sync.RWMutex
	globalLibrary Library
)

// RegisterLibrary はプロセス全体で共有するライブラリを登録する。
// 組み込みライブラリを読み込めない場合のフォールバックとして使われる。
func RegisterLibrary(lib Library) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLibrary = lib
}

// EmbeddedLoader は組み込みの lattigo ライブラリを返す。
func EmbeddedLoader(ctx context.Context) (Library, error) {
	return Lattigo(), nil
}

// GlobalLoader は RegisterLibrary で登録されたライブラリを返す。
func GlobalLoader(ctx context.Context) (Library, error) {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLibrary == nil {
		return nil, errors.New("no global library registered")
	}
	return globalLibrary, nil
}

// DefaultLoaders は組み込み、グローバルの順に試すローダー列を返す。
func DefaultLoaders() []LibraryLoader {
	return []LibraryLoader{EmbeddedLoader, GlobalLoader}
}

// loadLibrary はローダーを順に試し、最初に成功したライブラリを返す。
func loadLibrary(ctx context.Context, loaders []LibraryLoader) (Library, error) {
	var errs []error
	for _, load := range loaders {
		lib, err := load(ctx)
		if err == nil && lib != nil {
			return lib, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no loader configured", domain.ErrLibraryUnavailable)
	}
	return nil, fmt.Errorf("%w: %w", domain.ErrLibraryUnavailable, errors.Join(errs...))
}

type lattigoLibrary struct{}

// Lattigo は lattigo v6 を使う Library を返す。
func Lattigo() Library {
	return lattigoLibrary{}
}

func (lattigoLibrary) Name() string {
	return "lattigo/v6"
}

// NewParameterSet は方式ごとのパラメータオブジェクトを構築する。
// CKKS は明示的な係数法チェーン、BFV/BGV は既定チェーンとバッチ処理可能な平文法を使う。
func (lattigoLibrary) NewParameterSet(spec domain.SchemeParameters) (ps *ParameterSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			ps, err = nil, fmt.Errorf("building parameters: %v", r)
		}
	}()

	chain := spec.EffectiveCoeffModulusBits()
	logQ := append([]int(nil), chain[:len(chain)-1]...)
	logP := append([]int(nil), chain[len(chain)-1:]...)

	switch spec.Kind {
	case domain.SchemeCKKS:
		params, err := ckks.NewParametersFromLiteral(ckks.ParametersLiteral{
			LogN:            spec.LogN(),
			LogQ:            logQ,
			LogP:            logP,
			LogDefaultScale: int(math.Round(math.Log2(spec.EffectiveScale()))),
		})
		if err != nil {
			return nil, err
		}
		return &ParameterSet{spec: spec, ckks: params}, nil

	case domain.SchemeBFV, domain.SchemeBGV:
		t, err := plaintextModulus(spec.EffectivePlainModulusBits(), spec.PolyModulusDegree)
		if err != nil {
			return nil, err
		}
		params, err := bgv.NewParametersFromLiteral(bgv.ParametersLiteral{
			LogN:             spec.LogN(),
			LogQ:             logQ,
			LogP:             logP,
			PlaintextModulus: t,
		})
		if err != nil {
			return nil, err
		}
		return &ParameterSet{spec: spec, bgv: params}, nil
	}
	return nil, fmt.Errorf("unknown scheme %q", spec.Kind)
}

// plaintextModulus は t ≡ 1 mod 2N を満たす素数を返す。この条件でスロットへのバッチ符号化が可能になる。
func plaintextModulus(bits, n int) (uint64, error) {
	g := ring.NewNTTFriendlyPrimesGenerator(uint64(bits), uint64(2*n))
	t, err := g.NextAlternatingPrime()
	if err != nil {
		return 0, fmt.Errorf("no %d-bit plaintext modulus for N=%d: %w", bits, n, err)
	}
	return t, nil
}
