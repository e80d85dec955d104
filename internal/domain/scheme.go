// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"fmt"
	"math"
	"math/bits"
)

// SchemeKind は準同型暗号方式の種別を表す。
type SchemeKind string

const (
	// SchemeBFV は整数を厳密に扱うスケール不変方式。
	SchemeBFV SchemeKind = "BFV"
	// SchemeBGV は整数を厳密に扱うレベル付き方式。
	SchemeBGV SchemeKind = "BGV"
	// SchemeCKKS は実数を近似的に扱う方式。
	SchemeCKKS SchemeKind = "CKKS"
)

// ParseSchemeKind は文字列から方式種別を解釈する。
func ParseSchemeKind(s string) (SchemeKind, error) {
	switch SchemeKind(s) {
	case SchemeBFV, SchemeBGV, SchemeCKKS:
		return SchemeKind(s), nil
	case "bfv":
		return SchemeBFV, nil
	case "bgv":
		return SchemeBGV, nil
	case "ckks":
		return SchemeCKKS, nil
	}
	return "", fmt.Errorf("%w: unknown scheme %q", ErrInvalidArgument, s)
}

// IsExact は整数演算が厳密な方式かどうかを返す。
func (k SchemeKind) IsExact() bool {
	return k == SchemeBFV || k == SchemeBGV
}

// SecurityLevel はビット単位の安全性レベルを表す。
type SecurityLevel int

const (
	Security128 SecurityLevel = 128
	Security192 SecurityLevel = 192
	Security256 SecurityLevel = 256
)

const (
	// MinPolyModulusDegree は受け付ける最小の多項式次数。
	MinPolyModulusDegree = 1024
	// MaxPolyModulusDegree は受け付ける最大の多項式次数。
	MaxPolyModulusDegree = 32768

	// DefaultScale はCKKSの既定スケール (2^40)。
	DefaultScale = float64(1 << 40)
	// DefaultPlainModulusBits はBFV/BGVの既定平文法のビット数。
	DefaultPlainModulusBits = 20
)

// SchemeParameters は暗号系のインスタンス化を記述する純粋なデータ。
type SchemeParameters struct {
	Kind              SchemeKind `json:"scheme"`
	PolyModulusDegree int        `json:"polyModulusDegree"`
	// CoeffModulusBits は係数法のビット長列。最後の要素は鍵切り替え用の特殊素数。
	// BFV/BGVで空の場合はライブラリ既定値を使う。
	CoeffModulusBits []int         `json:"coeffModulusBits,omitempty"`
	PlainModulusBits int           `json:"plainModulusBits,omitempty"`
	SecurityLevel    SecurityLevel `json:"securityLevel"`
	Scale            float64       `json:"scale,omitempty"`
}

// LogN は多項式次数の2進対数を返す。
func (p SchemeParameters) LogN() int {
	return bits.Len(uint(p.PolyModulusDegree)) - 1
}

// SlotCount は1つの暗号文に詰められる値の数を返す。
func (p SchemeParameters) SlotCount() int {
	if p.Kind == SchemeCKKS {
		return p.PolyModulusDegree / 2
	}
	return p.PolyModulusDegree
}

// RowSize は回転が巡回する1行あたりのスロット数を返す。
func (p SchemeParameters) RowSize() int {
	return p.PolyModulusDegree / 2
}

// EffectiveCoeffModulusBits は実際に使う係数法のビット長列を返す。
func (p SchemeParameters) EffectiveCoeffModulusBits() []int {
	if len(p.CoeffModulusBits) > 0 || p.Kind == SchemeCKKS {
		return p.CoeffModulusBits
	}
	return DefaultCoeffModulusBits(p.PolyModulusDegree)
}

// EffectiveScale はCKKSで使うスケールを返す。
func (p SchemeParameters) EffectiveScale() float64 {
	if p.Scale > 0 {
		return p.Scale
	}
	return DefaultScale
}

// EffectivePlainModulusBits はBFV/BGVで使う平文法のビット数を返す。
func (p SchemeParameters) EffectivePlainModulusBits() int {
	if p.PlainModulusBits > 0 {
		return p.PlainModulusBits
	}
	return DefaultPlainModulusBits
}

// TotalCoeffModulusBits は係数法の総ビット数を返す。
func (p SchemeParameters) TotalCoeffModulusBits() int {
	total := 0
	for _, b := range p.EffectiveCoeffModulusBits() {
		total += b
	}
	return total
}

// Validate はパラメータの形式的な妥当性を検証する。
// ライブラリが実際に受け付けるかどうかは Context の初期化時に判定する。
func (p SchemeParameters) Validate() error {
	switch p.Kind {
	case SchemeBFV, SchemeBGV, SchemeCKKS:
	default:
		return fmt.Errorf("%w: unknown scheme %q", ErrInvalidParameters, p.Kind)
	}

	n := p.PolyModulusDegree
	if n < MinPolyModulusDegree || n > MaxPolyModulusDegree || n&(n-1) != 0 {
		return fmt.Errorf("%w: polyModulusDegree %d must be a power of two in [%d, %d]",
			ErrInvalidParameters, n, MinPolyModulusDegree, MaxPolyModulusDegree)
	}

	switch p.SecurityLevel {
	case Security128, Security192, Security256:
	default:
		return fmt.Errorf("%w: unsupported security level %d", ErrInvalidParameters, p.SecurityLevel)
	}

	// 鍵切り替えには特殊素数が1つ以上必要なため、最低2要素。
	chain := p.EffectiveCoeffModulusBits()
	if len(chain) < 2 {
		return fmt.Errorf("%w: coefficient modulus chain needs at least two moduli, got %v", ErrInvalidParameters, chain)
	}
	for _, b := range chain {
		if b < 20 || b > 61 {
			return fmt.Errorf("%w: coefficient modulus bit size %d out of range [20, 61]", ErrInvalidParameters, b)
		}
	}

	if max := MaxCoeffModulusBits(n, p.SecurityLevel); p.TotalCoeffModulusBits() > max {
		return fmt.Errorf("%w: total coefficient modulus %d bits exceeds %d bits allowed for N=%d at %d-bit security",
			ErrInvalidParameters, p.TotalCoeffModulusBits(), max, n, p.SecurityLevel)
	}

	if p.Kind == SchemeCKKS {
		if p.Scale < 0 {
			return fmt.Errorf("%w: negative scale", ErrInvalidParameters)
		}
		if logScale := math.Log2(p.EffectiveScale()); logScale != math.Trunc(logScale) {
			return fmt.Errorf("%w: scale %v must be a power of two", ErrInvalidParameters, p.Scale)
		}
		return nil
	}

	if b := p.EffectivePlainModulusBits(); b < 2 || b > 60 {
		return fmt.Errorf("%w: plainModulusBits %d out of range [2, 60]", ErrInvalidParameters, b)
	}
	return nil
}

// DefaultCoeffModulusBits はBFV/BGV向けの既定係数法を返す。
// 最後の要素は鍵切り替え用の特殊素数として扱う。N=1024 には既定値が無い。
func DefaultCoeffModulusBits(n int) []int {
	repeat := func(b, count int) []int {
		out := make([]int, count)
		for i := range out {
			out[i] = b
		}
		return out
	}
	switch n {
	case 2048:
		return []int{27, 27}
	case 4096:
		return []int{36, 36, 37}
	case 8192:
		return []int{43, 43, 44, 44, 44}
	case 16384:
		return repeat(48, 9)
	case 32768:
		return repeat(55, 16)
	}
	return nil
}

// HE標準の安全性表 (一様三値秘密鍵)。
var maxCoeffModulusBits = map[SecurityLevel]map[int]int{
	Security128: {1024: 27, 2048: 54, 4096: 109, 8192: 218, 16384: 438, 32768: 881},
	Security192: {1024: 19, 2048: 37, 4096: 75, 8192: 152, 16384: 305, 32768: 611},
	Security256: {1024: 14, 2048: 29, 4096: 58, 8192: 118, 16384: 237, 32768: 476},
}

// MaxCoeffModulusBits は指定の次数・安全性で許される係数法の最大総ビット数を返す。
func MaxCoeffModulusBits(n int, level SecurityLevel) int {
	return maxCoeffModulusBits[level][n]
}
