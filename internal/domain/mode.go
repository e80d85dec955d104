package domain

import "fmt"

// Mode は用途別に名前付けされた暗号化モードを表す。
// モードは方式種別と必要な演算集合に対応付けられ、具体的なパラメータはオプティマイザが選ぶ。
type Mode string

const (
	// ModeStandard は実数ベクトルの加算・乗算向け (CKKS)。
	ModeStandard Mode = "standard"
	// ModeAnalytics は多項式評価や回転を伴う集計向け (CKKS)。
	ModeAnalytics Mode = "analytics"
	// ModeExact は整数カウンタなど厳密演算向け (BFV)。
	ModeExact Mode = "exact"
	// ModeLeveled は深い整数回路向け (BGV)。
	ModeLeveled Mode = "leveled"
)

// ModeProfile はモードが要求する方式と演算集合。
type ModeProfile struct {
	Scheme     SchemeKind
	Operations []Operation
}

var modeProfiles = map[Mode]ModeProfile{
	ModeStandard: {
		Scheme:     SchemeCKKS,
		Operations: []Operation{OpAdd, OpSubtract, OpMultiply, OpNegate, OpSquare},
	},
	ModeAnalytics: {
		Scheme:     SchemeCKKS,
		Operations: []Operation{OpAdd, OpSubtract, OpMultiply, OpNegate, OpRotate, OpSquare, OpPolynomial, OpConjugate},
	},
	ModeExact: {
		Scheme:     SchemeBFV,
		Operations: []Operation{OpAdd, OpSubtract, OpMultiply, OpNegate, OpRotate, OpSquare, OpRotateRows},
	},
	ModeLeveled: {
		Scheme:     SchemeBGV,
		Operations: []Operation{OpAdd, OpSubtract, OpMultiply, OpNegate, OpRotate, OpSquare, OpPolynomial, OpRotateRows},
	},
}

// Profile はモードの方式と演算集合を返す。
func (m Mode) Profile() (ModeProfile, error) {
	p, ok := modeProfiles[m]
	if !ok {
		return ModeProfile{}, fmt.Errorf("%w: unknown encryption mode %q", ErrInvalidArgument, m)
	}
	return p, nil
}
