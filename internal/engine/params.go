package engine

import (
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"fhe-engine/internal/domain"
)

// ParameterSet はライブラリが受理した暗号パラメータ。
// CKKS の場合は ckks、BFV/BGV の場合は bgv のいずれか一方のみが有効。
type ParameterSet struct {
	spec domain.SchemeParameters
	ckks ckks.Parameters
	bgv  bgv.Parameters
}

// Scheme は方式種別を返す。
func (p *ParameterSet) Scheme() domain.SchemeKind {
	return p.spec.Kind
}

// Spec は元になった SchemeParameters を返す。
func (p *ParameterSet) Spec() domain.SchemeParameters {
	return p.spec
}

// RLWE は方式共通の RLWE パラメータを返す。
func (p *ParameterSet) RLWE() *rlwe.Parameters {
	if p.spec.Kind == domain.SchemeCKKS {
		return p.ckks.GetRLWEParameters()
	}
	return p.bgv.GetRLWEParameters()
}

func (p *ParameterSet) provider() rlwe.ParameterProvider {
	if p.spec.Kind == domain.SchemeCKKS {
		return p.ckks
	}
	return p.bgv
}

// Slots は暗号文1つに格納できる値の数を返す。
func (p *ParameterSet) Slots() int {
	if p.spec.Kind == domain.SchemeCKKS {
		return p.ckks.MaxSlots()
	}
	return p.bgv.MaxSlots()
}

// RowSize は回転が巡回する範囲の長さを返す。
func (p *ParameterSet) RowSize() int {
	return p.RLWE().N() / 2
}

// MaxLevel は暗号文の最大レベルを返す。
func (p *ParameterSet) MaxLevel() int {
	return p.RLWE().MaxLevel()
}

// MaxDepth は復号が正しく行える乗算の回数を返す。
// CKKS と BGV は1回の乗算で1レベルを消費する。BFV はリスケールしないため、雑音の見積もりで決まる。
func (p *ParameterSet) MaxDepth() int {
	if p.spec.Kind == domain.SchemeCKKS {
		return p.MaxLevel()
	}
	chain := p.spec.EffectiveCoeffModulusBits()
	return exactDepthCapacity(p.spec.Kind, sum(chain[:len(chain)-1]), p.spec.EffectivePlainModulusBits(), p.spec.LogN(), p.MaxLevel())
}

// exactDepthCapacity は BFV/BGV の乗算回数の上限を見積もる。
// logQ は特殊素数を除いた係数法のビット数、levels は暗号文の最大レベル。
// BGV は1回ごとに平文法+10ビットの素数を1つ消費し、BFV は1回ごとに雑音が平文法+logN+6ビット増える。
func exactDepthCapacity(kind domain.SchemeKind, logQ, logT, logN, levels int) int {
	fresh := logT + 10
	if kind == domain.SchemeBGV {
		return max(0, min(levels, logQ/fresh-1))
	}
	return max(0, (logQ-fresh)/(logT+logN+6))
}

// LogQP は係数法全体のビット数を返す。
func (p *ParameterSet) LogQP() float64 {
	return p.RLWE().LogQP()
}

// PlaintextModulus はBFV/BGVの平文法を返す。CKKS では 0。
func (p *ParameterSet) PlaintextModulus() uint64 {
	if p.spec.Kind == domain.SchemeCKKS {
		return 0
	}
	return p.bgv.PlaintextModulus()
}

// GaloisElements は2冪の左回転と行入れ替え（CKKSでは共役）に必要なガロア元を返す。
func (p *ParameterSet) GaloisElements() []uint64 {
	params := p.RLWE()
	var els []uint64
	for k := 1; k < p.RowSize(); k <<= 1 {
		els = append(els, params.GaloisElement(k))
	}
	return append(els, params.GaloisElementOrderTwoOrthogonalSubgroup())
}

func (p *ParameterSet) newPlaintext(level int) *rlwe.Plaintext {
	if p.spec.Kind == domain.SchemeCKKS {
		return ckks.NewPlaintext(p.ckks, level)
	}
	return bgv.NewPlaintext(p.bgv, level)
}
