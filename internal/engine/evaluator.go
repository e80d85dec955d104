package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"fhe-engine/internal/domain"
)

// schemeEvaluator は方式ごとの評価器に共通する操作。
type schemeEvaluator interface {
	AddNew(op0 *rlwe.Ciphertext, op1 rlwe.Operand) (*rlwe.Ciphertext, error)
	SubNew(op0 *rlwe.Ciphertext, op1 rlwe.Operand) (*rlwe.Ciphertext, error)
	MulNew(op0 *rlwe.Ciphertext, op1 rlwe.Operand) (*rlwe.Ciphertext, error)
	RelinearizeNew(op0 *rlwe.Ciphertext) (*rlwe.Ciphertext, error)
	Rescale(op0, opOut *rlwe.Ciphertext) error
}

// scaleInvariant は bgv の評価器を BFV として使う。
// 乗算はスケール不変のテンソル積になり、リスケールせずにレベルを保つ。
type scaleInvariant struct {
	*bgv.Evaluator
}

func (e scaleInvariant) Rescale(op0, opOut *rlwe.Ciphertext) error {
	if op0 != opOut {
		opOut.El().Copy(op0.El())
	}
	return nil
}

// Evaluator は暗号文同士、暗号文と平文の準同型演算を行う。
// 結果はすべて新しいハンドルとして返し、呼び出し側のスコープで追跡する。
type Evaluator struct {
	owner  *Context
	params *ParameterSet

	mu       sync.Mutex
	eval     schemeEvaluator
	ckks     *ckks.Evaluator
	bgv      *bgv.Evaluator
	relin    bool
	galois   map[uint64]bool
	maxDepth int
}

func newEvaluator(owner *Context, params *ParameterSet, rlk *rlwe.RelinearizationKey, gks []*rlwe.GaloisKey) *Evaluator {
	e := &Evaluator{
		owner:  owner,
		params: params,
		relin:    rlk != nil,
		galois:   make(map[uint64]bool, len(gks)),
		maxDepth: params.MaxDepth(),
	}
	for _, gk := range gks {
		e.galois[gk.GaloisElement] = true
	}

	var evk rlwe.EvaluationKeySet
	if rlk != nil || len(gks) > 0 {
		evk = rlwe.NewMemEvaluationKeySet(rlk, gks...)
	}

	switch params.Scheme() {
	case domain.SchemeCKKS:
		e.ckks = ckks.NewEvaluator(params.ckks, evk)
		e.eval = e.ckks
	case domain.SchemeBFV:
		e.bgv = bgv.NewEvaluator(params.bgv, evk, true)
		e.eval = scaleInvariant{e.bgv}
	default:
		e.bgv = bgv.NewEvaluator(params.bgv, evk, false)
		e.eval = e.bgv
	}
	return e
}

// HasRelinearizationKey は再線形化鍵を持っているかどうかを返す。
func (e *Evaluator) HasRelinearizationKey() bool {
	return e.relin
}

// MaxDepth は1つの暗号文に対して行える乗算の回数を返す。
func (e *Evaluator) MaxDepth() int {
	return e.maxDepth
}

// HasRotationKey は k スロットの左回転に必要なガロア鍵を持っているかどうかを返す。
func (e *Evaluator) HasRotationKey(k int) bool {
	return e.galois[e.params.RLWE().GaloisElement(k)]
}

// HasRowSwapKey は行入れ替え（CKKSでは共役）のガロア鍵を持っているかどうかを返す。
func (e *Evaluator) HasRowSwapKey() bool {
	return e.galois[e.params.RLWE().GaloisElementOrderTwoOrthogonalSubgroup()]
}

// Add は a+b を返す。
func (e *Evaluator) Add(a, b *Ciphertext) (*Ciphertext, error) {
	return e.binary("add", a, b, e.eval.AddNew)
}

// Sub は a-b を返す。
func (e *Evaluator) Sub(a, b *Ciphertext) (*Ciphertext, error) {
	return e.binary("subtract", a, b, e.eval.SubNew)
}

// Mul は a*b の再線形化前の積を返す。
// 積の乗算深さがパラメータの上限を超える場合は ErrDepthExceeded。
func (e *Evaluator) Mul(a, b *Ciphertext) (*Ciphertext, error) {
	if a != nil && b != nil {
		if err := e.checkDepth("multiply", max(a.depth, b.depth)+1); err != nil {
			return nil, err
		}
	}
	out, err := e.binary("multiply", a, b, e.eval.MulNew)
	if err != nil {
		return nil, err
	}
	out.depth = max(a.depth, b.depth) + 1
	return out, nil
}

// AddPlain は a+p を返す。
func (e *Evaluator) AddPlain(a *Ciphertext, p *Plaintext) (*Ciphertext, error) {
	return e.plain("add_plain", a, p, e.eval.AddNew)
}

// SubPlain は a-p を返す。
func (e *Evaluator) SubPlain(a *Ciphertext, p *Plaintext) (*Ciphertext, error) {
	return e.plain("subtract_plain", a, p, e.eval.SubNew)
}

// MulPlain は a*p を返す。平文との積も乗算深さを1つ消費する。
func (e *Evaluator) MulPlain(a *Ciphertext, p *Plaintext) (*Ciphertext, error) {
	if a != nil {
		if err := e.checkDepth("multiply_plain", a.depth+1); err != nil {
			return nil, err
		}
	}
	out, err := e.plain("multiply_plain", a, p, e.eval.MulNew)
	if err != nil {
		return nil, err
	}
	out.depth = a.depth + 1
	return out, nil
}

func (e *Evaluator) checkDepth(name string, depth int) error {
	if depth > e.maxDepth {
		return fmt.Errorf("%s: %w: needs depth %d, parameters allow %d", name, domain.ErrDepthExceeded, depth, e.maxDepth)
	}
	return nil
}

// Relinearize は次数2の暗号文を次数1に戻した新しい暗号文を返す。
// 次数1の暗号文はそのまま複製する。
func (e *Evaluator) Relinearize(a *Ciphertext) (*Ciphertext, error) {
	if !e.relin {
		return nil, fmt.Errorf("%w: relinearization key not available", domain.ErrMissingEvaluationKeys)
	}
	ct, err := e.operand(a)
	if err != nil {
		return nil, err
	}
	var out *rlwe.Ciphertext
	err = e.run("relinearize", func() (err error) {
		if ct.Degree() < 2 {
			out = ct.CopyNew()
			return nil
		}
		out, err = e.eval.RelinearizeNew(ct)
		return err
	})
	if err != nil {
		return nil, err
	}
	return a.derive(out), nil
}

// Rescale は乗算後のスケールを1レベル分下げる。暗号文をその場で書き換える。
// BFV では何もしない。CKKS/BGV でレベルが残っていない場合は ErrDepthExceeded。
func (e *Evaluator) Rescale(a *Ciphertext) error {
	ct, err := e.operand(a)
	if err != nil {
		return err
	}
	if e.params.Scheme() != domain.SchemeBFV && ct.Level() == 0 {
		return fmt.Errorf("rescale: %w: no level left", domain.ErrDepthExceeded)
	}
	return e.run("rescale", func() error {
		return e.eval.Rescale(ct, ct)
	})
}

// Negate は -a を返す。
func (e *Evaluator) Negate(a *Ciphertext) (*Ciphertext, error) {
	ct, err := e.operand(a)
	if err != nil {
		return nil, err
	}
	var out *rlwe.Ciphertext
	err = e.run("negate", func() error {
		out = ct.CopyNew()
		ringQ := e.params.RLWE().RingQ().AtLevel(out.Level())
		for i := range out.Value {
			ringQ.Neg(out.Value[i], out.Value[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a.derive(out), nil
}

// Rotate は1行の中で k スロット左に巡回した暗号文を返す。
// k に対応するガロア鍵が必要。任意の k は呼び出し側で2冪の回転に分解する。
func (e *Evaluator) Rotate(a *Ciphertext, k int) (*Ciphertext, error) {
	if !e.HasRotationKey(k) {
		return nil, fmt.Errorf("%w: no galois key for rotation by %d", domain.ErrMissingEvaluationKeys, k)
	}
	ct, err := e.operand(a)
	if err != nil {
		return nil, err
	}
	var out *rlwe.Ciphertext
	err = e.run("rotate", func() (err error) {
		if e.ckks != nil {
			out, err = e.ckks.RotateNew(ct, k)
		} else {
			out, err = e.bgv.RotateColumnsNew(ct, k)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return a.derive(out), nil
}

// SwapRows はBFV/BGVでは2行を入れ替え、CKKSでは複素共役をとる。
func (e *Evaluator) SwapRows(a *Ciphertext) (*Ciphertext, error) {
	if !e.HasRowSwapKey() {
		return nil, fmt.Errorf("%w: no galois key for row swap", domain.ErrMissingEvaluationKeys)
	}
	ct, err := e.operand(a)
	if err != nil {
		return nil, err
	}
	var out *rlwe.Ciphertext
	err = e.run("swap_rows", func() (err error) {
		if e.ckks != nil {
			out, err = e.ckks.ConjugateNew(ct)
		} else {
			out, err = e.bgv.RotateRowsNew(ct)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return a.derive(out), nil
}

func (e *Evaluator) binary(name string, a, b *Ciphertext, fn func(*rlwe.Ciphertext, rlwe.Operand) (*rlwe.Ciphertext, error)) (*Ciphertext, error) {
	ct0, err := e.operand(a)
	if err != nil {
		return nil, err
	}
	ct1, err := e.operand(b)
	if err != nil {
		return nil, err
	}
	var out *rlwe.Ciphertext
	if err := e.run(name, func() (err error) {
		out, err = fn(ct0, ct1)
		return err
	}); err != nil {
		return nil, err
	}
	res := newCiphertext(e.owner, out, max(a.length, b.length))
	res.depth = max(a.depth, b.depth)
	return res, nil
}

func (e *Evaluator) plain(name string, a *Ciphertext, p *Plaintext, fn func(*rlwe.Ciphertext, rlwe.Operand) (*rlwe.Ciphertext, error)) (*Ciphertext, error) {
	ct, err := e.operand(a)
	if err != nil {
		return nil, err
	}
	if p == nil || p.owner != e.owner {
		return nil, fmt.Errorf("%w: plaintext belongs to a different context", domain.ErrInvalidArgument)
	}
	pt, err := p.get()
	if err != nil {
		return nil, err
	}
	var out *rlwe.Ciphertext
	if err := e.run(name, func() (err error) {
		out, err = fn(ct, pt)
		return err
	}); err != nil {
		return nil, err
	}
	res := a.derive(out)
	res.length = max(a.length, p.length)
	return res, nil
}

func (e *Evaluator) operand(c *Ciphertext) (*rlwe.Ciphertext, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil ciphertext", domain.ErrInvalidArgument)
	}
	if c.owner != e.owner {
		return nil, fmt.Errorf("%w: ciphertext belongs to a different context", domain.ErrInvalidArgument)
	}
	return c.get()
}

// run は評価器を排他的に使い、ライブラリ内部の panic をエラーに変換する。
func (e *Evaluator) run(name string, fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return guard(name, fn)
}

// guard は fn を実行し、panic をエラーとして返す。
func guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %w", name, panicError(r))
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("library panic: %w", err)
	}
	return errors.New(fmt.Sprint("library panic: ", r))
}
