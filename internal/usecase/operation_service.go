// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"fhe-engine/internal/domain"
	"fhe-engine/internal/engine"
)

// HomomorphicEngine は準同型演算が使う暗号エンジンのインターフェース。
type HomomorphicEngine interface {
	Scheme() domain.SchemeKind
	RowSize() int
	Evaluator() (*engine.Evaluator, error)
	Encrypt(values []float64) (*engine.Ciphertext, error)
	Encode(values []float64, like *engine.Ciphertext) (*engine.Plaintext, error)
	EncodeMultiplier(values []float64, like *engine.Ciphertext) (*engine.Plaintext, error)
	Detach(ct *engine.Ciphertext) (*engine.Ciphertext, error)
}

// Operand は二項演算の第2オペランド。暗号文か平文の値列のどちらか一方を持つ。
type Operand struct {
	Ciphertext *engine.Ciphertext
	Values     []float64
}

// Cipher は暗号文のオペランドを返す。
func Cipher(ct *engine.Ciphertext) Operand {
	return Operand{Ciphertext: ct}
}

// Values は平文の値列のオペランドを返す。
func Values(values ...float64) Operand {
	return Operand{Values: values}
}

// Result は準同型演算の結果。
// Success が true なら Result は呼び出し側が所有する新しい暗号文、false なら Err に失敗理由が入る。
type Result struct {
	Success   bool
	Result    *engine.Ciphertext
	Err       error
	Operation domain.Operation
}

// OperationService は暗号文上の演算を提供する。
// 各演算は自身のスコープで中間値を管理し、結果だけを複製して返す。
type OperationService struct {
	engine  HomomorphicEngine
	tracer  trace.Tracer
	counter metric.Int64Counter
}

// NewOperationService は新しいOperationServiceを生成する。
func NewOperationService(e HomomorphicEngine) *OperationService {
	return &OperationService{
		engine:  e,
		tracer:  otel.Tracer(instrumentationName),
		counter: newOperationCounter(),
	}
}

// IsOperationSupported は現在の方式で op が使えるかどうかを返す。
func (s *OperationService) IsOperationSupported(op domain.Operation) bool {
	return domain.IsOperationSupported(s.engine.Scheme(), op)
}

// Add は a+b を計算する。b が値列の場合は先に暗号化する。
func (s *OperationService) Add(ctx context.Context, a *engine.Ciphertext, b Operand) Result {
	return s.run(ctx, domain.OpAdd, func(scope *engine.Scope, ev *engine.Evaluator) (*engine.Ciphertext, error) {
		rhs, err := s.resolve(scope, b)
		if err != nil {
			return nil, err
		}
		out, err := ev.Add(a, rhs)
		if err != nil {
			return nil, err
		}
		return engine.Track(scope, out, "sum"), nil
	})
}

// Subtract は a-b を計算する。b が値列の場合は先に暗号化する。
func (s *OperationService) Subtract(ctx context.Context, a *engine.Ciphertext, b Operand) Result {
	return s.run(ctx, domain.OpSubtract, func(scope *engine.Scope, ev *engine.Evaluator) (*engine.Ciphertext, error) {
		rhs, err := s.resolve(scope, b)
		if err != nil {
			return nil, err
		}
		out, err := ev.Sub(a, rhs)
		if err != nil {
			return nil, err
		}
		return engine.Track(scope, out, "difference"), nil
	})
}

// Multiply は a*b を計算し、再線形化とリスケールを行う。
// b が値列の場合は平文との乗算になる。
func (s *OperationService) Multiply(ctx context.Context, a *engine.Ciphertext, b Operand) Result {
	return s.run(ctx, domain.OpMultiply, func(scope *engine.Scope, ev *engine.Evaluator) (*engine.Ciphertext, error) {
		if err := requireRelinearization(ev); err != nil {
			return nil, err
		}

		var (
			prod *engine.Ciphertext
			err  error
		)
		if b.Ciphertext != nil {
			prod, err = ev.Mul(a, b.Ciphertext)
		} else {
			var pt *engine.Plaintext
			if pt, err = s.engine.EncodeMultiplier(b.Values, a); err != nil {
				return nil, err
			}
			engine.Track(scope, pt, "multiplier")
			prod, err = ev.MulPlain(a, pt)
		}
		if err != nil {
			return nil, err
		}
		engine.Track(scope, prod, "product")
		return relinearizeAndRescale(scope, ev, prod)
	})
}

// Square は a*a を計算し、再線形化とリスケールを行う。
func (s *OperationService) Square(ctx context.Context, a *engine.Ciphertext) Result {
	return s.run(ctx, domain.OpSquare, func(scope *engine.Scope, ev *engine.Evaluator) (*engine.Ciphertext, error) {
		if err := requireRelinearization(ev); err != nil {
			return nil, err
		}
		prod, err := ev.Mul(a, a)
		if err != nil {
			return nil, err
		}
		engine.Track(scope, prod, "square")
		return relinearizeAndRescale(scope, ev, prod)
	})
}

// Negate は -a を計算する。
func (s *OperationService) Negate(ctx context.Context, a *engine.Ciphertext) Result {
	return s.run(ctx, domain.OpNegate, func(scope *engine.Scope, ev *engine.Evaluator) (*engine.Ciphertext, error) {
		out, err := ev.Negate(a)
		if err != nil {
			return nil, err
		}
		return engine.Track(scope, out, "negation"), nil
	})
}

// Rotate は a を steps スロット巡回させる。正なら左、負なら右に回転する。
// BFV/BGV では各行の中で回転する。回転は2冪の回転の合成で行う。
func (s *OperationService) Rotate(ctx context.Context, a *engine.Ciphertext, steps int) Result {
	return s.run(ctx, domain.OpRotate, func(scope *engine.Scope, ev *engine.Evaluator) (*engine.Ciphertext, error) {
		if !ev.HasRotationKey(1) {
			return nil, fmt.Errorf("%w: galois keys required for rotation", domain.ErrMissingEvaluationKeys)
		}
		n := s.engine.RowSize()
		k := ((steps % n) + n) % n

		cur := a
		for bit := 1; bit < n; bit <<= 1 {
			if k&bit == 0 {
				continue
			}
			next, err := ev.Rotate(cur, bit)
			if err != nil {
				return nil, err
			}
			cur = engine.Track(scope, next, "rotation")
		}
		return cur, nil
	})
}

// RotateRows はBFV/BGVの2つの行を入れ替える。
func (s *OperationService) RotateRows(ctx context.Context, a *engine.Ciphertext) Result {
	return s.swapRows(ctx, domain.OpRotateRows, a)
}

// Conjugate はCKKSの各スロットの複素共役をとる。
func (s *OperationService) Conjugate(ctx context.Context, a *engine.Ciphertext) Result {
	return s.swapRows(ctx, domain.OpConjugate, a)
}

func (s *OperationService) swapRows(ctx context.Context, op domain.Operation, a *engine.Ciphertext) Result {
	return s.run(ctx, op, func(scope *engine.Scope, ev *engine.Evaluator) (*engine.Ciphertext, error) {
		out, err := ev.SwapRows(a)
		if err != nil {
			return nil, err
		}
		return engine.Track(scope, out, string(op)), nil
	})
}

// Polynomial は係数 coeffs (次数の低い順) の多項式を Horner 法で評価する。
// 最高次の係数を暗号化した値から始め、x を掛けて次の係数を足す操作を繰り返す。
func (s *OperationService) Polynomial(ctx context.Context, x *engine.Ciphertext, coeffs []float64) Result {
	return s.run(ctx, domain.OpPolynomial, func(scope *engine.Scope, ev *engine.Evaluator) (*engine.Ciphertext, error) {
		if len(coeffs) == 0 {
			return nil, fmt.Errorf("%w: polynomial needs at least one coefficient", domain.ErrInvalidArgument)
		}
		scheme := s.engine.Scheme()
		if !domain.IsOperationSupported(scheme, domain.OpAdd) || !domain.IsOperationSupported(scheme, domain.OpMultiply) {
			return nil, fmt.Errorf("%w: %s cannot evaluate polynomials", domain.ErrUnsupportedOperation, scheme)
		}
		if x == nil {
			return nil, fmt.Errorf("%w: nil ciphertext", domain.ErrInvalidArgument)
		}
		width := x.Len()

		last := len(coeffs) - 1
		acc, err := s.engine.Encrypt(fill(coeffs[last], width))
		if err != nil {
			return nil, err
		}
		engine.Track(scope, acc, "coefficient")
		if last == 0 {
			return acc, nil
		}
		if err := requireRelinearization(ev); err != nil {
			return nil, err
		}

		for i := last - 1; i >= 0; i-- {
			prod, err := ev.Mul(acc, x)
			if err != nil {
				return nil, err
			}
			engine.Track(scope, prod, "horner_product")
			if prod, err = relinearizeAndRescale(scope, ev, prod); err != nil {
				return nil, err
			}

			pt, err := s.engine.Encode(fill(coeffs[i], width), prod)
			if err != nil {
				return nil, err
			}
			engine.Track(scope, pt, "coefficient")
			if acc, err = ev.AddPlain(prod, pt); err != nil {
				return nil, err
			}
			engine.Track(scope, acc, "horner_sum")
		}
		return acc, nil
	})
}

// run は演算の共通処理。対応表の確認、スコープの開閉、結果の複製、計測を行う。
// 演算中のエラーとパニックはすべて失敗の Result に変換する。
func (s *OperationService) run(ctx context.Context, op domain.Operation, fn func(*engine.Scope, *engine.Evaluator) (*engine.Ciphertext, error)) (res Result) {
	ctx, span := s.tracer.Start(ctx, "fhe."+string(op))
	defer span.End()

	scheme := s.engine.Scheme()
	span.SetAttributes(attribute.String("fhe.scheme", string(scheme)))

	defer func() {
		res.Operation = op
		res.Success = res.Err == nil
		recordOperation(ctx, s.counter, string(op), string(scheme), res.Success)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			slog.WarnContext(ctx, "homomorphic operation failed",
				"operation", op,
				"scheme", scheme,
				"error", res.Err,
			)
		}
	}()

	if scheme == "" {
		return Result{Err: domain.ErrNotInitialized}
	}
	if !domain.IsOperationSupported(scheme, op) {
		return Result{Err: fmt.Errorf("%w: %s does not support %s", domain.ErrUnsupportedOperation, scheme, op)}
	}
	ev, err := s.engine.Evaluator()
	if err != nil {
		return Result{Err: err}
	}

	scope := engine.NewScope(string(op))
	defer scope.ReleaseAll()
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("%s panicked: %v", op, r)}
		}
	}()

	out, err := fn(scope, ev)
	if err != nil {
		return Result{Err: err}
	}
	detached, err := s.engine.Detach(out)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Result: detached}
}

// resolve は第2オペランドを暗号文にする。値列は暗号化してスコープに登録する。
func (s *OperationService) resolve(scope *engine.Scope, b Operand) (*engine.Ciphertext, error) {
	if b.Ciphertext != nil {
		return b.Ciphertext, nil
	}
	ct, err := s.engine.Encrypt(b.Values)
	if err != nil {
		return nil, err
	}
	return engine.Track(scope, ct, "operand"), nil
}

func requireRelinearization(ev *engine.Evaluator) error {
	if !ev.HasRelinearizationKey() {
		return fmt.Errorf("%w: relinearization key required", domain.ErrMissingEvaluationKeys)
	}
	return nil
}

func relinearizeAndRescale(scope *engine.Scope, ev *engine.Evaluator, prod *engine.Ciphertext) (*engine.Ciphertext, error) {
	relin, err := ev.Relinearize(prod)
	if err != nil {
		return nil, err
	}
	engine.Track(scope, relin, "relinearized")
	scope.Release(prod, "product")
	if err := ev.Rescale(relin); err != nil {
		return nil, err
	}
	return relin, nil
}

func fill(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
