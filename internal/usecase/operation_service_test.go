package usecase

import (
	"context"
	"errors"
	"math"
	"testing"

	"fhe-engine/internal/domain"
	"fhe-engine/internal/engine"
)

// newEngineService は鍵生成済みの暗号エンジンを返す。
func newEngineService(t *testing.T, params domain.SchemeParameters) *engine.Service {
	t.Helper()

	svc := engine.NewService()
	if err := svc.Initialize(context.Background(), engine.InitOptions{Parameters: &params}); err != nil {
		t.Fatalf("failed to initialize engine: %v", err)
	}
	if err := svc.GenerateKeys(context.Background()); err != nil {
		t.Fatalf("failed to generate keys: %v", err)
	}
	t.Cleanup(svc.Dispose)
	return svc
}

func bfvTestParams() domain.SchemeParameters {
	return domain.SchemeParameters{Kind: domain.SchemeBFV, PolyModulusDegree: 4096, SecurityLevel: domain.Security128}
}

func bfvDeepTestParams() domain.SchemeParameters {
	return domain.SchemeParameters{Kind: domain.SchemeBFV, PolyModulusDegree: 8192, SecurityLevel: domain.Security128}
}

func bgvTestParams() domain.SchemeParameters {
	return domain.SchemeParameters{Kind: domain.SchemeBGV, PolyModulusDegree: 8192, SecurityLevel: domain.Security128}
}

func ckksTestParams() domain.SchemeParameters {
	return domain.SchemeParameters{
		Kind:              domain.SchemeCKKS,
		PolyModulusDegree: 8192,
		CoeffModulusBits:  []int{50, 40, 40, 40, 48},
		SecurityLevel:     domain.Security128,
		Scale:             domain.DefaultScale,
	}
}

func mustEncrypt(t *testing.T, svc *engine.Service, values ...float64) *engine.Ciphertext {
	t.Helper()

	ct, err := svc.Encrypt(values)
	if err != nil {
		t.Fatalf("failed to encrypt: %v", err)
	}
	t.Cleanup(ct.Release)
	return ct
}

// decryptResult は成功した Result を復号する。
func decryptResult(t *testing.T, svc *engine.Service, res Result) []float64 {
	t.Helper()

	if !res.Success {
		t.Fatalf("%s failed: %v", res.Operation, res.Err)
	}
	defer res.Result.Release()
	got, err := svc.Decrypt(res.Result)
	if err != nil {
		t.Fatalf("failed to decrypt: %v", err)
	}
	return got
}

func assertExact(t *testing.T, want, got []float64) {
	t.Helper()

	if len(want) != len(got) {
		t.Fatalf("want %d values, got %d", len(want), len(got))
	}
	for i := range want {
		if want[i] != got[i] {
			t.Errorf("slot %d: want %v, got %v", i, want[i], got[i])
		}
	}
}

func assertApprox(t *testing.T, want, got []float64, tol float64) {
	t.Helper()

	if len(want) != len(got) {
		t.Fatalf("want %d values, got %d", len(want), len(got))
	}
	for i := range want {
		if math.Abs(want[i]-got[i]) > tol {
			t.Errorf("slot %d: want %v ± %v, got %v", i, want[i], tol, got[i])
		}
	}
}

func TestOperationService_BFVArithmetic(t *testing.T) {
	svc := newEngineService(t, bfvTestParams())
	ops := NewOperationService(svc)
	ctx := context.Background()

	a := mustEncrypt(t, svc, 1, 2, 3)
	b := mustEncrypt(t, svc, 4, 5, 6)

	tests := []struct {
		name string
		run  func() Result
		want []float64
	}{
		{name: "multiply plaintext", run: func() Result { return ops.Multiply(ctx, a, Values(4, 5, 6)) }, want: []float64{4, 10, 18}},
		{name: "multiply ciphertext", run: func() Result { return ops.Multiply(ctx, a, Cipher(b)) }, want: []float64{4, 10, 18}},
		{name: "add ciphertext", run: func() Result { return ops.Add(ctx, a, Cipher(b)) }, want: []float64{5, 7, 9}},
		{name: "add plaintext", run: func() Result { return ops.Add(ctx, a, Values(10, 20, 30)) }, want: []float64{11, 22, 33}},
		{name: "subtract", run: func() Result { return ops.Subtract(ctx, a, Cipher(b)) }, want: []float64{-3, -3, -3}},
		{name: "negate", run: func() Result { return ops.Negate(ctx, a) }, want: []float64{-1, -2, -3}},
		{name: "square", run: func() Result { return ops.Square(ctx, b) }, want: []float64{16, 25, 36}},
		{name: "linear polynomial", run: func() Result { return ops.Polynomial(ctx, a, []float64{1, 2}) }, want: []float64{3, 5, 7}},
		{name: "constant polynomial", run: func() Result { return ops.Polynomial(ctx, a, []float64{7}) }, want: []float64{7, 7, 7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.run()
			assertExact(t, tt.want, decryptResult(t, svc, res))
		})
	}
}

func TestOperationService_CKKSSquare(t *testing.T) {
	svc := newEngineService(t, ckksTestParams())
	ops := NewOperationService(svc)

	x := mustEncrypt(t, svc, 1.5)
	res := ops.Square(context.Background(), x)
	if res.Operation != domain.OpSquare {
		t.Errorf("want operation square, got %s", res.Operation)
	}
	assertApprox(t, []float64{2.25}, decryptResult(t, svc, res), 1e-3)
}

func TestOperationService_CKKSPolynomial(t *testing.T) {
	svc := newEngineService(t, ckksTestParams())
	ops := NewOperationService(svc)

	x := mustEncrypt(t, svc, 0.5, -1, 2)
	coeffs := []float64{1, -2, 0.5, 0.25}

	want := make([]float64, 3)
	for i, v := range []float64{0.5, -1, 2} {
		want[i] = coeffs[0] + coeffs[1]*v + coeffs[2]*v*v + coeffs[3]*v*v*v
	}
	res := ops.Polynomial(context.Background(), x, coeffs)
	assertApprox(t, want, decryptResult(t, svc, res), 1e-2)
}

func TestOperationService_BGVPolynomial(t *testing.T) {
	svc := newEngineService(t, bgvTestParams())
	ops := NewOperationService(svc)

	x := mustEncrypt(t, svc, 1, 2, 3)
	res := ops.Polynomial(context.Background(), x, []float64{1, 2, 3, 4})
	assertExact(t, []float64{10, 49, 142}, decryptResult(t, svc, res))
}

func TestOperationService_BFVPolynomial(t *testing.T) {
	svc := newEngineService(t, bfvDeepTestParams())
	ops := NewOperationService(svc)

	x := mustEncrypt(t, svc, 1, 2, 3)
	res := ops.Polynomial(context.Background(), x, []float64{1, 2, 3, 4})
	assertExact(t, []float64{10, 49, 142}, decryptResult(t, svc, res))
}

func TestOperationService_PolynomialDepthExceeded(t *testing.T) {
	tests := []struct {
		name   string
		params domain.SchemeParameters
		coeffs []float64
	}{
		{name: "bfv 4096 degree 2", params: bfvTestParams(), coeffs: []float64{1, 2, 3}},
		{name: "bfv 4096 degree 3", params: bfvTestParams(), coeffs: []float64{1, 2, 3, 4}},
		{name: "bgv 8192 degree 4", params: bgvTestParams(), coeffs: []float64{1, 1, 1, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newEngineService(t, tt.params)
			ops := NewOperationService(svc)
			x := mustEncrypt(t, svc, 1, 2, 3)

			live := svc.Context().Stats().Live()
			res := ops.Polynomial(context.Background(), x, tt.coeffs)
			if res.Success {
				t.Fatal("want failure, got success")
			}
			if !errors.Is(res.Err, domain.ErrDepthExceeded) {
				t.Errorf("want ErrDepthExceeded, got %v", res.Err)
			}
			if res.Result != nil {
				t.Error("want no result handle")
			}
			if got := svc.Context().Stats().Live() - live; got != 0 {
				t.Errorf("want no live handles after failure, got %d", got)
			}
		})
	}
}

func TestOperationService_BFVMultiplyChainDepthExceeded(t *testing.T) {
	svc := newEngineService(t, bfvTestParams())
	ops := NewOperationService(svc)
	ctx := context.Background()

	x := mustEncrypt(t, svc, 2, 3)
	sq := ops.Square(ctx, x)
	if !sq.Success {
		t.Fatalf("square failed: %v", sq.Err)
	}
	defer sq.Result.Release()

	res := ops.Multiply(ctx, sq.Result, Cipher(x))
	if res.Success {
		t.Fatal("want failure, got success")
	}
	if !errors.Is(res.Err, domain.ErrDepthExceeded) {
		t.Errorf("want ErrDepthExceeded, got %v", res.Err)
	}
}

func TestOperationService_Rotate(t *testing.T) {
	svc := newEngineService(t, bfvTestParams())
	ops := NewOperationService(svc)
	ctx := context.Background()

	n := svc.RowSize()
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(i)
	}
	x := mustEncrypt(t, svc, values...)

	tests := []struct {
		name  string
		steps int
		first float64
		last  float64
	}{
		{name: "left by 3", steps: 3, first: 3, last: 2},
		{name: "right by 1", steps: -1, first: float64(n - 1), last: float64(n - 2)},
		{name: "full cycle", steps: n, first: 0, last: float64(n - 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decryptResult(t, svc, ops.Rotate(ctx, x, tt.steps))
			if got[0] != tt.first {
				t.Errorf("want first slot %v, got %v", tt.first, got[0])
			}
			if got[n-1] != tt.last {
				t.Errorf("want last slot %v, got %v", tt.last, got[n-1])
			}
		})
	}
}

func TestOperationService_CapabilityGating(t *testing.T) {
	bfv := NewOperationService(newEngineService(t, bfvTestParams()))
	if bfv.IsOperationSupported(domain.OpConjugate) {
		t.Error("conjugate should not be supported by BFV")
	}

	res := bfv.Conjugate(context.Background(), nil)
	if res.Success {
		t.Fatal("want failure, got success")
	}
	if !errors.Is(res.Err, domain.ErrUnsupportedOperation) {
		t.Errorf("want ErrUnsupportedOperation, got %v", res.Err)
	}
	if res.Operation != domain.OpConjugate {
		t.Errorf("want operation conjugate, got %s", res.Operation)
	}

	ckksSvc := newEngineService(t, ckksTestParams())
	ckks := NewOperationService(ckksSvc)
	res = ckks.RotateRows(context.Background(), mustEncrypt(t, ckksSvc, 1))
	if !errors.Is(res.Err, domain.ErrUnsupportedOperation) {
		t.Errorf("want ErrUnsupportedOperation, got %v", res.Err)
	}
}

func TestOperationService_EmptyPolynomial(t *testing.T) {
	svc := newEngineService(t, bfvTestParams())
	ops := NewOperationService(svc)

	res := ops.Polynomial(context.Background(), mustEncrypt(t, svc, 1), nil)
	if !errors.Is(res.Err, domain.ErrInvalidArgument) {
		t.Errorf("want ErrInvalidArgument, got %v", res.Err)
	}
}

func TestOperationService_MissingEvaluationKeys(t *testing.T) {
	svc := newEngineService(t, bfvTestParams())
	keys, err := svc.SerializeKeys(engine.SerializeOptions{})
	if err != nil {
		t.Fatalf("failed to serialize keys: %v", err)
	}
	keys.RelinKeys = nil
	keys.GaloisKeys = nil
	if err := svc.LoadKeys(keys); err != nil {
		t.Fatalf("failed to load keys: %v", err)
	}
	ops := NewOperationService(svc)
	ctx := context.Background()
	x := mustEncrypt(t, svc, 1, 2)

	for name, res := range map[string]Result{
		"multiply":   ops.Multiply(ctx, x, Values(2, 2)),
		"square":     ops.Square(ctx, x),
		"polynomial": ops.Polynomial(ctx, x, []float64{1, 1}),
		"rotate":     ops.Rotate(ctx, x, 1),
		"rotateRows": ops.RotateRows(ctx, x),
	} {
		if !errors.Is(res.Err, domain.ErrMissingEvaluationKeys) {
			t.Errorf("%s: want ErrMissingEvaluationKeys, got %v", name, res.Err)
		}
	}

	// 加算は評価鍵なしでも動く
	assertExact(t, []float64{2, 4}, decryptResult(t, svc, ops.Add(ctx, x, Cipher(x))))
}

func TestOperationService_ReleasesIntermediates(t *testing.T) {
	svc := newEngineService(t, bfvDeepTestParams())
	ops := NewOperationService(svc)
	ctx := context.Background()
	x := mustEncrypt(t, svc, 1, 2, 3)

	live := func() int64 { return svc.Context().Stats().Live() }

	before := live()
	res := ops.Polynomial(ctx, x, []float64{1, 2, 3})
	if !res.Success {
		t.Fatalf("polynomial failed: %v", res.Err)
	}
	if got := live() - before; got != 1 {
		t.Errorf("want only the result to stay live, got %d live handles", got)
	}
	res.Result.Release()

	before = live()
	res = ops.Add(ctx, x, Values(make([]float64, svc.Slots()+1)...))
	if res.Success {
		t.Fatal("want failure, got success")
	}
	if got := live() - before; got != 0 {
		t.Errorf("want no live handles after failure, got %d", got)
	}

	// 評価鍵を外し、係数の暗号化後に失敗させる
	keys, err := svc.SerializeKeys(engine.SerializeOptions{})
	if err != nil {
		t.Fatalf("failed to serialize keys: %v", err)
	}
	keys.RelinKeys = nil
	if err := svc.LoadKeys(keys); err != nil {
		t.Fatalf("failed to load keys: %v", err)
	}
	y := mustEncrypt(t, svc, 1)
	before = live()
	res = ops.Polynomial(ctx, y, []float64{1, 2})
	if !errors.Is(res.Err, domain.ErrMissingEvaluationKeys) {
		t.Fatalf("want ErrMissingEvaluationKeys, got %v", res.Err)
	}
	if got := live() - before; got != 0 {
		t.Errorf("want no live handles after failure, got %d", got)
	}
}

// mockEngine はテスト用のモックエンジン。
type mockEngine struct {
	schemeResult    domain.SchemeKind
	evaluatorResult *engine.Evaluator
	evaluatorErr    error
}

func (m *mockEngine) Scheme() domain.SchemeKind { return m.schemeResult }
func (m *mockEngine) RowSize() int              { return 8 }

func (m *mockEngine) Evaluator() (*engine.Evaluator, error) {
	return m.evaluatorResult, m.evaluatorErr
}

func (m *mockEngine) Encrypt(values []float64) (*engine.Ciphertext, error) {
	return nil, domain.ErrKeysNotGenerated
}

func (m *mockEngine) Encode(values []float64, like *engine.Ciphertext) (*engine.Plaintext, error) {
	return nil, domain.ErrKeysNotGenerated
}

func (m *mockEngine) EncodeMultiplier(values []float64, like *engine.Ciphertext) (*engine.Plaintext, error) {
	return nil, domain.ErrKeysNotGenerated
}

func (m *mockEngine) Detach(ct *engine.Ciphertext) (*engine.Ciphertext, error) {
	return ct, nil
}

func TestOperationService_EngineFailures(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		engine  *mockEngine
		wantErr error
	}{
		{
			name:    "not initialized",
			engine:  &mockEngine{},
			wantErr: domain.ErrNotInitialized,
		},
		{
			name:    "evaluator unavailable",
			engine:  &mockEngine{schemeResult: domain.SchemeCKKS, evaluatorErr: domain.ErrNotInitialized},
			wantErr: domain.ErrNotInitialized,
		},
		{
			name:    "operand encryption fails",
			engine:  &mockEngine{schemeResult: domain.SchemeCKKS, evaluatorResult: &engine.Evaluator{}},
			wantErr: domain.ErrKeysNotGenerated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewOperationService(tt.engine).Add(ctx, nil, Values(1))
			if res.Success {
				t.Fatal("want failure, got success")
			}
			if !errors.Is(res.Err, tt.wantErr) {
				t.Errorf("want %v, got %v", tt.wantErr, res.Err)
			}
		})
	}
}

func TestOperationService_RecoversPanics(t *testing.T) {
	// ゼロ値の評価器は内部のパラメータを持たないため、回転鍵の確認でパニックする
	ops := NewOperationService(&mockEngine{schemeResult: domain.SchemeCKKS, evaluatorResult: &engine.Evaluator{}})

	res := ops.Rotate(context.Background(), nil, 1)
	if res.Success {
		t.Fatal("want failure, got success")
	}
	if res.Err == nil || res.Operation != domain.OpRotate {
		t.Errorf("want recovered rotate failure, got %+v", res)
	}
}
