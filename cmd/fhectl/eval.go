package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"fhe-engine/internal/domain"
	"fhe-engine/internal/engine"
	"fhe-engine/internal/usecase"
)

// evalCmd は平文を暗号化して準同型演算を1回行い、復号した結果を表示する。
func evalCmd() *cobra.Command {
	var (
		opName string
		aFlag  string
		bFlag  string
		coeffs string
		steps  int
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Encrypt values, run one homomorphic operation and decrypt the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			op, ok := domain.ParseOperation(opName)
			if !ok {
				return fmt.Errorf("unknown operation %q", opName)
			}
			a, err := parseValues(aFlag)
			if err != nil {
				return fmt.Errorf("--a: %w", err)
			}

			ctx := context.Background()
			app, err := startApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			if app.Rotation.Degraded() {
				return fmt.Errorf("encryption engine unavailable (degraded mode)")
			}
			req := evalRequest{op: op, a: a, steps: steps}
			switch op {
			case domain.OpAdd, domain.OpSubtract, domain.OpMultiply:
				if req.b, err = parseValues(bFlag); err != nil {
					return fmt.Errorf("--b: %w", err)
				}
			case domain.OpPolynomial:
				if req.coeffs, err = parseValues(coeffs); err != nil {
					return fmt.Errorf("--coeffs: %w", err)
				}
			}

			values, err := evaluate(ctx, app.Engine, app.Operations, req)
			if err != nil {
				return err
			}

			if output == "json" {
				return printJSON(map[string]any{
					"operation": op,
					"scheme":    app.Engine.Scheme(),
					"keyId":     app.Rotation.GetActiveKeyID(),
					"result":    values,
				})
			}
			fmt.Println(formatValues(values, app.Engine.Scheme()))
			return nil
		},
	}
	cmd.Flags().StringVar(&opName, "op", "add", "Operation: add, subtract, multiply, square, negate, rotate, rotateRows, conjugate, polynomial")
	cmd.Flags().StringVar(&aFlag, "a", "", "Comma separated input values (required)")
	cmd.Flags().StringVar(&bFlag, "b", "", "Comma separated second operand for add, subtract and multiply")
	cmd.Flags().StringVar(&coeffs, "coeffs", "", "Comma separated polynomial coefficients, constant term first")
	cmd.Flags().IntVar(&steps, "steps", 1, "Rotation steps (positive is left)")
	cmd.MarkFlagRequired("a")
	return cmd
}

// evalRequest は eval の1回分の入力。
type evalRequest struct {
	op     domain.Operation
	a      []float64
	b      []float64
	coeffs []float64
	steps  int
}

// evaluate は req.a を暗号化して演算を1回行い、復号した値を返す。
// 入力と結果の暗号文は戻る前に解放する。
func evaluate(ctx context.Context, eng *engine.Service, ops *usecase.OperationService, req evalRequest) ([]float64, error) {
	ct, err := eng.Encrypt(req.a)
	if err != nil {
		return nil, err
	}
	defer ct.Release()

	var res usecase.Result
	switch req.op {
	case domain.OpAdd:
		res = ops.Add(ctx, ct, usecase.Values(req.b...))
	case domain.OpSubtract:
		res = ops.Subtract(ctx, ct, usecase.Values(req.b...))
	case domain.OpMultiply:
		res = ops.Multiply(ctx, ct, usecase.Values(req.b...))
	case domain.OpSquare:
		res = ops.Square(ctx, ct)
	case domain.OpNegate:
		res = ops.Negate(ctx, ct)
	case domain.OpRotate:
		res = ops.Rotate(ctx, ct, req.steps)
	case domain.OpRotateRows:
		res = ops.RotateRows(ctx, ct)
	case domain.OpConjugate:
		res = ops.Conjugate(ctx, ct)
	case domain.OpPolynomial:
		res = ops.Polynomial(ctx, ct, req.coeffs)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedOperation, req.op)
	}
	if !res.Success {
		return nil, fmt.Errorf("%s failed: %w", res.Operation, res.Err)
	}
	defer res.Result.Release()

	values, err := eng.Decrypt(res.Result)
	if err != nil {
		return nil, err
	}
	n := len(req.a)
	if req.op == domain.OpRotate || req.op == domain.OpRotateRows {
		n = min(len(values), max(n, eng.RowSize()))
	}
	return values[:n], nil
}

func parseValues(s string) ([]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("no values given")
	}
	parts := strings.Split(s, ",")
	values := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q", p)
		}
		values[i] = v
	}
	return values, nil
}

func formatValues(values []float64, scheme domain.SchemeKind) string {
	parts := make([]string, len(values))
	for i, v := range values {
		if scheme == domain.SchemeCKKS {
			parts[i] = strconv.FormatFloat(v, 'f', 6, 64)
		} else {
			parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return strings.Join(parts, ",")
}
