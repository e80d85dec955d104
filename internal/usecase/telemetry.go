package usecase

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "fhe-engine/internal/usecase"

// newOperationCounter は fhe.operations カウンタを生成する。
func newOperationCounter() metric.Int64Counter {
	counter, err := otel.Meter(instrumentationName).Int64Counter("fhe.operations",
		metric.WithDescription("Number of homomorphic and key lifecycle operations by outcome"),
	)
	if err != nil {
		slog.Warn("failed to create operation counter", "error", err)
		counter, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter("fhe.operations")
	}
	return counter
}

func recordOperation(ctx context.Context, counter metric.Int64Counter, op, scheme string, success bool) {
	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("scheme", scheme),
		attribute.Bool("success", success),
	))
}
