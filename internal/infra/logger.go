package infra

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"fhe-engine/config"
)

// TraceHandler はスパンのトレースIDをログに付与するslogハンドラ。
// GOOGLE_CLOUD_PROJECT が設定されていれば Cloud Logging のトレース連携フィールドも出す。
type TraceHandler struct {
	next        slog.Handler
	tracePrefix string
	enabled     bool
}

// NewTraceHandler は next をトレース情報付きで包む。
func NewTraceHandler(next slog.Handler, cfg *config.Config) *TraceHandler {
	h := &TraceHandler{next: next, enabled: cfg.OtelEnabled}
	if cfg.GoogleCloudProject != "" {
		h.tracePrefix = "projects/" + cfg.GoogleCloudProject + "/traces/"
	}
	return h
}

func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle はスパンが有効な場合だけトレース属性を追加する。
func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.enabled {
		return h.next.Handle(ctx, r)
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return h.next.Handle(ctx, r)
	}

	traceID := sc.TraceID().String()
	spanID := sc.SpanID().String()
	r.AddAttrs(
		slog.String("trace", traceID),
		slog.String("spanId", spanID),
		slog.Bool("traceSampled", sc.IsSampled()),
	)
	if h.tracePrefix != "" {
		r.AddAttrs(
			slog.String("logging.googleapis.com/trace", h.tracePrefix+traceID),
			slog.String("logging.googleapis.com/spanId", spanID),
		)
	}
	return h.next.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{next: h.next.WithAttrs(attrs), tracePrefix: h.tracePrefix, enabled: h.enabled}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{next: h.next.WithGroup(name), tracePrefix: h.tracePrefix, enabled: h.enabled}
}

// ParseLevel はLOG_LEVELの文字列をslogのレベルに変換する。不明な値はINFO。
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redactKeyMaterial はバイト列の属性を長さだけに置き換える。
// 鍵や暗号文のバイト列をログに出さない。
func redactKeyMaterial(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindAny {
		return a
	}
	if b, ok := a.Value.Any().([]byte); ok {
		return slog.String(a.Key, fmt.Sprintf("<%d bytes>", len(b)))
	}
	return a
}

// NewLogger は JSON 出力、鍵マテリアルの伏せ字、トレース連携を備えたロガーを返す。
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	jsonHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(cfg.LogLevel),
		ReplaceAttr: redactKeyMaterial,
	})
	return slog.New(NewTraceHandler(jsonHandler, cfg)).With(
		"service", cfg.OtelServiceName,
		"runtime", string(cfg.Runtime),
	)
}

// SetupLogger は NewLogger をグローバルロガーとして設定する。
func SetupLogger(cfg *config.Config, w io.Writer) {
	slog.SetDefault(NewLogger(cfg, w))
}
