package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/reviewflow/internal/config"
	"github.com/pitabwire/reviewflow/model"
)

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func reviewerContext() context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID:     "bob",
		Role:          "Reviewer",
		CorrelationID: "corr-7",
	})
}

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		level      string
		enabled    zapcore.Level
		suppressed zapcore.Level
	}{
		{"debug", zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{"info", zapcore.InfoLevel, zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel, zapcore.InfoLevel},
		{"bogus", zapcore.InfoLevel, zapcore.DebugLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.level})
			if err != nil {
				t.Fatalf("NewLogger(%q) error = %v", tt.level, err)
			}
			if !logger.Core().Enabled(tt.enabled) {
				t.Errorf("%v should be enabled", tt.enabled)
			}
			if logger.Core().Enabled(tt.suppressed) {
				t.Errorf("%v should be suppressed", tt.suppressed)
			}
		})
	}
}

func TestLoggerFrom(t *testing.T) {
	stored, fallback := zap.NewNop(), zap.NewNop()

	if got := LoggerFrom(WithLogger(context.Background(), stored), fallback); got != stored {
		t.Error("LoggerFrom should prefer the request logger")
	}
	if got := LoggerFrom(context.Background(), fallback); got != fallback {
		t.Error("LoggerFrom should fall back without a request logger")
	}
}

func TestRequestLogger_transitionFields(t *testing.T) {
	logger, logs := observedLogger()

	RequestLogger(reviewerContext(), logger).Info("transition applied",
		zap.String("document_id", "doc-1"),
		zap.String("action", "approve"),
	)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	for key, want := range map[string]string{
		"actor_id":       "bob",
		"role":           "Reviewer",
		"correlation_id": "corr-7",
		"document_id":    "doc-1",
		"action":         "approve",
	} {
		if got := fields[key]; got != want {
			t.Errorf("%s = %v, want %q", key, got, want)
		}
	}
	for _, key := range []string{"trace_id", "span_id"} {
		if _, ok := fields[key]; ok {
			t.Errorf("%s should be absent outside a trace", key)
		}
	}
}

func TestRequestLogger_carriesActiveSpan(t *testing.T) {
	setupTestTracer(t)
	logger, logs := observedLogger()

	ctx, root := StartSpan(context.Background(), "POST /v1/documents/doc-1/workflow/reset")
	defer root.End()
	ctx = model.WithRequestContext(ctx, &model.RequestContext{
		SubjectID: "ada", Role: "Admin", CorrelationID: "corr-9", TraceID: TraceIDFromContext(ctx),
	})
	ctx, reset := StartSpan(ctx, "workflow.reset", AttrDocumentID.String("doc-1"))
	defer reset.End()

	RequestLogger(ctx, logger).Info("workflow reset")

	fields := logs.All()[0].ContextMap()
	if got := fields["trace_id"]; got != reset.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v, want the request trace", got)
	}
	if got := fields["span_id"]; got != reset.SpanContext().SpanID().String() {
		t.Errorf("span_id = %v, want the workflow.reset span", got)
	}
}

func TestRequestLogger_withoutActor(t *testing.T) {
	logger, logs := observedLogger()

	RequestLogger(context.Background(), logger).Warn("reconcile sweep failed")

	if got := logs.All()[0].ContextMap(); len(got) != 0 {
		t.Errorf("fields = %v, want none", got)
	}
}

func TestRedactBody_advanceMetadata(t *testing.T) {
	metadata := map[string]any{
		"comment":  "Looks good after the second pass",
		"token":    "abc.def.ghi",
		"ticket":   "DOC-12",
		"reviewer": map[string]any{"name": "bob", "api_key": "k-123"},
	}

	redacted := RedactBody(metadata, []string{"ticket"})

	want := map[string]any{
		"comment": "Looks good after the second pass",
		"token":   "[REDACTED]",
		"ticket":  "[REDACTED]",
	}
	for k, v := range want {
		if redacted[k] != v {
			t.Errorf("%s = %v, want %v", k, redacted[k], v)
		}
	}
	reviewer, ok := redacted["reviewer"].(map[string]any)
	if !ok {
		t.Fatalf("reviewer = %T, want nested map", redacted["reviewer"])
	}
	if reviewer["name"] != "bob" || reviewer["api_key"] != "[REDACTED]" {
		t.Errorf("reviewer = %v", reviewer)
	}

	if metadata["token"] != "abc.def.ghi" {
		t.Error("RedactBody mutated the request metadata")
	}
	if RedactBody(nil, nil) != nil {
		t.Error("RedactBody(nil) should stay nil")
	}
}
