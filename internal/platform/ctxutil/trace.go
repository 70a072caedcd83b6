package ctxutil

import (
	"context"
	"strings"
)

type traceDataKey struct{}

// TraceData travels with a request so log lines from the handler, the
// orchestrator and the inference client can be correlated.
type TraceData struct {
	TraceID   string
	RequestID string
	CaseID    string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	if ctx == nil {
		return nil
	}
	if td, ok := ctx.Value(traceDataKey{}).(*TraceData); ok {
		return td
	}
	return nil
}

func RequestID(ctx context.Context) string {
	if td := GetTraceData(ctx); td != nil {
		return strings.TrimSpace(td.RequestID)
	}
	return ""
}

// WithCaseID returns a context whose trace data carries caseID. The parent's
// trace data is copied, never mutated.
func WithCaseID(ctx context.Context, caseID string) context.Context {
	next := TraceData{CaseID: caseID}
	if td := GetTraceData(ctx); td != nil {
		next.TraceID = td.TraceID
		next.RequestID = td.RequestID
	}
	return WithTraceData(ctx, &next)
}

// LogFields flattens the trace data into logger key/value pairs.
func LogFields(ctx context.Context) []any {
	td := GetTraceData(ctx)
	if td == nil {
		return nil
	}
	var out []any
	if td.TraceID != "" {
		out = append(out, "trace_id", td.TraceID)
	}
	if td.RequestID != "" {
		out = append(out, "request_id", td.RequestID)
	}
	if td.CaseID != "" {
		out = append(out, "case_id", td.CaseID)
	}
	return out
}
