package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"auditcore/pkg/types"
)

// SpanContextProvider reads trace identity from the OpenTelemetry span
// context carried by the request context. An unsampled or absent span
// yields empty fields.
type SpanContextProvider struct{}

// Current implements types.ContextProvider.
func (SpanContextProvider) Current(ctx context.Context) types.RequestContext {
	rc := types.RequestContext{}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		rc.TraceID = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		rc.SpanID = sc.SpanID().String()
	}
	return rc
}

// ChainProvider queries providers in order; the first non-empty field
// wins. Later providers only fill fields still missing.
type ChainProvider []types.ContextProvider

// Current implements types.ContextProvider.
func (c ChainProvider) Current(ctx context.Context) types.RequestContext {
	rc := types.RequestContext{}
	for _, p := range c {
		got := p.Current(ctx)
		if rc.CorrelationID == "" {
			rc.CorrelationID = got.CorrelationID
		}
		if rc.TraceID == "" {
			rc.TraceID = got.TraceID
		}
		if rc.SpanID == "" {
			rc.SpanID = got.SpanID
		}
		if rc.UserID == "" {
			rc.UserID = got.UserID
		}
	}
	return rc
}
