package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext adds the request scoped ids in ctx to a logger
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := baseLogger.With()

	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.SessionID != "" {
		lc = lc.Str("session_id", tc.SessionID)
	}
	if tc.RequestID != "" {
		lc = lc.Str("request_id", tc.RequestID)
	}
	if tc.Mode != "" {
		lc = lc.Str("mode", tc.Mode)
	}

	return lc.Logger()
}

// PropagateToMode derives the context for a delegated run in another mode.
// The trace and session stay the same.
func PropagateToMode(ctx context.Context, mode string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	return WithMode(ctx, mode)
}

// Detach returns a context that survives cancellation of ctx and keeps
// its tracing values, for cleanup that must run after a client disconnects.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
