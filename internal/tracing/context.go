package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// SessionIDKey is the context key for the conversation session
	SessionIDKey ContextKey = "session_id"
	// RequestIDKey is the context key for the caller supplied request ID
	RequestIDKey ContextKey = "request_id"
	// ModeKey is the context key for the mode a turn is running in
	ModeKey ContextKey = "mode"
)

// TraceContext holds tracing information for one chat request
type TraceContext struct {
	TraceID   string
	SessionID string
	RequestID string
	Mode      string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func WithMode(ctx context.Context, mode string) context.Context {
	return context.WithValue(ctx, ModeKey, mode)
}

func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

func GetSessionID(ctx context.Context) string {
	return stringValue(ctx, SessionIDKey)
}

func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, RequestIDKey)
}

func GetMode(ctx context.Context) string {
	return stringValue(ctx, ModeKey)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		SessionID: GetSessionID(ctx),
		RequestID: GetRequestID(ctx),
		Mode:      GetMode(ctx),
	}
}

// NewContext copies the non-empty fields of tc onto ctx
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	if tc.Mode != "" {
		ctx = WithMode(ctx, tc.Mode)
	}
	return ctx
}

// NewRequestContext stamps a chat request with a fresh trace ID
func NewRequestContext(ctx context.Context, sessionID, requestID string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	if sessionID != "" {
		ctx = WithSessionID(ctx, sessionID)
	}
	return WithRequestID(ctx, requestID)
}
