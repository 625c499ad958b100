package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "t1")
	ctx = WithSessionID(ctx, "s1")
	ctx = WithRequestID(ctx, "r1")
	ctx = WithMode(ctx, "planner")

	tc := FromContext(ctx)
	assert.Equal(t, "t1", tc.TraceID)
	assert.Equal(t, "s1", tc.SessionID)
	assert.Equal(t, "r1", tc.RequestID)
	assert.Equal(t, "planner", tc.Mode)
}

func TestMissingValues(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))
	assert.Empty(t, GetSessionID(nil)) //nolint:staticcheck
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background(), "", "req-1")

	assert.NotEmpty(t, GetTraceID(ctx))
	assert.Empty(t, GetSessionID(ctx))
	assert.Equal(t, "req-1", GetRequestID(ctx))
}

func TestNewContextRoundTrip(t *testing.T) {
	src := &TraceContext{TraceID: "t", SessionID: "s", RequestID: "r"}
	ctx := NewContext(context.Background(), src)

	got := FromContext(ctx)
	assert.Equal(t, src.TraceID, got.TraceID)
	assert.Equal(t, src.SessionID, got.SessionID)
	assert.Empty(t, got.Mode)
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := NewContext(context.Background(), &TraceContext{TraceID: "t1", SessionID: "s1", RequestID: "r1"})
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("x")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"t1"`)
	assert.Contains(t, out, `"session_id":"s1"`)
	assert.Contains(t, out, `"request_id":"r1"`)
	assert.NotContains(t, out, `"mode"`)
}

func TestPropagateToMode(t *testing.T) {
	parent := WithSessionID(WithTraceID(context.Background(), "t1"), "s1")
	child := PropagateToMode(parent, "executor")

	assert.Equal(t, "t1", GetTraceID(child))
	assert.Equal(t, "s1", GetSessionID(child))
	assert.Equal(t, "executor", GetMode(child))

	fresh := PropagateToMode(context.Background(), "planner")
	assert.NotEmpty(t, GetTraceID(fresh))
}

func TestDetach(t *testing.T) {
	ctx, cancel := context.WithCancel(WithRequestID(context.Background(), "r1"))
	cancel()

	detached := Detach(ctx)
	assert.NoError(t, detached.Err())
	assert.Equal(t, "r1", GetRequestID(detached))
}

func TestStartSpan(t *testing.T) {
	provider, err := Setup(context.Background(), Options{ServiceName: "tempo-test", SampleRatio: 1})
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
	}()

	t.Run("should put the trace id in the context", func(t *testing.T) {
		ctx, span := StartSpan(context.Background(), "tempo/test", "unit")
		assert.NotEmpty(t, GetTraceID(ctx))
		EndSpan(span, errors.New("boom"))
	})

	t.Run("should keep a trace id already set", func(t *testing.T) {
		ctx, span := StartSpan(WithTraceID(context.Background(), "given"), "tempo/test", "unit")
		defer EndSpan(span, nil)
		assert.Equal(t, "given", GetTraceID(ctx))
	})
}

func TestSetup(t *testing.T) {
	t.Run("should reject a sample ratio out of range", func(t *testing.T) {
		_, err := Setup(context.Background(), Options{SampleRatio: 2})
		assert.Error(t, err)
	})

	t.Run("should treat a nil provider as shut down", func(t *testing.T) {
		var p *Provider
		assert.NoError(t, p.Shutdown(context.Background()))
	})
}
