package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/tempo/internal/observability"
	"github.com/harun/tempo/internal/tracing"
	"github.com/harun/tempo/pkg/events"
	"github.com/harun/tempo/pkg/toolexecutor"
)

const tracerName = "tempo.orchestrator"

type registration struct {
	kind    toolexecutor.EffectKind
	handler Handler
}

// Orchestrator runs the side effects declared by pure tools. Effects run
// one at a time, in priority then kind order.
type Orchestrator struct {
	handlers map[string]registration
	sink     events.Sink
	logger   zerolog.Logger
	mu       sync.RWMutex
}

// Option is a functional option for configuring the Orchestrator
type Option func(*Orchestrator)

// WithSink sets where progress events are published
func WithSink(sink events.Sink) Option {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

// WithLogger sets the logger for the orchestrator
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger.With().Str("component", "orchestrator").Logger()
	}
}

// New creates a new Orchestrator with an empty dispatch table
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		handlers: make(map[string]registration),
		sink:     events.Nop{},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register binds an operation name to a handler accepting effects of kind
func (o *Orchestrator) Register(operation string, kind toolexecutor.EffectKind, handler Handler) error {
	if operation == "" {
		return fmt.Errorf("operation name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler for %s cannot be nil", operation)
	}
	switch kind {
	case toolexecutor.KindMutation, toolexecutor.KindQuery, toolexecutor.KindExternalCall:
	default:
		return fmt.Errorf("invalid effect kind %q for %s", kind, operation)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.handlers[operation]; exists {
		return fmt.Errorf("operation already registered: %s", operation)
	}
	o.handlers[operation] = registration{kind: kind, handler: handler}
	return nil
}

// Operations lists the registered operation names, sorted
func (o *Orchestrator) Operations() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	ops := make([]string, 0, len(o.handlers))
	for op := range o.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Order flattens the effects of every result into execution order: priority
// high to low, then mutation, query, external-call. Ties keep input order.
// DependsOn is not consulted.
func Order(results []toolexecutor.ToolResult) []toolexecutor.SideEffect {
	var effects []toolexecutor.SideEffect
	for _, res := range results {
		for _, effect := range res.SideEffects {
			if effect.Source == "" {
				effect.Source = res.ToolCallID
			}
			effects = append(effects, effect)
		}
	}

	sort.SliceStable(effects, func(i, j int) bool {
		pi, pj := effects[i].Priority.Rank(), effects[j].Priority.Rank()
		if pi != pj {
			return pi < pj
		}
		return effects[i].Type.Rank() < effects[j].Type.Rank()
	})
	return effects
}

// Orchestrate executes every side effect of results. A failing effect is
// recorded and never stops the ones after it.
func (o *Orchestrator) Orchestrate(ctx context.Context, call ToolCallContext, results []toolexecutor.ToolResult) *OrchestrationResult {
	ctx, span := tracing.StartSpan(ctx, tracerName, "orchestrator.orchestrate",
		attribute.String("session.id", call.SessionID),
		attribute.Int("tool_results", len(results)),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, o.logger)
	out := &OrchestrationResult{Success: true, SideEffectResults: []SideEffectResult{}, Events: []events.Event{}}

	for _, res := range results {
		o.publish(ctx, out, events.Event{
			Type:       events.TypeToolCallStarted,
			SessionID:  call.SessionID,
			RequestID:  call.RequestID,
			ToolCallID: res.ToolCallID,
			ToolName:   res.ToolName,
		})
		if !res.Success {
			out.Success = false
		}
	}

	effects := Order(results)
	for _, effect := range effects {
		result := o.execute(ctx, call, effect)
		out.SideEffectResults = append(out.SideEffectResults, result)

		ev := events.Event{
			Type:       events.TypeSideEffect,
			SessionID:  call.SessionID,
			RequestID:  call.RequestID,
			ToolCallID: effect.Source,
			Operation:  effect.Operation,
			Success:    boolPtr(result.Success),
			Data:       result.Data,
			Error:      result.Error,
		}
		o.publish(ctx, out, ev)

		if !result.Success {
			out.Success = false
			ev.Type = events.TypeError
			ev.Data = nil
			o.publish(ctx, out, ev)
		}
	}

	for _, res := range results {
		success := res.Success
		for _, effect := range out.ForSource(res.ToolCallID) {
			success = success && effect.Success
		}
		ev := events.Event{
			Type:       events.TypeToolResult,
			SessionID:  call.SessionID,
			RequestID:  call.RequestID,
			ToolCallID: res.ToolCallID,
			ToolName:   res.ToolName,
			Success:    boolPtr(success),
		}
		if !res.Success {
			ev.Error = res.Error
		}
		o.publish(ctx, out, ev)
	}

	out.Summary = summarize(results, out.SideEffectResults)
	span.SetAttributes(attribute.Bool("success", out.Success), attribute.Int("side_effects", len(effects)))

	logger.Debug().
		Int("tool_results", len(results)).
		Int("side_effects", len(effects)).
		Bool("success", out.Success).
		Msg("Orchestration completed")
	return out
}

func (o *Orchestrator) execute(ctx context.Context, call ToolCallContext, effect toolexecutor.SideEffect) (result SideEffectResult) {
	start := time.Now()
	result = SideEffectResult{
		Operation: effect.Operation,
		Type:      effect.Type,
		Priority:  effect.Priority,
		Source:    effect.Source,
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "orchestrator.side_effect",
		attribute.String("operation", effect.Operation),
		attribute.String("kind", string(effect.Type)),
	)
	var err error
	defer func() {
		result.Duration = time.Since(start)
		if err != nil {
			result.Error = err.Error()
		}
		result.Success = err == nil
		tracing.EndSpan(span, err)
		observability.RecordSideEffect(effect.Operation, result.Duration, result.Success)
		observability.RecordSideEffectAudit(ctx, effect.Operation, string(effect.Type), result.Success, map[string]interface{}{
			"source":   effect.Source,
			"priority": string(effect.Priority),
			"error":    result.Error,
		})
	}()

	o.mu.RLock()
	reg, ok := o.handlers[effect.Operation]
	o.mu.RUnlock()

	switch {
	case !ok:
		err = fmt.Errorf("no handler for operation %s", effect.Operation)
		return result
	case reg.kind != effect.Type:
		err = fmt.Errorf("operation %s expects a %s effect, got %s", effect.Operation, reg.kind, effect.Type)
		return result
	}

	if cerr := ctx.Err(); cerr != nil {
		err = fmt.Errorf("side effect skipped: %w", cerr)
		return result
	}

	result.Data, err = invoke(ctx, reg.handler, call, effect)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Warn().
			Err(err).
			Str("operation", effect.Operation).
			Str("source", effect.Source).
			Msg("Side effect failed")
	}
	return result
}

func invoke(ctx context.Context, handler Handler, call ToolCallContext, effect toolexecutor.SideEffect) (data interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("side effect panicked: %v", r)
		}
	}()
	return handler(ctx, call, effect)
}

// publish records the event and forwards it to the sink. Sink failures are
// logged only.
func (o *Orchestrator) publish(ctx context.Context, out *OrchestrationResult, ev events.Event) {
	out.Events = append(out.Events, ev)

	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn().Interface("panic", r).Str("event", ev.Type).Msg("Event sink panicked")
		}
	}()
	if err := o.sink.Publish(ctx, ev); err != nil {
		o.logger.Warn().Err(err).Str("event", ev.Type).Msg("Failed to publish event")
	}
}

func summarize(results []toolexecutor.ToolResult, effects []SideEffectResult) string {
	failedTools := 0
	for _, res := range results {
		if !res.Success {
			failedTools++
		}
	}

	var failures []string
	for _, effect := range effects {
		if !effect.Success {
			failures = append(failures, fmt.Sprintf("%s: %s", effect.Operation, effect.Error))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d tool call(s), %d failed; %d side effect(s), %d failed",
		len(results), failedTools, len(effects), len(failures))
	if len(failures) > 0 {
		b.WriteString(" (" + strings.Join(failures, "; ") + ")")
	}
	return b.String()
}

func boolPtr(b bool) *bool {
	return &b
}
