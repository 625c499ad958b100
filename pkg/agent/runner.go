package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/tempo/internal/observability"
	"github.com/harun/tempo/internal/tracing"
	"github.com/harun/tempo/pkg/session"
	"github.com/harun/tempo/pkg/stream"
	"github.com/harun/tempo/pkg/toolexecutor"
)

const tracerName = "tempo.agent"

// Finish reasons written on the finish frame
const (
	FinishStop     = "stop"
	FinishMaxSteps = "max-steps"
)

// RunnerConfig holds runner configuration
type RunnerConfig struct {
	Tools      *toolexecutor.ToolExecutor
	Logger     zerolog.Logger
	MaxSteps   int
	MaxRetries int
	RetryBase  time.Duration
	RetryMax   time.Duration

	// Sleep waits between retries. Defaults to a context aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Runner drives the multi-step model loop of a turn
type Runner struct {
	tools      *toolexecutor.ToolExecutor
	logger     zerolog.Logger
	maxSteps   int
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a new agent runner
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries cannot be negative")
	}

	r := &Runner{
		tools:      cfg.Tools,
		logger:     cfg.Logger.With().Str("component", "agent").Logger(),
		maxSteps:   cfg.MaxSteps,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
		retryMax:   cfg.RetryMax,
		sleep:      cfg.Sleep,
	}
	if r.maxSteps <= 0 {
		r.maxSteps = 8
	}
	if r.retryBase <= 0 {
		r.retryBase = 500 * time.Millisecond
	}
	if r.retryMax < r.retryBase {
		r.retryMax = 16 * r.retryBase
	}
	if r.sleep == nil {
		r.sleep = sleepContext
	}
	return r, nil
}

// Stream starts the turn and returns its wire frames. The body ends with a
// finish frame, or with an error frame followed by a read error carrying the
// classified cause. Callers must Close the body.
func (r *Runner) Stream(ctx context.Context, params StreamParams) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		err := r.run(ctx, params, stream.NewEncoder(pw))
		_ = pw.CloseWithError(err)
	}()
	return pr
}

func (r *Runner) run(ctx context.Context, params StreamParams, enc *stream.Encoder) (err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.stream",
		attribute.String("session.id", params.SessionID),
		attribute.String("model", params.Model),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	if params.Provider == nil {
		return r.fail(ctx, enc, WithKind(KindConfiguration, errors.New("no provider selected")))
	}
	if params.Invoker == nil {
		return r.fail(ctx, enc, WithKind(KindInternal, errors.New("no tool invoker")))
	}

	messages := append([]AgentMessage(nil), params.Messages...)
	cfg := params.Step

	var (
		usage   stream.Usage
		steps   []stream.Step
		calls   []session.ToolCall
		results []session.ToolResult
	)

	for step := 0; step < r.maxSteps; step++ {
		if step > 0 && params.BeforeStep != nil {
			next, err := params.BeforeStep(ctx, step)
			if err != nil {
				return r.fail(ctx, enc, err)
			}
			if next != nil {
				cfg = *next
			}
		}

		resp, err := r.callWithRetry(ctx, params, cfg, messages, enc)
		if err != nil {
			return r.fail(ctx, enc, err)
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens

		current := stream.Step{Text: resp.Content}
		if len(resp.ToolCalls) == 0 {
			steps = append(steps, current)
			logger.Debug().Int("steps", len(steps)).Msg("Turn finished")
			return enc.Finish(stream.FinishFrame{
				FinishReason: FinishStop,
				Usage:        usage,
				ToolCalls:    calls,
				ToolResults:  results,
				Steps:        steps,
			})
		}

		for _, tc := range resp.ToolCalls {
			wire := tc.Wire()
			current.ToolCalls = append(current.ToolCalls, wire)
			if err := enc.ToolCall(wire); err != nil {
				return err
			}
		}

		outcomes := answer(resp.ToolCalls, params.Invoker.Invoke(ctx, Invocation{
			SessionID: params.SessionID,
			RequestID: params.RequestID,
			Mode:      cfg.Mode,
			Tools:     cfg.Tools,
			Calls:     resp.ToolCalls,
		}))

		messages = append(messages, AgentMessage{
			Role:      RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, outcome := range outcomes {
			wire := session.ToolResult{
				ToolCallID: outcome.ToolCallID,
				ToolName:   outcome.ToolName,
				Result:     encodeResult(outcome.Result),
			}
			current.ToolResults = append(current.ToolResults, wire)
			if err := enc.ToolResult(wire); err != nil {
				return err
			}
			messages = append(messages, AgentMessage{
				Role:       RoleTool,
				Content:    string(wire.Result),
				ToolCallID: outcome.ToolCallID,
			})
		}

		steps = append(steps, current)
		calls = append(calls, current.ToolCalls...)
		results = append(results, current.ToolResults...)
	}

	logger.Warn().Int("max_steps", r.maxSteps).Msg("Step limit reached")
	return enc.Finish(stream.FinishFrame{
		FinishReason: FinishMaxSteps,
		Usage:        usage,
		ToolCalls:    calls,
		ToolResults:  results,
		Steps:        steps,
	})
}

// callWithRetry streams one step. A transient failure is retried only
// while nothing of the step has reached the client.
func (r *Runner) callWithRetry(ctx context.Context, params StreamParams, cfg StepConfig, messages []AgentMessage, enc *stream.Encoder) (*LLMResponse, error) {
	llm, model := params.Provider, params.Model
	if cfg.Provider != nil && cfg.Model != "" {
		llm, model = cfg.Provider, cfg.Model
	}
	provider := llm.Provider()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("provider", provider).Logger()

	request := LLMRequest{
		Model:        model,
		Messages:     messages,
		Tools:        r.tools.Definitions(cfg.Tools),
		Temperature:  params.Temperature,
		MaxTokens:    params.MaxTokens,
		SystemPrompt: cfg.SystemPrompt,
	}
	if cfg.Temperature != nil {
		request.Temperature = *cfg.Temperature
	}

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		emitted := false
		var writeErr error

		stepCtx, cancel := context.WithCancel(ctx)
		resp, err := llm.Stream(stepCtx, request, func(delta string) {
			if writeErr != nil {
				return
			}
			emitted = true
			if werr := enc.TextDelta(delta); werr != nil {
				writeErr = werr
				cancel()
			}
		})
		cancel()

		if writeErr != nil {
			return nil, WithKind(KindInternal, fmt.Errorf("client stream closed: %w", writeErr))
		}
		observability.RecordProviderRequest(provider, err == nil)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if Classify(err) != KindProviderTransient || emitted || ctx.Err() != nil {
			return nil, err
		}
		if attempt == r.maxRetries {
			break
		}

		delay := r.backoff(attempt)
		observability.RecordProviderRetry(provider)
		logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after transient provider error")

		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", r.maxRetries, lastErr)
}

// backoff doubles from the base delay up to the cap, keeping between half
// and all of it
func (r *Runner) backoff(attempt int) time.Duration {
	d := r.retryBase << attempt
	if d <= 0 || d > r.retryMax {
		d = r.retryMax
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

// fail writes the error frame and returns the tagged cause
func (r *Runner) fail(ctx context.Context, enc *stream.Encoder, err error) error {
	kind := Classify(err)
	logger := tracing.LoggerFromContext(ctx, r.logger)
	logger.Error().
		Err(err).
		Str("kind", string(kind)).
		Msg("Turn aborted")

	if werr := enc.Error(stream.ErrorFrame{
		Kind:      string(kind),
		Message:   UserMessage(kind),
		Retryable: kind.Retryable(),
	}); werr != nil {
		r.logger.Debug().Err(werr).Msg("Failed to write error frame")
	}

	var tagged *KindError
	if errors.As(err, &tagged) {
		return err
	}
	return WithKind(kind, err)
}

// answer orders outcomes by call and fills in any call the invoker skipped
func answer(calls []ToolCall, outcomes []ToolOutcome) []ToolOutcome {
	byID := make(map[string]ToolOutcome, len(outcomes))
	for _, o := range outcomes {
		byID[o.ToolCallID] = o
	}
	out := make([]ToolOutcome, 0, len(calls))
	for _, call := range calls {
		o, ok := byID[call.ID]
		if !ok {
			o = ToolOutcome{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Result:     map[string]interface{}{"success": false, "error": "tool produced no result"},
			}
		}
		if o.ToolName == "" {
			o.ToolName = call.Name
		}
		out = append(out, o)
	}
	return out
}

func encodeResult(v interface{}) json.RawMessage {
	if raw, ok := v.(json.RawMessage); ok && len(raw) > 0 {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return json.RawMessage(`{}`)
	}
	return data
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
