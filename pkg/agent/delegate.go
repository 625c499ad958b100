package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/tempo/internal/tracing"
	"github.com/harun/tempo/pkg/mode"
	"github.com/harun/tempo/pkg/orchestrator"
	"github.com/harun/tempo/pkg/stream"
)

// RunStatus represents the state of a delegated run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunRecord represents one delegated run
type RunRecord struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"sessionId"`
	RequestID   string     `json:"requestId"`
	Mode        string     `json:"mode"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// DelegatorConfig holds delegator configuration
type DelegatorConfig struct {
	Runner    *Runner
	Registry  *mode.Registry
	Models    ModelResolver
	Toolbox   *Toolbox
	MaxTokens int
	Logger    zerolog.Logger
	// Retention bounds how many finished runs are kept per session
	Retention int
}

// Delegator runs delegated instructions as a nested turn in another mode
// and returns its final text
type Delegator struct {
	cfg    DelegatorConfig
	logger zerolog.Logger

	mu   sync.RWMutex
	runs map[string][]*RunRecord
}

// NewDelegator creates a delegator
func NewDelegator(cfg DelegatorConfig) (*Delegator, error) {
	if cfg.Runner == nil || cfg.Registry == nil || cfg.Models == nil || cfg.Toolbox == nil {
		return nil, fmt.Errorf("runner, registry, models and toolbox are required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 20
	}
	return &Delegator{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "delegator").Logger(),
		runs:   make(map[string][]*RunRecord),
	}, nil
}

// Delegate implements orchestrator.Delegator
func (d *Delegator) Delegate(ctx context.Context, call orchestrator.ToolCallContext, target, instructions string) (interface{}, error) {
	logger := tracing.LoggerFromContext(ctx, d.logger).With().Str("target_mode", target).Logger()

	m, ok := d.cfg.Registry.GetMode(target)
	if !ok {
		return nil, fmt.Errorf("unknown mode: %s", target)
	}
	if call.Mode != "" && call.Mode == m.Name {
		return nil, fmt.Errorf("cannot delegate to the current mode %s", target)
	}
	if strings.TrimSpace(instructions) == "" {
		return nil, fmt.Errorf("delegation needs instructions")
	}

	selection, err := d.cfg.Models.Resolve(m.Model)
	if err != nil {
		return nil, err
	}

	record := d.start(call, m.Name)
	logger.Info().Str("run_id", record.ID).Msg("Delegated run started")

	body := d.cfg.Runner.Stream(tracing.WithMode(ctx, m.Name), StreamParams{
		SessionID: call.SessionID,
		RequestID: call.RequestID + ":" + record.ID,
		Provider:  selection.Provider,
		Model:     selection.Model,
		Messages:  []AgentMessage{{Role: RoleUser, Content: instructions}},
		Step: StepConfig{
			Mode:         m.Name,
			Tools:        nestedTools(d.cfg.Registry.FilterTools(m.Name, d.cfg.Runner.tools.ListTools())),
			SystemPrompt: delegatedPrompt(m),
			Temperature:  m.Temperature,
		},
		MaxTokens: d.cfg.MaxTokens,
		Invoker:   d.cfg.Toolbox.ForTurn(),
	})
	defer body.Close()

	output, toolCalls, err := drain(body)
	d.finish(record, err)
	if err != nil {
		logger.Warn().Err(err).Str("run_id", record.ID).Msg("Delegated run failed")
		return nil, fmt.Errorf("delegated run in %s failed: %w", m.Name, err)
	}

	logger.Info().Str("run_id", record.ID).Int("tool_calls", toolCalls).Msg("Delegated run completed")
	return map[string]interface{}{
		"mode":      m.Name,
		"runId":     record.ID,
		"output":    output,
		"toolCalls": toolCalls,
	}, nil
}

// nestedTools drops the session-level controls. A nested run shares the
// parent session, so it must not move its mode or delegate again.
func nestedTools(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name == mode.SwitchTool || name == mode.DelegationTool {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Runs lists the delegated runs of a session, newest first
func (d *Delegator) Runs(sessionID string) []RunRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	records := d.runs[sessionID]
	out := make([]RunRecord, 0, len(records))
	for _, r := range records {
		out = append(out, *r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func (d *Delegator) start(call orchestrator.ToolCallContext, target string) *RunRecord {
	id, err := gonanoid.New(12)
	if err != nil {
		id = fmt.Sprintf("run%d", time.Now().UnixNano())
	}
	record := &RunRecord{
		ID:        id,
		SessionID: call.SessionID,
		RequestID: call.RequestID,
		Mode:      target,
		Status:    RunRunning,
		StartedAt: time.Now(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	records := append(d.runs[call.SessionID], record)
	if len(records) > d.cfg.Retention {
		records = records[len(records)-d.cfg.Retention:]
	}
	d.runs[call.SessionID] = records
	return record
}

func (d *Delegator) finish(record *RunRecord, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	record.CompletedAt = &now
	record.Status = RunCompleted
	if err != nil {
		record.Status = RunFailed
		record.Error = err.Error()
	}
}

// drain reads a nested turn to the end and returns its text
func drain(body io.Reader) (string, int, error) {
	decoder := stream.NewDecoder()
	text := &stream.TextAccumulator{}
	collector := stream.NewCollector()
	var frameErr error

	handle := func(frames []stream.Frame) {
		for _, f := range frames {
			if f.Type() == stream.TypeError && frameErr == nil {
				frameErr = errors.New(errorMessage(f))
			}
			text.Add(f)
			collector.Add(f)
		}
	}

	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			handle(decoder.Push(buf[:n]))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			handle(decoder.Flush())
			if frameErr != nil {
				return "", 0, frameErr
			}
			return "", 0, err
		}
	}
	handle(decoder.Flush())
	if frameErr != nil {
		return "", 0, frameErr
	}

	output := text.Text()
	if output == "" {
		output = stream.Summarize(collector.Results())
	}
	return output, len(collector.Calls()), nil
}

func errorMessage(f stream.Frame) string {
	if msg := f.Get("error.message"); msg != "" {
		return msg
	}
	return "delegated run failed"
}

func delegatedPrompt(m mode.Mode) string {
	prompt := fmt.Sprintf("You are running in %s mode on behalf of another assistant. %s", m.Name, m.Description)
	if m.Prompt != "" {
		prompt += "\n" + m.Prompt
	}
	return prompt + "\nAnswer with the result of the work only."
}
