package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/tempo/internal/observability"
	"github.com/harun/tempo/internal/tracing"
)

// MaxCommands is the largest batch the sync endpoint accepts
const MaxCommands = 100

const tracerName = "tempo.batch"

// ErrBatchTooLarge is returned before any network call
var ErrBatchTooLarge = errors.New("batch exceeds command limit")

// SyncResponse is the remote answer to a batch. SyncStatus values are the
// string "ok" or an error object.
type SyncResponse struct {
	SyncStatus    map[string]json.RawMessage `json:"sync_status"`
	TempIDMapping map[string]string          `json:"temp_id_mapping"`
	SyncToken     string                     `json:"sync_token"`
}

// Client sends a batch to the task service
type Client interface {
	Sync(ctx context.Context, commands []Command) (*SyncResponse, error)
}

// CommandResult is the outcome of one command
type CommandResult struct {
	UUID   string `json:"uuid"`
	Type   string `json:"type"`
	TempID string `json:"tempId,omitempty"`
	// ID is the real id of a created resource when the response maps it
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// BatchResult splits a batch into successful and failed commands.
// len(Successful)+len(Failed) always equals the number of submitted commands.
type BatchResult struct {
	Successful    []CommandResult   `json:"successful"`
	Failed        []CommandResult   `json:"failed"`
	TempIDMapping map[string]string `json:"tempIdMapping"`
	SyncToken     string            `json:"syncToken,omitempty"`
}

// OK reports whether every command succeeded
func (r *BatchResult) OK() bool {
	return len(r.Failed) == 0
}

// Pipeline executes command batches against a Client
type Pipeline struct {
	client   Client
	maxBatch int
	logger   zerolog.Logger
}

// NewPipeline creates a pipeline. maxBatch values outside 1..MaxCommands use MaxCommands.
func NewPipeline(client Client, maxBatch int, logger zerolog.Logger) *Pipeline {
	if maxBatch <= 0 || maxBatch > MaxCommands {
		maxBatch = MaxCommands
	}
	return &Pipeline{
		client:   client,
		maxBatch: maxBatch,
		logger:   logger.With().Str("component", "batch").Logger(),
	}
}

// ExecuteBatch sends commands in one sync call. A transport failure marks
// every command failed with the same error and is not returned as an error;
// only an oversized or malformed batch is.
func (p *Pipeline) ExecuteBatch(ctx context.Context, commands []Command) (result *BatchResult, err error) {
	if len(commands) > p.maxBatch {
		return nil, fmt.Errorf("%w: %d commands (max %d)", ErrBatchTooLarge, len(commands), p.maxBatch)
	}
	if err := checkUUIDs(commands); err != nil {
		return nil, err
	}

	result = &BatchResult{
		Successful:    []CommandResult{},
		Failed:        []CommandResult{},
		TempIDMapping: map[string]string{},
	}
	if len(commands) == 0 {
		return result, nil
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "batch.execute", attribute.Int("commands", len(commands)))
	defer func() { tracing.EndSpan(span, err) }()

	logger := tracing.LoggerFromContext(ctx, p.logger)
	defer func() {
		if result != nil {
			observability.RecordBatchCommands(len(result.Successful), len(result.Failed))
		}
	}()

	resp, syncErr := p.client.Sync(ctx, commands)
	if syncErr != nil {
		logger.Error().Err(syncErr).Int("commands", len(commands)).Msg("Batch sync failed")
		for _, cmd := range commands {
			result.Failed = append(result.Failed, failure(cmd, syncErr.Error()))
		}
		return result, nil
	}

	result.SyncToken = resp.SyncToken
	for _, cmd := range commands {
		raw, ok := resp.SyncStatus[cmd.UUID]
		if !ok {
			result.Failed = append(result.Failed, failure(cmd, "no status returned for command"))
			continue
		}
		if !isOK(raw) {
			result.Failed = append(result.Failed, failure(cmd, statusError(raw)))
			continue
		}

		res := CommandResult{UUID: cmd.UUID, Type: cmd.Type, TempID: cmd.TempID}
		if cmd.TempID != "" {
			if real, ok := resp.TempIDMapping[cmd.TempID]; ok {
				res.ID = real
				result.TempIDMapping[cmd.TempID] = real
			}
		}
		result.Successful = append(result.Successful, res)
	}

	logger.Info().
		Int("successful", len(result.Successful)).
		Int("failed", len(result.Failed)).
		Msg("Batch executed")
	return result, nil
}

func checkUUIDs(commands []Command) error {
	seen := make(map[string]bool, len(commands))
	for i, cmd := range commands {
		if cmd.UUID == "" {
			return fmt.Errorf("command %d has no uuid", i)
		}
		if seen[cmd.UUID] {
			return fmt.Errorf("duplicate command uuid %s", cmd.UUID)
		}
		seen[cmd.UUID] = true
	}
	return nil
}

func failure(cmd Command, msg string) CommandResult {
	return CommandResult{UUID: cmd.UUID, Type: cmd.Type, TempID: cmd.TempID, Error: msg}
}

func isOK(raw json.RawMessage) bool {
	v := gjson.ParseBytes(raw)
	return v.Type == gjson.String && v.String() == "ok"
}

// statusError keeps the remote error text, preferring its "error" field
func statusError(raw json.RawMessage) string {
	if msg := gjson.GetBytes(raw, "error"); msg.Exists() && msg.String() != "" {
		return msg.String()
	}
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "empty status"
	}
	return s
}
