package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/tempo/internal/observability"
	"github.com/harun/tempo/internal/tracing"
)

// ToolPolicy is the set of tools a caller may run. A nil policy allows all.
type ToolPolicy struct {
	Allow []string `json:"allow"`
}

// NewToolPolicy builds a policy from a permitted tool list
func NewToolPolicy(allowed []string) *ToolPolicy {
	return &ToolPolicy{Allow: append([]string(nil), allowed...)}
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		return true
	}
	for _, allowed := range tp.Allow {
		if allowed == toolName {
			return true
		}
	}
	return false
}

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Required    bool                   `json:"required"`
	Default     interface{}            `json:"default,omitempty"`
	Enum        []interface{}          `json:"enum,omitempty"`
	Items       map[string]interface{} `json:"items,omitempty"` // element schema for arrays
}

// ToolHandler computes a result and the side effects needed to realize it
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, []SideEffect, error)

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// ToolSpec is the provider facing description of a tool
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ExecutionContext provides runtime information for tool execution
type ExecutionContext struct {
	SessionID  string
	RequestID  string
	Mode       string
	ToolCallID string
	ToolPolicy *ToolPolicy
}

// ToolResult is the outcome of one pure tool execution
type ToolResult struct {
	ToolName    string                 `json:"toolName"`
	ToolCallID  string                 `json:"toolCallId,omitempty"`
	Success     bool                   `json:"success"`
	Data        interface{}            `json:"data,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	SideEffects []SideEffect           `json:"sideEffects,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

type registeredTool struct {
	def    ToolDefinition
	schema *gojsonschema.Schema
	raw    map[string]interface{}
}

// ToolExecutor manages and executes tools
type ToolExecutor struct {
	tools  map[string]*registeredTool
	logger zerolog.Logger
	mu     sync.RWMutex
}

// New creates a new ToolExecutor
func New(logger zerolog.Logger) *ToolExecutor {
	return &ToolExecutor{
		tools:  make(map[string]*registeredTool),
		logger: logger.With().Str("component", "toolexecutor").Logger(),
	}
}

// RegisterTool registers a tool, compiling its parameter schema
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	raw := buildSchema(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	te.tools[def.Name] = &registeredTool{def: def, schema: schema, raw: raw}

	te.logger.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// GetTool returns a tool definition, or nil
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	if t, ok := te.tools[name]; ok {
		def := t.def
		return &def
	}
	return nil
}

// ListTools returns all registered tool names, sorted
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	names := make([]string, 0, len(te.tools))
	for name := range te.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns provider specs for the named tools, skipping unknown names
func (te *ToolExecutor) Definitions(names []string) []ToolSpec {
	te.mu.RLock()
	defer te.mu.RUnlock()

	specs := make([]ToolSpec, 0, len(names))
	for _, name := range names {
		t, ok := te.tools[name]
		if !ok {
			continue
		}
		specs = append(specs, ToolSpec{
			Name:        t.def.Name,
			Description: t.def.Description,
			InputSchema: t.raw,
		})
	}
	return specs
}

// Execute validates params and runs the tool. Every failure, including a
// handler panic, comes back as a failed ToolResult.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) (result ToolResult) {
	start := time.Now()
	logger := tracing.LoggerFromContext(ctx, te.logger).With().Str("tool", toolName).Logger()

	result = ToolResult{ToolName: toolName}
	if execCtx != nil {
		result.ToolCallID = execCtx.ToolCallID
	}
	defer func() {
		observability.RecordToolExecution(toolName, time.Since(start), result.Success)
	}()

	if execCtx != nil && !execCtx.ToolPolicy.IsToolAllowed(toolName) {
		logger.Warn().Str("mode", execCtx.Mode).Msg("Tool execution blocked by mode policy")
		result.Error = fmt.Sprintf("tool '%s' is not allowed in mode %s", toolName, execCtx.Mode)
		result.Metadata = map[string]interface{}{"policy_violation": true}
		return result
	}

	te.mu.RLock()
	tool := te.tools[toolName]
	te.mu.RUnlock()

	if tool == nil {
		logger.Warn().Msg("Tool not found")
		result.Error = fmt.Sprintf("tool not found: %s", toolName)
		return result
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	if err := validateParameters(tool.schema, params); err != nil {
		logger.Warn().Err(err).Msg("Parameter validation failed")
		result.Error = fmt.Sprintf("parameter validation failed: %v", err)
		return result
	}

	if err := ctx.Err(); err != nil {
		result.Error = fmt.Sprintf("tool execution cancelled: %v", err)
		return result
	}

	data, effects, err := invoke(ContextWithExecContext(ctx, execCtx), tool.def.Handler, params)
	result.Metadata = map[string]interface{}{"duration": time.Since(start).Milliseconds()}
	if err != nil {
		logger.Warn().Err(err).Msg("Tool execution failed")
		result.Error = err.Error()
		return result
	}

	for i := range effects {
		if effects[i].Priority == "" {
			effects[i].Priority = PriorityNormal
		}
		if effects[i].Source == "" {
			effects[i].Source = result.ToolCallID
		}
		if err := effects[i].validate(); err != nil {
			logger.Error().Err(err).Msg("Tool produced an invalid side effect")
			result.Error = err.Error()
			return result
		}
	}

	result.Success = true
	result.Data = data
	result.SideEffects = effects

	logger.Debug().Int("side_effects", len(effects)).Msg("Tool execution completed")
	return result
}

func invoke(ctx context.Context, handler ToolHandler, params map[string]interface{}) (data interface{}, effects []SideEffect, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return handler(ctx, params)
}

var validParamTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validParamTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
	}
	return nil
}

func buildSchema(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		prop := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			prop["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			prop["enum"] = param.Enum
		}
		if param.Type == "array" && param.Items != nil {
			prop["items"] = param.Items
		}
		properties[param.Name] = prop

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}
	return nil
}
