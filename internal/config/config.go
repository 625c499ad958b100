package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main Tempo configuration
type Config struct {
	// HTTP server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Conversation store and session locks
	Store StoreConfig `json:"store" mapstructure:"store"`
	Lock  LockConfig  `json:"lock" mapstructure:"lock"`

	// Models
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// AI configuration
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Agent behavior
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Modes
	Modes ModesConfig `json:"modes" mapstructure:"modes"`

	// Task/calendar integrations
	Integrations IntegrationsConfig `json:"integrations" mapstructure:"integrations"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds gateway server configuration
type ServerConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
	// Per-client limits on POST /v1/chat
	RequestsPerMinute int   `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int   `json:"max_concurrent" mapstructure:"max_concurrent"`
	MaxBodyBytes      int64 `json:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// StoreConfig selects the conversation store backend
type StoreConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // memory, sqlite
	Path   string `json:"path" mapstructure:"path"`
}

// LockConfig holds session lock settings
type LockConfig struct {
	TTLSeconds    int    `json:"ttl_seconds" mapstructure:"ttl_seconds"`
	ReapSchedule  string `json:"reap_schedule" mapstructure:"reap_schedule"`
	ReapOnStartup bool   `json:"reap_on_startup" mapstructure:"reap_on_startup"`
}

// ModelsConfig holds model configuration
type ModelsConfig struct {
	Default string            `json:"default" mapstructure:"default"`
	Aliases map[string]string `json:"aliases" mapstructure:"aliases"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string   `json:"id" mapstructure:"id"`
	Provider string   `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string   `json:"api_key" mapstructure:"api_key"`
	Models   []string `json:"models" mapstructure:"models"`
	Priority int      `json:"priority" mapstructure:"priority"`
}

// AgentConfig tunes the streaming tool loop
type AgentConfig struct {
	MaxTokens       int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature     float64 `json:"temperature" mapstructure:"temperature"`
	MaxSteps        int     `json:"max_steps" mapstructure:"max_steps"`
	MaxRetries      int     `json:"max_retries" mapstructure:"max_retries"`
	RetryBaseMs     int     `json:"retry_base_ms" mapstructure:"retry_base_ms"`
	RetryMaxMs      int     `json:"retry_max_ms" mapstructure:"retry_max_ms"`
	RepetitionLimit int     `json:"repetition_limit" mapstructure:"repetition_limit"`
	SystemPrompt    string  `json:"system_prompt" mapstructure:"system_prompt"`
}

// ModesConfig holds mode registry settings
type ModesConfig struct {
	Default    string `json:"default" mapstructure:"default"`
	CustomFile string `json:"custom_file" mapstructure:"custom_file"`
	Watch      bool   `json:"watch" mapstructure:"watch"`
}

// IntegrationsConfig configures the task and calendar services
type IntegrationsConfig struct {
	Mode           string `json:"mode" mapstructure:"mode"` // memory, http
	TasksURL       string `json:"tasks_url" mapstructure:"tasks_url"`
	TasksToken     string `json:"tasks_token" mapstructure:"tasks_token"`
	CalendarURL    string `json:"calendar_url" mapstructure:"calendar_url"`
	CalendarToken  string `json:"calendar_token" mapstructure:"calendar_token"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxBatchSize   int    `json:"max_batch_size" mapstructure:"max_batch_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			Host:              "0.0.0.0",
			RequestsPerMinute: 60,
			MaxConcurrent:     4,
			MaxBodyBytes:      1 << 20,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Lock: LockConfig{
			TTLSeconds:    15,
			ReapSchedule:  "@every 1m",
			ReapOnStartup: true,
		},
		Models: ModelsConfig{
			Default: "claude-sonnet-4-20250514",
			Aliases: map[string]string{
				"sonnet": "claude-sonnet-4-20250514",
				"haiku":  "claude-3-5-haiku-latest",
				"gpt4o":  "gpt-4o",
			},
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Agent: AgentConfig{
			MaxTokens:       4096,
			Temperature:     0.3,
			MaxSteps:        8,
			MaxRetries:      3,
			RetryBaseMs:     500,
			RetryMaxMs:      8000,
			RepetitionLimit: 3,
		},
		Modes: ModesConfig{
			Default: "primary",
			Watch:   true,
		},
		Integrations: IntegrationsConfig{
			Mode:           "memory",
			TimeoutSeconds: 20,
			MaxBatchSize:   100,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "tempo",
			SampleRatio: 1,
		},
	}
}

// LockTTL returns the session lock TTL as a duration
func (c *Config) LockTTL() time.Duration {
	if c.Lock.TTLSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Lock.TTLSeconds) * time.Second
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidatePort(c.Server.Port); err != nil {
		return err
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for sqlite driver")
		}
	default:
		return fmt.Errorf("invalid store driver %s (must be: memory, sqlite)", c.Store.Driver)
	}

	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if err := v.ValidateProvider(profile.Provider); err != nil {
			return fmt.Errorf("AI profile %s: %w", profile.ID, err)
		}
	}

	if err := v.ValidateTemperature(c.Agent.Temperature); err != nil {
		return err
	}
	if err := v.ValidateMaxTokens(c.Agent.MaxTokens); err != nil {
		return err
	}
	if c.Agent.RepetitionLimit < 2 {
		return fmt.Errorf("repetition limit must be at least 2, got %d", c.Agent.RepetitionLimit)
	}

	switch c.Integrations.Mode {
	case "memory":
	case "http":
		if c.Integrations.TasksURL == "" {
			return fmt.Errorf("tasks_url is required when integrations mode is http")
		}
	default:
		return fmt.Errorf("invalid integrations mode %s (must be: memory, http)", c.Integrations.Mode)
	}
	if c.Integrations.MaxBatchSize <= 0 || c.Integrations.MaxBatchSize > 100 {
		return fmt.Errorf("max batch size must be between 1 and 100, got %d", c.Integrations.MaxBatchSize)
	}

	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}
	if err := v.ValidateSchedule(c.Lock.ReapSchedule); err != nil {
		return err
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio must be between 0 and 1, got %v", c.Tracing.SampleRatio)
	}

	return nil
}
