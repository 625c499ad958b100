package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file, then applies TEMPO_* environment overrides
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := viper.New()
	v.SetEnvPrefix("TEMPO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyCredentialEnv(cfg)

	// Set data directory if not specified
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".tempo")
	}

	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "tempo.db")
	}
	if cfg.Logging.AuditFile == "" {
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.log")
	}

	return cfg, nil
}

// bindEnv registers the keys viper cannot discover from the env alone
func bindEnv(v *viper.Viper) {
	keys := []string{
		"server.port",
		"server.host",
		"server.shared_secret",
		"server.requests_per_minute",
		"store.driver",
		"store.path",
		"lock.ttl_seconds",
		"models.default",
		"modes.default",
		"modes.custom_file",
		"integrations.mode",
		"integrations.tasks_url",
		"integrations.tasks_token",
		"integrations.calendar_url",
		"integrations.calendar_token",
		"logging.level",
		"tracing.enabled",
		"tracing.sample_ratio",
		"data_dir",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// applyCredentialEnv adds provider profiles from well-known API key variables
func applyCredentialEnv(cfg *Config) {
	known := map[string]string{
		"anthropic": os.Getenv("ANTHROPIC_API_KEY"),
		"openai":    os.Getenv("OPENAI_API_KEY"),
	}
	for _, provider := range []string{"anthropic", "openai"} {
		key := known[provider]
		if key == "" || hasProvider(cfg, provider) {
			continue
		}
		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
			ID:       provider + "-env",
			Provider: provider,
			APIKey:   key,
			Priority: len(cfg.AI.Profiles),
		})
	}
}

func hasProvider(cfg *Config, provider string) bool {
	for _, profile := range cfg.AI.Profiles {
		if profile.Provider == provider {
			return true
		}
	}
	return false
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".tempo", "tempo.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
