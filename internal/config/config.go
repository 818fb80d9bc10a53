package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Family identifies a provider protocol family. The set is closed: each
// family has exactly one adapter implementation in internal/llm.
type Family string

const (
	FamilyOpenAI    Family = "openai"
	FamilyGoogle    Family = "google"
	FamilyAnthropic Family = "anthropic"
)

// Config is the root configuration loaded from config.yaml.
type Config struct {
	DefaultProvider string                     `mapstructure:"default_provider"`
	DefaultModel    string                     `mapstructure:"default_model"`
	ContextBudget   int                        `mapstructure:"context_budget"` // tokens, 0 = no compression
	MaxTurns        int                        `mapstructure:"max_turns"`      // tool loop cap, 0 = default
	StorePath       string                     `mapstructure:"store_path"`     // sqlite path, empty = default
	LogLevel        string                     `mapstructure:"log_level"`
	Providers       map[string]ProviderSetting `mapstructure:"providers"`
	MCPServers      map[string]MCPServer       `mapstructure:"mcp_servers"`
}

// ProviderSetting configures one upstream endpoint. Family selects the
// adapter; the remaining fields are interpreted by that adapter. The map key
// in Config.Providers is the stable id referenced by conversations.
type ProviderSetting struct {
	ID              string         `mapstructure:"-"`
	Name            string         `mapstructure:"name"`
	Family          Family         `mapstructure:"family"`
	Enabled         bool           `mapstructure:"enabled"`
	BaseURL         string         `mapstructure:"base_url"`
	APIKey          string         `mapstructure:"api_key"`
	ChatPath        string         `mapstructure:"chat_path"`         // OpenAI family: override of /chat/completions
	UseResponsesAPI bool           `mapstructure:"use_responses_api"` // OpenAI family: stateful responses endpoint
	Proxy           *ProxyConfig   `mapstructure:"proxy"`
	Balance         *BalanceConfig `mapstructure:"balance"`
	Models          []Model        `mapstructure:"models"`
}

// Model identifies a callable endpoint within a provider. Models are value
// types: edits replace the whole entry, nothing mutates one in place.
type Model struct {
	ID             string         `mapstructure:"id"`
	DisplayName    string         `mapstructure:"display_name"`
	Modalities     []string       `mapstructure:"modalities"` // "text", "image"
	Abilities      []string       `mapstructure:"abilities"`  // "tools", "reasoning"
	Headers        []CustomHeader `mapstructure:"headers"`
	Bodies         []CustomBody   `mapstructure:"bodies"`
	SearchOverride *bool          `mapstructure:"search_override"` // overrides the family's native search capability
	ContextWindow  int            `mapstructure:"context_window"`  // tokens, 0 = unknown
}

// CustomHeader is one outbound header override. Entries with a blank name
// are ignored; later entries win on name conflicts.
type CustomHeader struct {
	Name  string `mapstructure:"name"`
	Value string `mapstructure:"value"`
}

// CustomBody is one request-body override, deep-merged into the composed
// request body (see llm.MergeCustomBody). Entries with a blank key are
// ignored.
type CustomBody struct {
	Key   string `mapstructure:"key"`
	Value any    `mapstructure:"value"`
}

// ProxyConfig configures the outbound proxy for a provider's transport.
type ProxyConfig struct {
	Type     string `mapstructure:"type"` // "none" or "http"
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// BalanceConfig describes how to query a provider's remaining balance.
// ResultPath is a dotted path into the JSON response, e.g.
// "data.total_available".
type BalanceConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	ResultPath string `mapstructure:"result_path"`
}

// MCPServer configures one MCP server reached over stdio.
type MCPServer struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Enabled bool              `mapstructure:"enabled"`
}

// HasAbility reports whether the model declares the named ability.
func (m Model) HasAbility(name string) bool {
	for _, a := range m.Abilities {
		if a == name {
			return true
		}
	}
	return false
}

// Provider returns the setting with the given id, with ID populated.
func (c *Config) Provider(id string) (ProviderSetting, bool) {
	s, ok := c.Providers[id]
	if !ok {
		return ProviderSetting{}, false
	}
	s.ID = id
	return s, true
}

// FindModel returns the model with the given id from this setting.
func (s ProviderSetting) FindModel(id string) (Model, bool) {
	for _, m := range s.Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// ConfigDir returns the strand config directory.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "strand"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "strand"), nil
}

// DataDir returns the strand data directory (the sqlite store lives here).
func DataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "strand"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "strand"), nil
}

// Load reads configuration from the given file, or from the default
// location when path is empty. A missing file yields defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		dir, err := ConfigDir()
		if err != nil {
			return nil, err
		}
		v.AddConfigPath(dir)
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("STRAND")
	v.AutomaticEnv()

	v.SetDefault("log_level", "warn")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	for id, p := range cfg.Providers {
		p.ID = id
		cfg.Providers[id] = p
	}

	return &cfg, nil
}
