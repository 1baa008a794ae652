// Package config loads the server configuration from YAML with
// environment expansion. Unknown keys are rejected so typos fail at
// startup instead of silently falling back to defaults.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderConfig  `yaml:"provider"`
	Logging   LoggingConfig   `yaml:"logging"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	WebSearch WebSearchConfig `yaml:"web_search"`
}

// ServerConfig configures the websocket gateway.
type ServerConfig struct {
	// Addr is the listen address. Default ":4242".
	Addr string `yaml:"addr"`

	// AuthToken, when set, is required on every prompt.
	AuthToken string `yaml:"auth_token"`
}

// ProviderConfig selects and configures the LLM backend.
type ProviderConfig struct {
	// Kind is "anthropic" or "openai".
	Kind string `yaml:"kind"`

	// APIKey falls back to ANTHROPIC_API_KEY or OPENAI_API_KEY when
	// empty.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the API endpoint (proxies, test servers).
	BaseURL string `yaml:"base_url"`

	// Model is the default model when a template names none.
	Model string `yaml:"model"`

	// MaxTokens caps each model turn; 0 keeps the provider default.
	MaxTokens int `yaml:"max_tokens"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is debug, info, warn, or error. Default "info".
	Level string `yaml:"level"`

	// Format is "json" or "text". Default "json".
	Format string `yaml:"format"`

	AddSource bool `yaml:"add_source"`
}

// RuntimeConfig tunes the agent runtime.
type RuntimeConfig struct {
	// ChildSteps is the step budget for spawned children; 0 keeps the
	// default.
	ChildSteps int `yaml:"child_steps"`
}

// WebSearchConfig enables the web_search tool. An empty backend leaves
// the tool disabled; calls then return an error result.
type WebSearchConfig struct {
	// Backend is "searxng" or "brave".
	Backend string `yaml:"backend"`

	// BaseURL is the SearXNG instance URL.
	BaseURL string `yaml:"base_url"`

	// APIKey is the Brave subscription token; falls back to
	// BRAVE_API_KEY.
	APIKey string `yaml:"api_key"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":4242",
		},
		Provider: ProviderConfig{
			Kind: "anthropic",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a config file, expanding ${VAR} references from the
// environment. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		cfg.applyEnv()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("parse config %s: expected a single document", path)
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// applyEnv fills credentials from the conventional environment
// variables when the file leaves them empty.
func (c *Config) applyEnv() {
	if c.Provider.APIKey == "" {
		switch c.Provider.Kind {
		case "anthropic":
			c.Provider.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			c.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if c.WebSearch.Backend == "brave" && c.WebSearch.APIKey == "" {
		c.WebSearch.APIKey = os.Getenv("BRAVE_API_KEY")
	}
}

// Validate rejects configurations that cannot start a server.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Provider.Kind {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("provider.kind must be anthropic or openai, got %q", c.Provider.Kind)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if c.Runtime.ChildSteps < 0 {
		return fmt.Errorf("runtime.child_steps must not be negative")
	}
	switch c.WebSearch.Backend {
	case "", "searxng", "brave":
	default:
		return fmt.Errorf("web_search.backend must be searxng or brave, got %q", c.WebSearch.Backend)
	}
	return nil
}
