package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":4242" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Provider.Kind != "anthropic" {
		t.Errorf("provider kind = %q", cfg.Provider.Kind)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9999"
  auth_token: hunter2
provider:
  kind: openai
  model: gpt-4.1
logging:
  level: debug
  format: text
runtime:
  child_steps: 12
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9999" || cfg.Server.AuthToken != "hunter2" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Provider.Kind != "openai" || cfg.Provider.Model != "gpt-4.1" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Runtime.ChildSteps != 12 {
		t.Errorf("child_steps = %d", cfg.Runtime.ChildSteps)
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_RUNTIME_TOKEN", "from-env")
	path := writeConfig(t, `
server:
  auth_token: ${TEST_RUNTIME_TOKEN}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.AuthToken != "from-env" {
		t.Errorf("auth_token = %q", cfg.Server.AuthToken)
	}
}

func TestLoad_APIKeyFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	path := writeConfig(t, `
provider:
  kind: openai
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.APIKey != "sk-test" {
		t.Errorf("api_key = %q", cfg.Provider.APIKey)
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
server:
  adress: ":1234"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("typo in config key did not fail")
	}
}

func TestValidate_BadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"bad provider", func(c *Config) { c.Provider.Kind = "bedrock" }, "provider.kind"},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"negative steps", func(c *Config) { c.Runtime.ChildSteps = -1 }, "child_steps"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}
