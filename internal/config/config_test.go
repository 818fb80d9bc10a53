package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
log_level: debug
default_provider: openai
max_turns: 6
context_budget: 16000
providers:
  openai:
    name: OpenAI
    family: openai
    enabled: true
    base_url: https://api.openai.com/v1
    api_key: sk-test
    models:
      - id: gpt-4o
        display_name: GPT-4o
        abilities: [tools]
        context_window: 128000
        headers:
          - name: X-Team
            value: research
        bodies:
          - key: reasoning
            value:
              effort: high
  local:
    name: Local
    family: openai
    enabled: false
    base_url: http://localhost:8080
mcp_servers:
  fs:
    command: mcp-fs
    args: ["--root", "/tmp"]
    enabled: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.DefaultProvider != "openai" {
		t.Errorf("default provider = %q", cfg.DefaultProvider)
	}
	if cfg.MaxTurns != 6 || cfg.ContextBudget != 16000 {
		t.Errorf("limits = %d/%d", cfg.MaxTurns, cfg.ContextBudget)
	}

	setting, ok := cfg.Provider("openai")
	if !ok {
		t.Fatal("provider openai missing")
	}
	if setting.ID != "openai" {
		t.Errorf("provider id = %q, want map key backfilled", setting.ID)
	}
	if setting.Family != FamilyOpenAI {
		t.Errorf("family = %q", setting.Family)
	}

	model, ok := setting.FindModel("gpt-4o")
	if !ok {
		t.Fatal("model gpt-4o missing")
	}
	if !model.HasAbility("tools") {
		t.Error("tools ability not parsed")
	}
	if model.ContextWindow != 128000 {
		t.Errorf("context window = %d", model.ContextWindow)
	}
	if len(model.Headers) != 1 || model.Headers[0].Name != "X-Team" {
		t.Errorf("headers = %+v", model.Headers)
	}
	if len(model.Bodies) != 1 || model.Bodies[0].Key != "reasoning" {
		t.Errorf("bodies = %+v", model.Bodies)
	}

	srv, ok := cfg.MCPServers["fs"]
	if !ok {
		t.Fatal("mcp server fs missing")
	}
	if srv.Command != "mcp-fs" || len(srv.Args) != 2 || !srv.Enabled {
		t.Errorf("mcp server = %+v", srv)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("default log level = %q", cfg.LogLevel)
	}
	if len(cfg.Providers) != 0 {
		t.Errorf("providers = %+v", cfg.Providers)
	}
}

func TestFindModelMiss(t *testing.T) {
	s := ProviderSetting{Models: []Model{{ID: "a"}}}
	if _, ok := s.FindModel("b"); ok {
		t.Error("unknown model must not resolve")
	}
}
