package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Log.Level)
	}
	if cfg.Assistant.ConfidenceThreshold != 0.7 {
		t.Errorf("expected threshold 0.7, got %v", cfg.Assistant.ConfidenceThreshold)
	}
	if cfg.Assistant.ReasoningPermission != "ai.generate" {
		t.Errorf("unexpected reasoning permission %q", cfg.Assistant.ReasoningPermission)
	}
	if cfg.Orchestrator.HealthTTL != 30*time.Second || !cfg.Orchestrator.AutoSelection {
		t.Errorf("unexpected orchestrator defaults %+v", cfg.Orchestrator)
	}
	if len(cfg.Skills.Enabled) != 5 {
		t.Errorf("expected built-in skills enabled, got %v", cfg.Skills.Enabled)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "avva.yaml")
	writeFile(t, path, `
assistant:
  name: Jarvis
orchestrator:
  health_ttl: 10s
providers:
  - id: ollama
    kind: ollama
    active: true
    settings:
      model: llama3.2
      base_url: http://localhost:11434
  - id: claude
    kind: claude
    fallback: true
    privacy_level: trusted_cloud
governance:
  rules:
    - id: no-launch
      effect: deny
      tool: launch_*
      reason: launching is disabled
skills:
  mcp:
    - name: weather
      command: weather-mcp
      args: [--units, metric]
      permissions: [network.read]
      intents:
        - phrase: "regex:weather in (.+)"
          call: get_forecast("$1")
`)
	t.Setenv("AVVA_ORCHESTRATOR__RULES_ONLY", "true")
	t.Setenv("AVVA_LOG__LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Assistant.Name != "Jarvis" || cfg.Orchestrator.HealthTTL != 10*time.Second {
		t.Errorf("file values not applied: %+v %+v", cfg.Assistant, cfg.Orchestrator)
	}
	if !cfg.Orchestrator.RulesOnly || cfg.Log.Level != "debug" {
		t.Errorf("env overrides not applied: rules_only=%v level=%s", cfg.Orchestrator.RulesOnly, cfg.Log.Level)
	}
	if len(cfg.Providers) != 2 || cfg.Providers[0].Setting("model", "") != "llama3.2" {
		t.Fatalf("unexpected providers %+v", cfg.Providers)
	}
	if cfg.Providers[1].PrivacyLevel != "trusted_cloud" || !cfg.Providers[1].Fallback {
		t.Errorf("unexpected claude provider %+v", cfg.Providers[1])
	}
	if len(cfg.Governance.Rules) != 1 || cfg.Governance.Rules[0].Tool != "launch_*" {
		t.Errorf("unexpected governance rules %+v", cfg.Governance.Rules)
	}
	if len(cfg.Skills.MCP) != 1 {
		t.Fatalf("unexpected mcp servers %+v", cfg.Skills.MCP)
	}
	if m := cfg.Skills.MCP[0]; m.Command != "weather-mcp" || len(m.Args) != 2 || len(m.Intents) != 1 || m.Intents[0].Call != `get_forecast("$1")` {
		t.Errorf("unexpected mcp server %+v", m)
	}
}

func TestLoadWithProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "avva.yaml")
	writeFile(t, path, "log:\n  level: info\nassistant:\n  name: Avva\n")
	writeFile(t, filepath.Join(dir, "avva.dev.yaml"), "log:\n  level: debug\n")

	cfg, err := LoadWith(LoadOptions{Path: path, Profile: "dev"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "debug" || cfg.Assistant.Name != "Avva" {
		t.Errorf("profile overlay not merged: %+v %+v", cfg.Log, cfg.Assistant)
	}

	t.Setenv("AVVA_PROFILE", "dev")
	cfg, err = Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("AVVA_PROFILE not honoured, level=%s", cfg.Log.Level)
	}
}

func TestLoadWithCLI(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "avva.yaml")
	writeFile(t, path, "assistant:\n  confidence_threshold: 0.8\n")
	t.Setenv("AVVA_ASSISTANT__STREAM", "false")

	cfg, err := LoadWithCLI([]string{
		"ask", "hello",
		"--config", path,
		"--set", "assistant.stream=true",
		"--set=orchestrator.breaker_failures=5",
		"--set", "skills.enabled=[\"clock\"]",
		"--set", "server.addr=0.0.0.0:9000",
	})
	if err != nil {
		t.Fatalf("LoadWithCLI failed: %v", err)
	}
	if cfg.Assistant.ConfidenceThreshold != 0.8 {
		t.Errorf("file value lost, threshold=%v", cfg.Assistant.ConfidenceThreshold)
	}
	if !cfg.Assistant.Stream {
		t.Error("--set should win over the environment")
	}
	if cfg.Orchestrator.BreakerFailures != 5 {
		t.Errorf("breaker_failures = %d", cfg.Orchestrator.BreakerFailures)
	}
	if len(cfg.Skills.Enabled) != 1 || cfg.Skills.Enabled[0] != "clock" {
		t.Errorf("skills.enabled = %v", cfg.Skills.Enabled)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Errorf("server.addr = %s", cfg.Server.Addr)
	}
}

func TestParseCLIArgsErrors(t *testing.T) {
	tests := [][]string{
		{"--config"},
		{"--set"},
		{"--set", "invalid"},
		{"--set", "=value"},
	}
	for _, args := range tests {
		if _, err := parseCLIArgs(args); err == nil {
			t.Errorf("expected error for %v", args)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		set  []string
	}{
		{"threshold above one", []string{"assistant.confidence_threshold=1.5"}},
		{"unknown driver", []string{"storage.driver=postgres"}},
		{"provider without id", []string{`providers=[{"kind":"ollama"}]`}},
		{"duplicate provider", []string{`providers=[{"id":"a","kind":"ollama"},{"id":"a","kind":"claude"}]`}},
		{"two active", []string{`providers=[{"id":"a","kind":"ollama","active":true},{"id":"b","kind":"claude","active":true}]`}},
		{"mcp without name", []string{`skills.mcp=[{"command":"x"}]`}},
		{"mcp with command and url", []string{`skills.mcp=[{"name":"x","command":"x","url":"http://localhost"}]`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadWith(LoadOptions{Overrides: tt.set}); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestProfilePath(t *testing.T) {
	if got := ProfilePath("/etc/avva/avva.yaml", "prod"); got != "/etc/avva/avva.prod.yaml" {
		t.Errorf("ProfilePath = %s", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	writeFile(t, path, "AVVA_TEST_DOTENV=from-file\nAVVA_TEST_PRESET=from-file\n")
	t.Setenv("AVVA_TEST_PRESET", "from-env")
	t.Cleanup(func() { os.Unsetenv("AVVA_TEST_DOTENV") })

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if os.Getenv("AVVA_TEST_DOTENV") != "from-file" {
		t.Error("dotenv value not loaded")
	}
	if os.Getenv("AVVA_TEST_PRESET") != "from-env" {
		t.Error("dotenv must not override the environment")
	}
}
