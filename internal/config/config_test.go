package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Server.Addr)
	}
	if cfg.LLM.RecursionLimit != 1000 {
		t.Errorf("expected recursion limit 1000, got %d", cfg.LLM.RecursionLimit)
	}
	if cfg.Sandbox.Network != "none" {
		t.Errorf("expected network none, got %s", cfg.Sandbox.Network)
	}
	if cfg.Sandbox.TimeoutDefault != 30 {
		t.Errorf("expected timeout 30, got %d", cfg.Sandbox.TimeoutDefault)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[llm]
model = "gpt-4o"

[sandbox]
image = "agentd/sandbox:latest"
memory_limit = "1g"
`), 0644)

	cfg := Load(path)
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("expected gpt-4o, got %s", cfg.LLM.Model)
	}
	if cfg.Sandbox.Image != "agentd/sandbox:latest" {
		t.Errorf("expected sandbox image, got %s", cfg.Sandbox.Image)
	}
	if cfg.Sandbox.MemoryLimit != "1g" {
		t.Errorf("expected 1g, got %s", cfg.Sandbox.MemoryLimit)
	}
	// Defaults preserved
	if cfg.Server.Addr != ":8080" {
		t.Errorf("default should be preserved, got %s", cfg.Server.Addr)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LLM_API_KEY", "env-key")
	t.Setenv("LLM_DEFAULT_MODEL", "env-model")
	t.Setenv("RECURSION_LIMIT", "25")
	t.Setenv("CHECKPOINT_STORE_URL", "postgres://localhost/agentd")

	cfg := Load("/nonexistent/path.toml")
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("expected env-key, got %s", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "env-model" {
		t.Errorf("expected env-model, got %s", cfg.LLM.Model)
	}
	if cfg.LLM.RecursionLimit != 25 {
		t.Errorf("expected 25, got %d", cfg.LLM.RecursionLimit)
	}
	if cfg.Database.URL != "postgres://localhost/agentd" {
		t.Errorf("expected postgres URL, got %s", cfg.Database.URL)
	}
}

func TestEnvOverrideBeatsTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[sandbox]
network = "bridge"
`), 0644)
	t.Setenv("SANDBOX_NETWORK", "none")

	cfg := Load(path)
	if cfg.Sandbox.Network != "none" {
		t.Errorf("env should win over toml, got %s", cfg.Sandbox.Network)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("RECURSION_LIMIT", "not-a-number")
	cfg := Load("/nonexistent/path.toml")
	if cfg.LLM.RecursionLimit != 1000 {
		t.Errorf("invalid env int should keep default, got %d", cfg.LLM.RecursionLimit)
	}
}
