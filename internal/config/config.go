package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	LLM      LLMConfig      `toml:"llm"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Database DatabaseConfig `toml:"database"`
	Observer ObserverConfig `toml:"observer"`
}

type ServerConfig struct {
	Addr         string `toml:"addr"`
	SystemPrompt string `toml:"system_prompt"`
	// MaxInputRunes rejects oversized user messages; zero disables.
	MaxInputRunes int `toml:"max_input_runes"`
	// AuthToken is a single-user shared secret mapped to user "default".
	AuthToken string `toml:"auth_token"`
	// Tokens maps bearer tokens to user ids for multi-user deployments.
	Tokens map[string]string `toml:"tokens"`
}

type LLMConfig struct {
	Model           string `toml:"model"`
	APIKey          string `toml:"api_key"`
	BaseURL         string `toml:"base_url"`
	MaxOutputTokens int    `toml:"max_output_tokens"`
	RecursionLimit  int    `toml:"recursion_limit"`
	// RPM and TPM cap provider throughput; zero disables the limit.
	RPM int `toml:"rpm"`
	TPM int `toml:"tpm"`
}

type SandboxConfig struct {
	Image          string `toml:"image"`
	ContainerName  string `toml:"container_name"`
	VolumeName     string `toml:"volume_name"`
	Network        string `toml:"network"`
	CPULimit       string `toml:"cpu_limit"`
	MemoryLimit    string `toml:"memory_limit"`
	TimeoutDefault int    `toml:"timeout_default"` // seconds
	TimeoutMax     int    `toml:"timeout_max"`     // seconds
	ToolsSource    string `toml:"tools_source"`
}

type DatabaseConfig struct {
	// URL selects the backend: postgres:// uses PostgreSQL, anything
	// else is treated as a SQLite file path.
	URL string `toml:"url"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		LLM: LLMConfig{
			Model:          "gpt-4o-mini",
			BaseURL:        "https://api.openai.com/v1",
			RecursionLimit: 1000,
		},
		Sandbox: SandboxConfig{
			Network:        "none",
			CPULimit:       "1.0",
			MemoryLimit:    "512m",
			TimeoutDefault: 30,
			TimeoutMax:     300,
		},
		Database: DatabaseConfig{URL: "agentd.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = os.Getenv("AGENTD_CONFIG")
	}
	if path == "" {
		path = "agentd.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("AGENTD_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("AGENTD_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("LLM_DEFAULT_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_API_BASE"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := envInt("RECURSION_LIMIT"); v > 0 {
		cfg.LLM.RecursionLimit = v
	}
	if v := os.Getenv("SANDBOX_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}
	if v := os.Getenv("SANDBOX_CPU_LIMIT"); v != "" {
		cfg.Sandbox.CPULimit = v
	}
	if v := os.Getenv("SANDBOX_MEMORY_LIMIT"); v != "" {
		cfg.Sandbox.MemoryLimit = v
	}
	if v := os.Getenv("SANDBOX_NETWORK"); v != "" {
		cfg.Sandbox.Network = v
	}
	if v := envInt("SANDBOX_TIMEOUT_DEFAULT"); v > 0 {
		cfg.Sandbox.TimeoutDefault = v
	}
	if v := envInt("SANDBOX_TIMEOUT_MAX"); v > 0 {
		cfg.Sandbox.TimeoutMax = v
	}
	if v := os.Getenv("CHECKPOINT_STORE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
	}
	if os.Getenv("AGENTD_OBSERVER_ENABLED") == "true" || os.Getenv("AGENTD_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
