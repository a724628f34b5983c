// Package config resolves the TOML configuration file plus environment
// variables into a startup plan, generalizing the teacher's ReadConfig/
// defaulting idiom (config.go) from YAML to TOML per the spec's external
// Config Bootstrap contract (C10).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// RAG holds the options recognized by the RAG Orchestrator (C6).
type RAG struct {
	Enable                 bool   `toml:"enable"`
	Policy                 string `toml:"policy"` // "system-message" | "last-user-message"
	ContextWindow          int    `toml:"context_window"`
	Prompt                 string `toml:"prompt"`
	ResultCount            int    `toml:"result_count"`
	RetrievalBudgetSeconds int    `toml:"retrieval_budget_seconds"`
}

// Memory holds the options recognized by the Memory Store (C8).
type Memory struct {
	Enable                bool   `toml:"enable"`
	DatabasePath          string `toml:"database_path"`
	ContextWindow         int    `toml:"context_window"`
	AutoSummarize         bool   `toml:"auto_summarize"`
	SummarizationStrategy string `toml:"summarization_strategy"` // "Incremental" | "FullHistory"
	SummaryServiceBaseURL string `toml:"summary_service_base_url"`
	SummaryServiceAPIKey  string `toml:"summary_service_api_key"`
	MaxStoredMessages     int    `toml:"max_stored_messages"`
	SummarizeThreshold    int    `toml:"summarize_threshold"`
}

// MCPServer is one MCP Server Descriptor, per §3.
type MCPServer struct {
	Name      string `toml:"name"`
	Transport string `toml:"transport"` // "sse" | "streamable-http"
	URL       string `toml:"url"`
	OAuthURL  string `toml:"oauth_url"`
	Enable    bool   `toml:"enable"`
	Role      string `toml:"role"` // "tool" | "vector_search" | "keyword_search"

	FallbackMessage string `toml:"fallback_message"`
}

// PreRegisteredBackend seeds the registry at startup.
type PreRegisteredBackend struct {
	Kind   string `toml:"kind"`
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

// ToolLoop holds the options recognized by the Tool-Call Loop (C7).
type ToolLoop struct {
	MaxToolTurns int `toml:"max_tool_turns"`
}

// HealthCheck holds the watchdog's configuration (C2). IntervalSeconds is
// used unless --check-health-interval overrides it; Enable is not read, the
// --check-health flag alone decides whether the watchdog runs.
type HealthCheck struct {
	Enable          bool `toml:"enable"`
	IntervalSeconds int  `toml:"interval_seconds"`
}

// Config is the fully resolved startup plan (C10's output contract).
type Config struct {
	Address     string                 `toml:"address"`
	Backends    []PreRegisteredBackend `toml:"backends"`
	MCPServers  []MCPServer            `toml:"mcp_servers"`
	RAG         RAG                    `toml:"rag"`
	Memory      Memory                 `toml:"memory"`
	ToolLoop    ToolLoop               `toml:"tool_loop"`
	HealthCheck HealthCheck            `toml:"health_check"`
}

func defaults() Config {
	return Config{
		Address: ":8080",
		RAG: RAG{
			ContextWindow:          3,
			ResultCount:            5,
			RetrievalBudgetSeconds: 10,
		},
		Memory: Memory{
			ContextWindow:         2048,
			SummarizationStrategy: "Incremental",
			MaxStoredMessages:     200,
			SummarizeThreshold:    50,
		},
		ToolLoop: ToolLoop{MaxToolTurns: 4},
		HealthCheck: HealthCheck{
			IntervalSeconds: 60,
		},
	}
}

// Load reads path as TOML over the compiled-in defaults, substitutes
// DEFAULT_{KIND}_SERVICE_API_KEY into any backend left with an empty
// api_key, and validates the Memory invariant
// (max_stored_messages > summarize_threshold >= 2).
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional .env alongside the binary; absence is not an error

	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	for i, b := range cfg.Backends {
		if b.APIKey != "" {
			continue
		}
		envName := fmt.Sprintf("DEFAULT_%s_SERVICE_API_KEY", envKindToken(b.Kind))
		cfg.Backends[i].APIKey = os.Getenv(envName)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Memory.Enable {
		if c.Memory.SummarizeThreshold < 2 {
			return fmt.Errorf("config: memory.summarize_threshold must be >= 2")
		}
		if c.Memory.MaxStoredMessages <= c.Memory.SummarizeThreshold {
			return fmt.Errorf("config: memory.max_stored_messages must be > summarize_threshold")
		}
	}
	if c.RAG.Enable && c.RAG.Policy != "system-message" && c.RAG.Policy != "last-user-message" {
		return fmt.Errorf("config: rag.policy must be 'system-message' or 'last-user-message'")
	}
	return nil
}

// ResolveDSN implements the database_path contract: a bare
// filesystem path is auto-wrapped as "sqlite:{path}?mode=rwc" (after
// creating its parent directory), a full "sqlite:" URL is passed through.
func (m Memory) ResolveDSN() (string, error) {
	p := m.DatabasePath
	if p == "" {
		p = "./llama-nexus-memory.sqlite"
	}
	if len(p) >= 7 && p[:7] == "sqlite:" {
		return p, nil
	}
	if dir := filepath.Dir(p); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("config: creating database directory %s: %w", dir, err)
		}
	}
	return fmt.Sprintf("sqlite:%s?mode=rwc", p), nil
}

// envKindToken maps a backend kind to the token used in its
// DEFAULT_{TOKEN}_SERVICE_API_KEY environment variable. "embeddings" maps to
// the singular "EMBEDDING" per the documented variable name; every other
// kind uppercases as-is.
func envKindToken(kind string) string {
	if kind == "embeddings" {
		return "EMBEDDING"
	}
	return upperKind(kind)
}

func upperKind(kind string) string {
	out := make([]byte, len(kind))
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
