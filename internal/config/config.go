// Package config centralizes environment configuration (§6). It loads an
// optional TOML file (BurntSushi/toml, as nevindra-oasis does for its own
// config) and layers environment-variable overrides on top, since the
// orchestrator has many more independently-tunable subsystems than a
// single-binary CLI flag set would comfortably express.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Mode selects the workspace/executor backend.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

type Config struct {
	AgentMode Mode `toml:"agent_mode"`

	WorkspaceRoot    string `toml:"workspace_root"`
	SandboxNamespace string `toml:"sandbox_namespace"`
	SandboxImage     string `toml:"sandbox_image"`

	LLMDefaultModel string `toml:"llm_default_model"`
	LLMAPIKey       string `toml:"-"` // never serialized/echoed to disk

	Features FeatureFlags `toml:"features"`

	CleanupInterval time.Duration `toml:"-"`
	CleanupIntervalSeconds int    `toml:"cleanup_interval_seconds"`

	AuthorName  string `toml:"author_name"`
	AuthorEmail string `toml:"author_email"`

	CoAuthorName  string `toml:"co_author_name"`
	CoAuthorEmail string `toml:"co_author_email"`

	StoreDBPath string `toml:"store_db_path"`
	ListenAddr  string `toml:"listen_addr"`
}

type FeatureFlags struct {
	ShadowWikiEnabled bool `toml:"shadow_wiki_enabled"`
	IndexingEnabled   bool `toml:"indexing_enabled"`
	AutoPullRequest   bool `toml:"auto_pull_request"`
}

// Default returns a Config with the documented defaults applied.
func Default() Config {
	return Config{
		AgentMode:        ModeLocal,
		WorkspaceRoot:    "/var/lib/orchestrator/workspaces",
		SandboxNamespace: "shadow-sandboxes",
		SandboxImage:     "shadowrealm/sandbox:latest",
		LLMDefaultModel:  "gpt-4.1",
		Features: FeatureFlags{
			ShadowWikiEnabled: true,
			IndexingEnabled:   false,
			AutoPullRequest:   false,
		},
		CleanupInterval:        60 * time.Second,
		CleanupIntervalSeconds: 60,
		AuthorName:             "Shadow Agent",
		AuthorEmail:            "agent@shadowrealm.ai",
		CoAuthorName:           "Shadow",
		CoAuthorEmail:          "noreply@shadowrealm.ai",
		StoreDBPath:            "/var/lib/orchestrator/orchestrator.db",
		ListenAddr:             "localhost:8085",
	}
}

// Load reads path (if non-empty and present) into cfg, then applies
// environment-variable overrides, then normalizes derived fields.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, err
			}
		}
	}
	cfg.applyEnv()
	if cfg.CleanupIntervalSeconds > 0 {
		cfg.CleanupInterval = time.Duration(cfg.CleanupIntervalSeconds) * time.Second
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AGENT_MODE"); v != "" {
		c.AgentMode = Mode(v)
	}
	if v := os.Getenv("WORKSPACE_ROOT"); v != "" {
		c.WorkspaceRoot = v
	}
	if v := os.Getenv("SANDBOX_NAMESPACE"); v != "" {
		c.SandboxNamespace = v
	}
	if v := os.Getenv("SANDBOX_IMAGE"); v != "" {
		c.SandboxImage = v
	}
	if v := os.Getenv("LLM_DEFAULT_MODEL"); v != "" {
		c.LLMDefaultModel = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLMAPIKey = v
	}
	if v := os.Getenv("FEATURE_SHADOW_WIKI"); v != "" {
		c.Features.ShadowWikiEnabled = truthy(v)
	}
	if v := os.Getenv("FEATURE_INDEXING"); v != "" {
		c.Features.IndexingEnabled = truthy(v)
	}
	if v := os.Getenv("FEATURE_AUTO_PR"); v != "" {
		c.Features.AutoPullRequest = truthy(v)
	}
	if v := os.Getenv("CLEANUP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CleanupIntervalSeconds = n
		}
	}
	if v := os.Getenv("STORE_DB_PATH"); v != "" {
		c.StoreDBPath = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
}

func truthy(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}
