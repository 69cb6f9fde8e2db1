// Package config loads the felix configuration.
//
// Defaults are marshalled to JSON and the user's file (JSON or YAML) is
// deep-merged over them, followed by an optional private overlay named by
// FELIX_PRIVATE_CONFIG. String values of the form "$VAR" are resolved from
// the environment after merging.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSystemPrompt is used when the config does not set one.
const DefaultSystemPrompt = "You are a helpful AI assistant. Keep responses concise."

// Config holds the felix configuration.
type Config struct {
	Workspace      string  `json:"workspace"`
	ContextWindow  int     `json:"contextWindow"`
	GuardThreshold float64 `json:"guardThreshold"`
	Model          string  `json:"model"`
	SystemPrompt   string  `json:"systemPrompt"`

	Gateway    GatewayConfig    `json:"gateway"`
	LLM        LLMConfig        `json:"llm"`
	TUI        TUIConfig        `json:"tui"`
	Matrix     MatrixConfig     `json:"matrix"`
	Search     SearchConfig     `json:"search"`
	Embeddings EmbeddingsConfig `json:"embeddings"`

	// Path is the file the config was loaded from, empty for defaults.
	Path string `json:"-"`
}

// GatewayConfig holds the websocket listener settings.
type GatewayConfig struct {
	Port int    `json:"port"`
	Host string `json:"host"`
	// ModelTimeoutSec bounds a single model call. 0 waits indefinitely.
	ModelTimeoutSec int `json:"modelTimeoutSec,omitempty"`
}

// LLMConfig selects and tunes the model backends.
type LLMConfig struct {
	Provider    string  `json:"provider"`          // "openrouter" or "anthropic"
	APIKey      string  `json:"apiKey,omitempty"`  // can use env var reference: "$OPENROUTER_API_KEY"
	BaseURL     string  `json:"baseUrl,omitempty"` // OpenAI-compatible endpoint
	MaxOutput   int     `json:"maxOutput,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Tools       bool    `json:"tools"`

	// Fallback is tried when the primary provider fails.
	FallbackProvider string `json:"fallbackProvider,omitempty"`
	FallbackModel    string `json:"fallbackModel,omitempty"`
	AnthropicAPIKey  string `json:"anthropicApiKey,omitempty"`
}

// TUIConfig is kept for config-file compatibility with terminal clients.
type TUIConfig struct {
	Enabled bool `json:"enabled"`
}

// MatrixConfig holds the Matrix chat-bot adapter settings.
type MatrixConfig struct {
	Enabled      bool     `json:"enabled"`
	Homeserver   string   `json:"homeserver,omitempty"` // e.g., http://synapse:8008
	UserID       string   `json:"userId,omitempty"`     // localpart, e.g., felix
	Password     string   `json:"password,omitempty"`
	ServerName   string   `json:"serverName,omitempty"`   // e.g., matrix.example.com
	AllowedUsers []string `json:"allowedUsers,omitempty"` // empty allows everyone
	DataDir      string   `json:"dataDir,omitempty"`
}

// SearchConfig controls the memory full-text index.
type SearchConfig struct {
	Enabled       bool   `json:"enabled"`
	IndexInterval string `json:"indexInterval,omitempty"` // e.g. "5m"
}

// EmbeddingsConfig holds semantic memory settings.
type EmbeddingsConfig struct {
	Enabled      bool   `json:"enabled"`
	PostgresURL  string `json:"postgresUrl,omitempty"`
	TEIURL       string `json:"teiUrl,omitempty"`
	SyncInterval string `json:"syncInterval,omitempty"`
	BatchSize    int    `json:"batchSize,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Workspace:      "./agent-workspace",
		ContextWindow:  128000,
		GuardThreshold: 0.8,
		Model:          "openrouter/auto",
		SystemPrompt:   DefaultSystemPrompt,
		Gateway: GatewayConfig{
			Port: 18789,
			Host: "127.0.0.1",
		},
		LLM: LLMConfig{
			Provider:        "openrouter",
			APIKey:          "$OPENROUTER_API_KEY",
			BaseURL:         "https://openrouter.ai/api/v1",
			MaxOutput:       4096,
			Tools:           true,
			FallbackModel:   "claude-sonnet-4-5",
			AnthropicAPIKey: "$ANTHROPIC_API_KEY",
		},
		TUI: TUIConfig{Enabled: true},
		Matrix: MatrixConfig{
			Enabled:  false,
			UserID:   "felix",
			Password: "$FELIX_MATRIX_PASSWORD",
		},
		Search: SearchConfig{
			Enabled:       true,
			IndexInterval: "5m",
		},
		Embeddings: EmbeddingsConfig{
			PostgresURL:  "$FELIX_PG_URL",
			TEIURL:       "$FELIX_TEI_URL",
			SyncInterval: "30s",
			BatchSize:    32,
		},
	}
}

// Candidates returns the lookup chain for a config file: the explicit path,
// ./config.json, then ~/.config/felix/config.json.
func Candidates(explicit string) []string {
	var paths []string
	if explicit != "" {
		paths = append(paths, explicit)
	}
	paths = append(paths, "config.json")
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "felix", "config.json"))
	}
	return paths
}

// Load resolves the config file via Candidates and merges it over the
// defaults. A missing explicit path is an error; missing fallbacks are not.
func Load(explicit string) (*Config, error) {
	loadDotEnv(".env")

	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return nil, fmt.Errorf("config %s: %w", explicit, err)
		}
	}
	path := ""
	for _, p := range Candidates(explicit) {
		if _, err := os.Stat(p); err == nil {
			path = p
			break
		}
	}
	return LoadFile(path)
}

// LoadFile merges the file at path (if non-empty) over the defaults.
func LoadFile(path string) (*Config, error) {
	base, err := json.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}

	merged := base
	if path != "" {
		fileData, err := readAsJSON(path)
		if err != nil {
			return nil, err
		}
		merged, err = deepMergeJSON(merged, fileData)
		if err != nil {
			return nil, fmt.Errorf("merge config %s: %w", path, err)
		}
	}

	if overlay := os.Getenv("FELIX_PRIVATE_CONFIG"); overlay != "" {
		overlayData, err := readAsJSON(overlay)
		if err != nil {
			return nil, err
		}
		merged, err = deepMergeJSON(merged, overlayData)
		if err != nil {
			return nil, fmt.Errorf("merge private config %s: %w", overlay, err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Path = path

	cfg.applyEnv()
	cfg.resolve()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv applies the FELIX_* overrides the supervisor passes to the child.
func (c *Config) applyEnv() {
	if v := os.Getenv("FELIX_GATEWAY_HOST"); v != "" {
		c.Gateway.Host = v
	}
	if v := os.Getenv("FELIX_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("FELIX_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if os.Getenv("FELIX_MATRIX_DISABLED") != "" {
		c.Matrix.Enabled = false
	}
}

// resolve expands $VAR references and makes the workspace absolute.
func (c *Config) resolve() {
	c.Workspace = resolveEnv(c.Workspace)
	c.Model = resolveEnv(c.Model)
	c.LLM.APIKey = resolveEnv(c.LLM.APIKey)
	c.LLM.BaseURL = resolveEnv(c.LLM.BaseURL)
	c.LLM.AnthropicAPIKey = resolveEnv(c.LLM.AnthropicAPIKey)
	c.Matrix.Homeserver = resolveEnv(c.Matrix.Homeserver)
	c.Matrix.UserID = resolveEnv(c.Matrix.UserID)
	c.Matrix.Password = resolveEnv(c.Matrix.Password)
	c.Matrix.ServerName = resolveEnv(c.Matrix.ServerName)
	c.Matrix.DataDir = resolveEnv(c.Matrix.DataDir)
	c.Embeddings.PostgresURL = resolveEnv(c.Embeddings.PostgresURL)
	c.Embeddings.TEIURL = resolveEnv(c.Embeddings.TEIURL)

	// Unresolved references mean "not set".
	for _, s := range []*string{&c.LLM.APIKey, &c.LLM.AnthropicAPIKey, &c.Matrix.Password,
		&c.Embeddings.PostgresURL, &c.Embeddings.TEIURL} {
		if strings.HasPrefix(*s, "$") {
			*s = ""
		}
	}

	if abs, err := filepath.Abs(c.Workspace); err == nil {
		c.Workspace = abs
	}
	if c.Matrix.DataDir == "" {
		c.Matrix.DataDir = filepath.Join(c.Workspace, "matrix")
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
}

// Validate rejects values the gateway cannot run with.
func (c *Config) Validate() error {
	if c.ContextWindow <= 0 {
		return fmt.Errorf("invalid config: contextWindow must be positive, got %d", c.ContextWindow)
	}
	if c.GuardThreshold <= 0 || c.GuardThreshold > 1 {
		return fmt.Errorf("invalid config: guardThreshold must be in (0, 1], got %v", c.GuardThreshold)
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid config: gateway.port out of range: %d", c.Gateway.Port)
	}
	if c.Gateway.ModelTimeoutSec < 0 {
		return fmt.Errorf("invalid config: gateway.modelTimeoutSec must not be negative")
	}
	return nil
}

// Addr returns host:port of the gateway listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

// URL returns the websocket URL clients dial.
func (c *Config) URL() string {
	host := c.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s:%d", host, c.Gateway.Port)
}

// readAsJSON reads a config file and returns it as JSON bytes. YAML files
// are decoded with yaml.v3 and re-encoded.
func readAsJSON(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc map[string]interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert config %s: %w", path, err)
		}
		return out, nil
	default:
		if !json.Valid(data) {
			return nil, fmt.Errorf("parse config %s: invalid JSON", path)
		}
		return data, nil
	}
}

func deepMergeJSON(base, overlay []byte) ([]byte, error) {
	var baseMap map[string]interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = map[string]interface{}{}
	}

	var overlayMap map[string]interface{}
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &overlayMap); err != nil {
			return nil, err
		}
	}
	mergeMap(baseMap, overlayMap)
	return json.Marshal(baseMap)
}

func mergeMap(dst, src map[string]interface{}) {
	for k, v := range src {
		dstObj, dstIsObj := dst[k].(map[string]interface{})
		srcObj, srcIsObj := v.(map[string]interface{})
		if dstIsObj && srcIsObj {
			mergeMap(dstObj, srcObj)
			dst[k] = dstObj
			continue
		}
		dst[k] = v
	}
}

// resolveEnv replaces $ENV_VAR references with actual values.
func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}
