package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile(\"\"): %v", err)
	}
	if cfg.ContextWindow != 128000 {
		t.Errorf("ContextWindow = %d, want 128000", cfg.ContextWindow)
	}
	if cfg.GuardThreshold != 0.8 {
		t.Errorf("GuardThreshold = %v, want 0.8", cfg.GuardThreshold)
	}
	if cfg.Gateway.Port != 18789 || cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("Gateway = %+v, want 127.0.0.1:18789", cfg.Gateway)
	}
	if cfg.Model != "openrouter/auto" {
		t.Errorf("Model = %q", cfg.Model)
	}
	if !filepath.IsAbs(cfg.Workspace) {
		t.Errorf("Workspace %q is not absolute", cfg.Workspace)
	}
	if cfg.SystemPrompt != DefaultSystemPrompt {
		t.Errorf("SystemPrompt = %q", cfg.SystemPrompt)
	}
}

func TestLoadFileDeepMerge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data := `{"gateway": {"port": 19000}, "model": "anthropic/claude-sonnet-4", "matrix": {"allowedUsers": ["@me:example.com"]}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Gateway.Port != 19000 {
		t.Errorf("Gateway.Port = %d, want 19000", cfg.Gateway.Port)
	}
	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("Gateway.Host = %q, want default kept", cfg.Gateway.Host)
	}
	if cfg.Model != "anthropic/claude-sonnet-4" {
		t.Errorf("Model = %q", cfg.Model)
	}
	if len(cfg.Matrix.AllowedUsers) != 1 || cfg.Matrix.AllowedUsers[0] != "@me:example.com" {
		t.Errorf("Matrix.AllowedUsers = %v", cfg.Matrix.AllowedUsers)
	}
	if cfg.Path != path {
		t.Errorf("Path = %q, want %q", cfg.Path, path)
	}
}

func TestLoadFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := "contextWindow: 64000\ngateway:\n  host: 0.0.0.0\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.ContextWindow != 64000 {
		t.Errorf("ContextWindow = %d, want 64000", cfg.ContextWindow)
	}
	if cfg.Gateway.Port != 18789 {
		t.Errorf("Gateway.Port = %d, want default", cfg.Gateway.Port)
	}
	if got := cfg.URL(); got != "ws://127.0.0.1:18789" {
		t.Errorf("URL() = %q", got)
	}
}

func TestLoadFileInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad json", `{"gateway": `},
		{"zero context", `{"contextWindow": 0}`},
		{"guard above one", `{"guardThreshold": 1.5}`},
		{"port out of range", `{"gateway": {"port": 70000}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			if err := os.WriteFile(path, []byte(tt.data), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadFile(path); err == nil {
				t.Errorf("LoadFile(%s) succeeded, want error", tt.data)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FELIX_GATEWAY_HOST", "0.0.0.0")
	t.Setenv("FELIX_GATEWAY_PORT", "20001")
	t.Setenv("OPENROUTER_API_KEY", "sk-test")

	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Gateway.Host != "0.0.0.0" || cfg.Gateway.Port != 20001 {
		t.Errorf("Gateway = %+v", cfg.Gateway)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("LLM.APIKey = %q, want resolved from env", cfg.LLM.APIKey)
	}
}

func TestUnresolvedSecretIsEmpty(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.LLM.APIKey != "" {
		t.Errorf("LLM.APIKey = %q, want empty when env is unset", cfg.LLM.APIKey)
	}
}

func TestParseDotEnvLine(t *testing.T) {
	tests := []struct {
		line      string
		key, want string
		ok        bool
	}{
		{"OPENROUTER_API_KEY=abc", "OPENROUTER_API_KEY", "abc", true},
		{"export FOO=\"bar baz\"", "FOO", "bar baz", true},
		{"# comment", "", "", false},
		{"", "", "", false},
		{"NOEQUALS", "", "", false},
		{"QUOTED='x'", "QUOTED", "x", true},
	}
	for _, tt := range tests {
		key, value, ok := parseDotEnvLine(tt.line)
		if ok != tt.ok || key != tt.key || value != tt.want {
			t.Errorf("parseDotEnvLine(%q) = %q, %q, %v; want %q, %q, %v",
				tt.line, key, value, ok, tt.key, tt.want, tt.ok)
		}
	}
}

func TestMergeMap(t *testing.T) {
	dst := map[string]interface{}{
		"a": map[string]interface{}{"x": 1.0, "y": 2.0},
		"b": "keep",
	}
	src := map[string]interface{}{
		"a": map[string]interface{}{"y": 3.0},
		"c": true,
	}
	mergeMap(dst, src)

	a := dst["a"].(map[string]interface{})
	if a["x"] != 1.0 || a["y"] != 3.0 {
		t.Errorf("nested merge = %v", a)
	}
	if dst["b"] != "keep" || dst["c"] != true {
		t.Errorf("top-level merge = %v", dst)
	}
}
