package llm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAuthStoreMissingFile(t *testing.T) {
	s, err := NewAuthStore(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("NewAuthStore: %v", err)
	}
	if s.APIKey("openrouter") != "" || len(s.Providers()) != 0 {
		t.Error("empty store returned credentials")
	}
}

func TestAuthStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "felix", CredentialsFileName)
	s, _ := NewAuthStore(path)
	if err := s.SetAPIKey("anthropic", "sk-ant"); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}
	if err := s.SetAPIKey("openrouter", "sk-or"); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v", fi.Mode().Perm())
	}

	reloaded, err := NewAuthStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.APIKey("anthropic") != "sk-ant" {
		t.Errorf("anthropic key = %q", reloaded.APIKey("anthropic"))
	}
	if got := strings.Join(reloaded.Providers(), ","); got != "anthropic,openrouter" {
		t.Errorf("providers = %s", got)
	}
}

func TestAuthStoreIgnoresOtherTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	os.WriteFile(path, []byte(`{"anthropic":{"type":"oauth","key":"x"},"openrouter":{"key":"k"}}`), 0o600)
	s, err := NewAuthStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.APIKey("anthropic") != "" {
		t.Error("oauth entry used as api key")
	}
	if s.APIKey("openrouter") != "k" {
		t.Error("untyped entry should be treated as api key")
	}
}

func TestAuthStoreBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	os.WriteFile(path, []byte(`{`), 0o600)
	if _, err := NewAuthStore(path); err == nil {
		t.Error("expected parse error")
	}
}
