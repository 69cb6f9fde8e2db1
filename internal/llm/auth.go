package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// CredentialsFileName is looked up in the user config directory.
const CredentialsFileName = "credentials.json"

// AuthEntry is one provider's entry in the credentials file.
type AuthEntry struct {
	Type string `json:"type"` // "api"
	Key  string `json:"key,omitempty"`
}

// AuthStore holds provider API keys kept outside the config file, so a
// config can be shared without secrets.
type AuthStore struct {
	path    string
	mu      sync.RWMutex
	entries map[string]AuthEntry
}

// DefaultCredentialsPath returns ~/.config/felix/credentials.json.
func DefaultCredentialsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "felix", CredentialsFileName)
}

// NewAuthStore loads path. A missing file yields an empty store.
func NewAuthStore(path string) (*AuthStore, error) {
	s := &AuthStore{path: path, entries: map[string]AuthEntry{}}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	return s, nil
}

// APIKey returns the stored key for a provider, or "".
func (s *AuthStore) APIKey(provider string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[provider]
	if !ok || (e.Type != "" && e.Type != "api") {
		return ""
	}
	return e.Key
}

// SetAPIKey stores key for provider and writes the file with owner-only
// permissions.
func (s *AuthStore) SetAPIKey(provider, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[provider] = AuthEntry{Type: "api", Key: key}

	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Providers lists the providers with stored credentials.
func (s *AuthStore) Providers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
