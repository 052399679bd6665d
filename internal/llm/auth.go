package llm

import (
	"encoding/json"
	"fmt"
	"os"
)

// AuthEntry is a single provider's entry in an OpenCode auth.json file.
type AuthEntry struct {
	Type string `json:"type"`          // "api" or "oauth"
	Key  string `json:"key,omitempty"` // for type=api
}

// AuthStore reads API keys from an OpenCode auth.json, so a daemon that
// runs next to OpenCode can share its credentials. Only "api" entries are
// usable; OAuth sessions are ignored.
type AuthStore struct {
	entries map[string]AuthEntry
}

// LoadAuthStore reads path. A missing file yields an empty store.
func LoadAuthStore(path string) (*AuthStore, error) {
	s := &AuthStore{entries: make(map[string]AuthEntry)}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read auth.json: %w", err)
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("parse auth.json: %w", err)
	}
	return s, nil
}

// APIKey returns the stored key for a provider id ("anthropic", "openai").
func (s *AuthStore) APIKey(providerID string) (string, bool) {
	if s == nil {
		return "", false
	}
	e, ok := s.entries[providerID]
	if !ok || e.Type != "api" || e.Key == "" {
		return "", false
	}
	return e.Key, true
}
