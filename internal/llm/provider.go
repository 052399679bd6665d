package llm

import (
	"fmt"
	"os"

	"github.com/nous-labs/mneme/pkg/llm"
)

// ProviderConfig selects and configures one completion provider.
type ProviderConfig struct {
	Type    string `json:"type" yaml:"type"` // "anthropic", "openai", "" (disabled)
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
}

// New builds the provider described by cfg. A config without a type
// yields (nil, nil). Missing keys are looked up in auth, then the
// provider's usual environment variable.
func New(cfg ProviderConfig, auth *AuthStore) (llm.Provider, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "anthropic":
		key := resolveKey(cfg.APIKey, auth, "anthropic", "ANTHROPIC_API_KEY")
		if key == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("anthropic provider: no API key (set api_key or ANTHROPIC_API_KEY)")
		}
		if cfg.BaseURL != "" {
			name := cfg.Name
			if name == "" {
				name = "anthropic"
			}
			return NewAnthropicCompat(name, cfg.BaseURL, key, cfg.Model), nil
		}
		return NewAnthropic(key, cfg.Model), nil
	case "openai":
		key := resolveKey(cfg.APIKey, auth, "openai", "OPENAI_API_KEY")
		if key == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai provider: no API key (set api_key or OPENAI_API_KEY)")
		}
		if key == "" {
			// Local OpenAI-compatible servers accept any key.
			key = "local"
		}
		return NewOpenAI(cfg.Name, cfg.BaseURL, key, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// NewRouter builds a tiered router. The fast tier falls back to the deep
// one inside llm.Router when unset.
func NewRouter(deep, fast ProviderConfig, auth *AuthStore) (*llm.Router, error) {
	d, err := New(deep, auth)
	if err != nil {
		return nil, fmt.Errorf("deep tier: %w", err)
	}
	f, err := New(fast, auth)
	if err != nil {
		return nil, fmt.Errorf("fast tier: %w", err)
	}
	return llm.NewRouter(map[llm.Tier]llm.Provider{llm.TierDeep: d, llm.TierFast: f}), nil
}

func resolveKey(explicit string, auth *AuthStore, providerID, envVar string) string {
	if explicit != "" {
		return explicit
	}
	if key, ok := auth.APIKey(providerID); ok {
		return key
	}
	return os.Getenv(envVar)
}
