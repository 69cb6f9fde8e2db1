package service

import (
	"log/slog"

	"github.com/felix-agent/felix/internal/config"
	"github.com/felix-agent/felix/internal/llm"
)

// NewRouter builds the provider chain from cfg: the primary provider, then
// the fallback when it has credentials. Keys missing from the config are
// looked up in auth, which may be nil.
func NewRouter(cfg *config.Config, auth *llm.AuthStore) *llm.Router {
	key := func(provider string, configured ...string) string {
		for _, k := range configured {
			if k != "" {
				return k
			}
		}
		if auth != nil {
			return auth.APIKey(provider)
		}
		return ""
	}

	var primary llm.Provider
	switch cfg.LLM.Provider {
	case "anthropic":
		k := key("anthropic", cfg.LLM.APIKey, cfg.LLM.AnthropicAPIKey)
		if k != "" {
			primary = llm.NewAnthropic("", k, cfg.Model)
		}
	default:
		if k := key("openrouter", cfg.LLM.APIKey); k != "" {
			primary = llm.NewOpenRouter(cfg.LLM.BaseURL, k, cfg.Model)
		}
	}
	if primary == nil {
		slog.Warn("no API key for primary provider", "provider", cfg.LLM.Provider)
	}

	var fallback llm.Provider
	fb := cfg.LLM.FallbackProvider
	if fb == "" && cfg.LLM.Provider != "anthropic" {
		fb = "anthropic"
	}
	switch fb {
	case "anthropic":
		if k := key("anthropic", cfg.LLM.AnthropicAPIKey); k != "" && cfg.LLM.Provider != "anthropic" {
			fallback = llm.NewAnthropic("", k, cfg.LLM.FallbackModel)
		}
	case "openrouter":
		if k := key("openrouter"); k != "" && cfg.LLM.Provider == "anthropic" {
			fallback = llm.NewOpenRouter("", k, cfg.LLM.FallbackModel)
		}
	case "none":
	}

	return llm.NewRouter(primary, fallback)
}
