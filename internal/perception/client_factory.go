package perception

import (
	"fmt"
	"os"
	"strings"

	"gcodecheck/internal/config"
	"gcodecheck/internal/logging"
)

// NewFromConfig builds the provider client selected by configuration.
// API keys come from the environment: GEMINI_API_KEY or OPENAI_API_KEY.
func NewFromConfig(cfg *config.Config) (Client, error) {
	if cfg == nil {
		cfg = config.Load()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.LLMProvider))
	if provider == "" {
		provider = "gemini"
	}

	switch provider {
	case "gemini":
		key := firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY not set")
		}
		gc := DefaultGeminiConfig(key)
		if cfg.LLMModel != "" {
			gc.Model = cfg.LLMModel
		}
		logging.API("llm provider: gemini model=%s", gc.Model)
		return NewGeminiClientWithConfig(gc)

	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		oc := DefaultOpenAIConfig(key)
		if cfg.LLMModel != "" {
			oc.Model = cfg.LLMModel
		}
		if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
			oc.BaseURL = strings.TrimRight(base, "/")
		}
		logging.API("llm provider: openai model=%s", oc.Model)
		return NewOpenAIClientWithConfig(oc), nil

	default:
		return nil, fmt.Errorf("unknown LLM provider %q (want gemini or openai)", provider)
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
