package agentrelay

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
)

// ModelConfig selects and locates the model behind a local agent.
type ModelConfig struct {
	Provider       string // "ollama" or "gemini"
	OllamaEndpoint string
	OllamaModel    string
	GeminiAPIKey   string
	GeminiModel    string
}

// NewModel connects to the configured provider.
//
// Parameters:
//   - ctx: Context for provider initialization
//   - cfg: Provider selection and connection settings
//   - logger: Logger for initialization progress
//
// Returns:
//   - llms.Model: Model ready for an agent executor
//   - error: Missing credentials or provider initialization failure
func NewModel(ctx context.Context, cfg ModelConfig, logger *logrus.Entry) (llms.Model, error) {
	switch cfg.Provider {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini API key is required when using gemini provider. Set GEMINI_API_KEY environment variable")
		}
		logger.WithFields(logrus.Fields{"provider": "gemini", "model": cfg.GeminiModel}).Info("Initializing Gemini LLM")
		llm, err := googleai.New(ctx,
			googleai.WithAPIKey(cfg.GeminiAPIKey),
			googleai.WithDefaultModel(cfg.GeminiModel),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Gemini LLM: %w", err)
		}
		return llm, nil

	case "ollama", "":
		logger.WithFields(logrus.Fields{
			"provider": "ollama",
			"endpoint": cfg.OllamaEndpoint,
			"model":    cfg.OllamaModel,
		}).Info("Initializing Ollama LLM")
		llm, err := ollama.New(
			ollama.WithServerURL(cfg.OllamaEndpoint),
			ollama.WithModel(cfg.OllamaModel),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Ollama LLM: %w", err)
		}
		return llm, nil
	}
	return nil, fmt.Errorf("unsupported LLM provider %q", cfg.Provider)
}
