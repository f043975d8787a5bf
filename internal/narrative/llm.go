// Package narrative turns a director plan into prose. It defines a
// provider-agnostic LLM interface with an OpenAI implementation, a
// deterministic mock for tests and offline runs, and a rate-limiting
// wrapper. Writer assembles the prompt and implements engine.Writer.
package narrative

import (
	"context"
	"errors"
)

var (
	ErrLLMFailed     = errors.New("LLM request failed")
	ErrInvalidConfig = errors.New("invalid LLM configuration")
)

// LLM defines the interface for interacting with language models.
// Implementations must be stateless and thread-safe.
type LLM interface {
	// Generate produces text from a prompt using the configured model.
	// Returns the generated text or an error if generation fails.
	Generate(ctx context.Context, prompt string) (string, error)
}

// LLMConfig holds common configuration options for LLM providers.
type LLMConfig struct {
	// Model specifies the model identifier (e.g., "gpt-4o", "gpt-4o-mini")
	Model string `koanf:"model"`

	// Temperature controls randomness (0.0 = provider default, 2.0 = very random)
	Temperature float32 `koanf:"temperature"`

	// MaxTokens limits the response length (0 = use provider default)
	MaxTokens int `koanf:"max_tokens"`

	// APIKey is the authentication key for the provider
	APIKey string `koanf:"api_key"`

	// BaseURL points the client at an OpenAI-compatible endpoint (empty = api.openai.com)
	BaseURL string `koanf:"base_url"`
}

// DefaultLLMConfig returns defaults for chapter drafting.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Model:       "gpt-4o",
		Temperature: 0.8,
		MaxTokens:   2000,
	}
}
