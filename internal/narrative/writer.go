package narrative

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
)

// Writer drafts prose by assembling a prompt and invoking an LLM.
// It implements engine.Writer.
type Writer struct {
	llm    LLM
	config LLMConfig
	logger *zap.Logger
}

// NewWriter creates a writer with the given LLM implementation.
func NewWriter(llm LLM, config LLMConfig, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		llm:    llm,
		config: config,
		logger: logger,
	}
}

// Write assembles the prompt and returns the LLM's draft. Every error wraps
// engine.ErrWritingFailed.
func (w *Writer) Write(ctx context.Context, req *engine.EngineRequest, understanding engine.QueryUnderstandingResult, memories []engine.RetrievedMemory, plan engine.Plan, tier engine.UserTier) (string, error) {
	if w.llm == nil {
		return "", fmt.Errorf("%w: LLM is required", engine.ErrWritingFailed)
	}

	prompt, err := AssemblePrompt(req, understanding, memories, plan, tier)
	if err != nil {
		return "", fmt.Errorf("%w: %w", engine.ErrWritingFailed, err)
	}

	w.logger.Debug("invoking writer model",
		zap.String("model", w.config.Model),
		zap.Int("prompt_chars", len(prompt)),
		zap.Int("memories", len(memories)),
	)

	text, err := w.llm.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: LLM invocation failed: %w", engine.ErrWritingFailed, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: model returned an empty draft", engine.ErrWritingFailed)
	}
	return text, nil
}
