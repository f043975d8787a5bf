package narrative

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedLLM throttles calls to an underlying LLM with a token bucket.
// Waiting for a token honors the caller's context.
type RateLimitedLLM struct {
	llm     LLM
	limiter *rate.Limiter
}

// NewRateLimitedLLM wraps llm so that at most rps requests per second are
// issued, with bursts of up to burst requests. burst below 1 is treated as 1.
func NewRateLimitedLLM(llm LLM, rps float64, burst int) *RateLimitedLLM {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedLLM{
		llm:     llm,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Generate waits for a token and then delegates to the wrapped LLM.
func (r *RateLimitedLLM) Generate(ctx context.Context, prompt string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: rate limit wait: %w", ErrLLMFailed, err)
	}
	return r.llm.Generate(ctx, prompt)
}
