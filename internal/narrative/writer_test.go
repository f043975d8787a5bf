package narrative

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
)

func TestWriter_Write_Success(t *testing.T) {
	mockLLM := NewMockLLM("  The lantern flickered once and went dark.\n")
	writer := NewWriter(mockLLM, DefaultLLMConfig(), nil)

	draft, err := writer.Write(context.Background(), testRequest(t, nil),
		engine.QueryUnderstandingResult{SearchIntent: "continue", MustInclude: []string{"lantern"}},
		[]engine.RetrievedMemory{{ID: "m1", Content: "Mei kept the lantern lit.", Score: 0.8}},
		engine.Plan{engine.PlanTone: "tense"}, engine.TierRegular)

	require.NoError(t, err)
	assert.Equal(t, "The lantern flickered once and went dark.", draft)
	assert.Contains(t, mockLLM.LastPrompt(), "Mei kept the lantern lit.")
	assert.Contains(t, mockLLM.LastPrompt(), "**Tone:** tense")
}

func TestWriter_Write_Errors(t *testing.T) {
	tests := []struct {
		name string
		llm  LLM
		req  func(t *testing.T) *engine.EngineRequest
	}{
		{
			name: "nil LLM",
			llm:  nil,
			req:  func(t *testing.T) *engine.EngineRequest { return testRequest(t, nil) },
		},
		{
			name: "LLM error",
			llm:  NewMockLLMWithError(errors.New("API rate limit exceeded")),
			req:  func(t *testing.T) *engine.EngineRequest { return testRequest(t, nil) },
		},
		{
			name: "empty completion",
			llm:  NewMockLLM("   \n"),
			req:  func(t *testing.T) *engine.EngineRequest { return testRequest(t, nil) },
		},
		{
			name: "nil request",
			llm:  NewMockLLM("text"),
			req:  func(*testing.T) *engine.EngineRequest { return nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer := NewWriter(tt.llm, DefaultLLMConfig(), nil)
			_, err := writer.Write(context.Background(), tt.req(t), engine.QueryUnderstandingResult{}, nil, nil, engine.TierRegular)
			require.Error(t, err)
			assert.ErrorIs(t, err, engine.ErrWritingFailed)
		})
	}
}

func TestMockLLM_DefaultDraftHonorsConstraints(t *testing.T) {
	mockLLM := &MockLLM{}
	writer := NewWriter(mockLLM, DefaultLLMConfig(), nil)

	draft, err := writer.Write(context.Background(), testRequest(t, nil),
		engine.QueryUnderstandingResult{MustInclude: []string{"the silver key", "雨夜"}},
		nil, nil, engine.TierRegular)
	require.NoError(t, err)

	assert.Contains(t, draft, "the silver key")
	assert.Contains(t, draft, "雨夜")
	assert.Contains(t, draft, "Continue the chapter where Mei finds the lantern")
}

func TestMockLLM_Sequence(t *testing.T) {
	m := NewMockLLMSequence("first", "second")
	ctx := context.Background()

	for _, want := range []string{"first", "second", "second"} {
		got, err := m.Generate(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 3, m.Calls())
}

func TestMockLLM_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMockLLM("x").Generate(ctx, "p")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRateLimitedLLM(t *testing.T) {
	inner := NewMockLLM("ok")
	limited := NewRateLimitedLLM(inner, 1, 1)

	got, err := limited.Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	// The bucket is empty; a short deadline cannot be met.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = limited.Generate(ctx, "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLLMFailed)
	assert.Equal(t, 1, inner.Calls())
}

func TestNewOpenAILLM_Validation(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	_, err := NewOpenAILLM(LLMConfig{Model: "gpt-4o"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewOpenAILLM(LLMConfig{APIKey: "sk-test"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	llm, err := NewOpenAILLM(LLMConfig{APIKey: "sk-test", Model: "gpt-4o-mini", BaseURL: "http://localhost:1"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", llm.Model())

	_, err = llm.Generate(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
