package narrative

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// MockLLM is a deterministic LLM implementation for tests and offline runs.
// It is safe for concurrent use.
type MockLLM struct {
	// Response is the fixed text returned by Generate.
	// If empty, a draft is generated from the prompt.
	Response string

	// Responses, if set, are returned in order; the last one repeats.
	Responses []string

	// Error, if set, is returned by Generate instead of a response.
	Error error

	mu      sync.Mutex
	prompts []string
}

// NewMockLLM creates a mock LLM with the given fixed response.
func NewMockLLM(response string) *MockLLM {
	return &MockLLM{Response: response}
}

// NewMockLLMWithError creates a mock LLM that always returns an error.
func NewMockLLMWithError(err error) *MockLLM {
	return &MockLLM{Error: err}
}

// NewMockLLMSequence creates a mock LLM that returns responses in order.
func NewMockLLMSequence(responses ...string) *MockLLM {
	return &MockLLM{Responses: responses}
}

// Generate returns the configured response or generates a deterministic one.
func (m *MockLLM) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	call := len(m.prompts)
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()

	if m.Error != nil {
		return "", m.Error
	}
	if len(m.Responses) > 0 {
		if call >= len(m.Responses) {
			call = len(m.Responses) - 1
		}
		return m.Responses[call], nil
	}
	if m.Response != "" {
		return m.Response, nil
	}

	return generateMockResponse(prompt), nil
}

// LastPrompt returns the most recent prompt passed to Generate.
func (m *MockLLM) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}

// Calls returns how many times Generate was invoked.
func (m *MockLLM) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

// generateMockResponse writes a short passage that satisfies the prompt's
// must-include constraints and names the request it answers.
func generateMockResponse(prompt string) string {
	var b strings.Builder

	request := sectionFirstLine(prompt, "# Request")
	if request == "" {
		request = "the next scene"
	}
	b.WriteString(fmt.Sprintf("A draft written for %q. ", request))
	b.WriteString("The night settled over the city and the story moved forward.")

	for _, phrase := range mustIncludePhrases(prompt) {
		b.WriteString(fmt.Sprintf(" Then came %s.", phrase))
	}

	return b.String()
}

func sectionFirstLine(prompt, header string) string {
	idx := strings.Index(prompt, header+"\n")
	if idx < 0 {
		return ""
	}
	for _, line := range strings.Split(prompt[idx+len(header)+1:], "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

func mustIncludePhrases(prompt string) []string {
	const marker = "- Must include: "
	var phrases []string
	for _, line := range strings.Split(prompt, "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), marker)
		if !ok {
			continue
		}
		if p, err := strconv.Unquote(rest); err == nil {
			phrases = append(phrases, p)
		}
	}
	return phrases
}
