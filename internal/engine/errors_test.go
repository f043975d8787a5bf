package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFailure_IsMatchesKindSentinel(t *testing.T) {
	cause := errors.New("backend down")
	f := NewFailure(KindWritingFailed, "writer failed", cause)

	assert.True(t, errors.Is(f, ErrWritingFailed))
	assert.False(t, errors.Is(f, ErrPlanningFailed))
	assert.True(t, errors.Is(f, cause))
	assert.Contains(t, f.Error(), "WritingFailed")
	assert.Contains(t, f.Error(), "backend down")
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "failure", err: NewFailure(KindConsistencyUnresolved, "x", nil), want: KindConsistencyUnresolved},
		{name: "wrapped failure", err: fmt.Errorf("outer: %w", NewFailure(KindCancelled, "x", nil)), want: KindCancelled},
		{name: "wrapped sentinel", err: fmt.Errorf("%w: milvus down", ErrRetrievalUnavailable), want: KindRetrievalUnavailable},
		{name: "context canceled", err: context.Canceled, want: KindCancelled},
		{name: "unknown", err: errors.New("boom"), want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestFailureKind_Fatal(t *testing.T) {
	assert.False(t, KindRetrievalUnavailable.Fatal())
	assert.False(t, KindConsistencyTimeout.Fatal())
	assert.True(t, KindWritingFailed.Fatal())
	assert.True(t, KindCancelled.Fatal())
}
