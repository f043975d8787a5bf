package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
)

func seededRetriever(t *testing.T) (*Retriever, *Store) {
	t.Helper()
	s := openTestStore(t)
	_, err := s.Put(context.Background(),
		Memory{ID: "m1", Content: "Mei hid the lantern beneath the pier.", Source: "ch1.md", Chapter: "ch1"},
		Memory{ID: "m2", Content: "The lantern, the pier, the lantern again.", Source: "ch2.md", Position: 3},
		Memory{ID: "m3", Content: "Snow on the northern pass."},
	)
	require.NoError(t, err)
	r, err := NewRetriever(s, DefaultRetrieverConfig(), nil)
	require.NoError(t, err)
	return r, s
}

func TestRetriever_Retrieve(t *testing.T) {
	r, _ := seededRetriever(t)
	req, err := engine.NewRequest("Where is the lantern?", nil, nil)
	require.NoError(t, err)

	memories, err := r.Retrieve(context.Background(),
		engine.QueryUnderstandingResult{Keywords: []string{"lantern", "pier"}}, req, engine.TierRegular)
	require.NoError(t, err)
	require.Len(t, memories, 2)
	for i := 1; i < len(memories); i++ {
		assert.GreaterOrEqual(t, memories[i-1].Score, memories[i].Score)
	}
	assert.ElementsMatch(t, []string{"m1", "m2"}, []string{memories[0].ID, memories[1].ID})

	for _, m := range memories {
		if m.ID == "m1" {
			assert.Equal(t, "ch1.md", m.Meta["source"])
			assert.Equal(t, "ch1", m.Meta["chapter"])
		}
	}
}

func TestRetriever_FallsBackToQueryWords(t *testing.T) {
	r, _ := seededRetriever(t)
	req, err := engine.NewRequest("snow", nil, nil)
	require.NoError(t, err)

	memories, err := r.Retrieve(context.Background(), engine.QueryUnderstandingResult{}, req, engine.TierVIP)
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, "m3", memories[0].ID)
}

func TestRetriever_TopKOption(t *testing.T) {
	r, _ := seededRetriever(t)
	req, err := engine.NewRequest("lantern", nil, map[string]any{"top_k": 1})
	require.NoError(t, err)

	memories, err := r.Retrieve(context.Background(), engine.QueryUnderstandingResult{Keywords: []string{"lantern"}}, req, engine.TierVIP)
	require.NoError(t, err)
	assert.Len(t, memories, 1)
}

func TestRetriever_NoMatchesIsEmpty(t *testing.T) {
	r, _ := seededRetriever(t)
	req, err := engine.NewRequest("dragons", nil, nil)
	require.NoError(t, err)

	memories, err := r.Retrieve(context.Background(), engine.QueryUnderstandingResult{Keywords: []string{"dragons"}}, req, engine.TierRegular)
	require.NoError(t, err)
	assert.NotNil(t, memories)
	assert.Empty(t, memories)
}

func TestRetriever_ClosedStore(t *testing.T) {
	r, s := seededRetriever(t)
	require.NoError(t, s.Close())
	req, err := engine.NewRequest("lantern", nil, nil)
	require.NoError(t, err)

	_, err = r.Retrieve(context.Background(), engine.QueryUnderstandingResult{Keywords: []string{"lantern"}}, req, engine.TierRegular)
	assert.ErrorIs(t, err, engine.ErrRetrievalUnavailable)
}

func TestNewRetriever_NilStore(t *testing.T) {
	_, err := NewRetriever(nil, RetrieverConfig{}, nil)
	assert.Error(t, err)
}
