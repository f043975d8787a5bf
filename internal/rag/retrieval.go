package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
)

// Hit metadata keys copied onto RetrievedMemory.Meta.
const (
	MetaSource   = "source"
	MetaChapter  = "chapter"
	MetaPosition = "position"
)

// RetrieverConfig sets the default number of memories per tier.
type RetrieverConfig struct {
	TopKRegular int `koanf:"top_k_regular"`
	TopKVIP     int `koanf:"top_k_vip"`
}

// DefaultRetrieverConfig returns the default top-k per tier.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		TopKRegular: 5,
		TopKVIP:     10,
	}
}

// Retriever implements engine.Retriever with semantic search over a vector store.
type Retriever struct {
	embedder    Embedder
	vectorStore VectorStore
	config      RetrieverConfig
	logger      *zap.Logger
}

// NewRetriever creates a new Retriever instance.
func NewRetriever(embedder Embedder, vectorStore VectorStore, config RetrieverConfig, logger *zap.Logger) (*Retriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	if vectorStore == nil {
		return nil, fmt.Errorf("vector store cannot be nil")
	}
	defaults := DefaultRetrieverConfig()
	if config.TopKRegular <= 0 {
		config.TopKRegular = defaults.TopKRegular
	}
	if config.TopKVIP <= 0 {
		config.TopKVIP = defaults.TopKVIP
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Retriever{
		embedder:    embedder,
		vectorStore: vectorStore,
		config:      config,
		logger:      logger,
	}, nil
}

// TopK returns the number of memories to fetch: the top_k option when it is
// positive, otherwise the tier default.
func (r *Retriever) TopK(req *engine.EngineRequest, tier engine.UserTier) int {
	if req != nil {
		if n, ok := engine.IntValue(req.Options(), engine.OptionTopK); ok && n > 0 {
			return n
		}
	}
	if tier.IsVIP() {
		return r.config.TopKVIP
	}
	return r.config.TopKRegular
}

// Retrieve embeds the query with its keywords and searches the vector store.
// Results are ordered by descending score with ties kept in store order.
func (r *Retriever) Retrieve(ctx context.Context, understanding engine.QueryUnderstandingResult, req *engine.EngineRequest, tier engine.UserTier) ([]engine.RetrievedMemory, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", engine.ErrRetrievalUnavailable)
	}

	query := SearchText(req.UserQuery(), understanding.Keywords)
	if query == "" {
		return []engine.RetrievedMemory{}, nil
	}
	topK := r.TopK(req, tier)

	embeddings, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to embed query: %w", engine.ErrRetrievalUnavailable, err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embedding generated for query", engine.ErrRetrievalUnavailable)
	}

	hits, err := r.vectorStore.Search(ctx, embeddings[0].Embedding, topK, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrRetrievalUnavailable, err)
	}

	memories := HitsToMemories(hits)
	if len(memories) > topK {
		memories = memories[:topK]
	}

	r.logger.Debug("memories retrieved",
		zap.String("tier", tier.Value()),
		zap.Int("top_k", topK),
		zap.Int("count", len(memories)),
	)
	return memories, nil
}

// SearchText joins the query and the keywords not already in it.
func SearchText(query string, keywords []string) string {
	query = strings.TrimSpace(query)
	lower := strings.ToLower(query)
	parts := []string{}
	if query != "" {
		parts = append(parts, query)
	}
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k != "" && !strings.Contains(lower, strings.ToLower(k)) {
			parts = append(parts, k)
		}
	}
	return strings.Join(parts, " ")
}

// HitsToMemories converts hits and stably sorts them by descending score.
func HitsToMemories(hits []Hit) []engine.RetrievedMemory {
	memories := make([]engine.RetrievedMemory, 0, len(hits))
	for _, hit := range hits {
		meta := make(map[string]any, len(hit.Meta)+3)
		for k, v := range hit.Meta {
			meta[k] = v
		}
		if hit.Source != "" {
			meta[MetaSource] = hit.Source
		}
		if hit.Chapter != "" {
			meta[MetaChapter] = hit.Chapter
		}
		meta[MetaPosition] = hit.Position
		memories = append(memories, engine.RetrievedMemory{
			ID:      hit.ID,
			Content: hit.Text,
			Score:   float64(hit.Score),
			Meta:    meta,
		})
	}
	sort.SliceStable(memories, func(i, j int) bool {
		return memories[i].Score > memories[j].Score
	})
	return memories
}
