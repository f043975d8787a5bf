package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
)

// RetrieverConfig sets the default number of memories per tier.
type RetrieverConfig struct {
	TopKRegular int `koanf:"top_k_regular"`
	TopKVIP     int `koanf:"top_k_vip"`
}

// DefaultRetrieverConfig returns the default top-k per tier.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{TopKRegular: 5, TopKVIP: 10}
}

// Retriever implements engine.Retriever with full-text search over a Store.
type Retriever struct {
	store  *Store
	config RetrieverConfig
	logger *zap.Logger
}

// NewRetriever creates a retriever over store.
func NewRetriever(store *Store, config RetrieverConfig, logger *zap.Logger) (*Retriever, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
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
	return &Retriever{store: store, config: config, logger: logger}, nil
}

// Retrieve searches with the understanding's keywords, falling back to the
// words of the query when there are none.
func (r *Retriever) Retrieve(ctx context.Context, understanding engine.QueryUnderstandingResult, req *engine.EngineRequest, tier engine.UserTier) ([]engine.RetrievedMemory, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", engine.ErrRetrievalUnavailable)
	}

	terms := understanding.Keywords
	if len(terms) == 0 {
		terms = queryTerms(req.UserQuery())
	}

	topK := r.config.TopKRegular
	if tier.IsVIP() {
		topK = r.config.TopKVIP
	}
	if n, ok := engine.IntValue(req.Options(), engine.OptionTopK); ok && n > 0 {
		topK = n
	}

	hits, err := r.store.Search(ctx, terms, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrRetrievalUnavailable, err)
	}

	memories := make([]engine.RetrievedMemory, 0, len(hits))
	for _, h := range hits {
		meta := make(map[string]any, len(h.Meta)+3)
		for k, v := range h.Meta {
			meta[k] = v
		}
		if h.Source != "" {
			meta["source"] = h.Source
		}
		if h.Chapter != "" {
			meta["chapter"] = h.Chapter
		}
		meta["position"] = h.Position
		memories = append(memories, engine.RetrievedMemory{
			ID:      h.ID,
			Content: h.Content,
			Score:   h.Score,
			Meta:    meta,
		})
	}
	sort.SliceStable(memories, func(i, j int) bool {
		return memories[i].Score > memories[j].Score
	})

	r.logger.Debug("memories retrieved",
		zap.String("tier", tier.Value()),
		zap.Int("terms", len(terms)),
		zap.Int("count", len(memories)),
	)
	return memories, nil
}

func queryTerms(query string) []string {
	return strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
