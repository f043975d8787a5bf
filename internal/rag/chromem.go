package rag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("starrynight.rag.chromem")

// errNoEmbedding is returned by the collection's embedding func. Records
// always carry their own embedding, so chromem never needs to compute one.
var errNoEmbedding = errors.New("records must carry embeddings")

// Metadata keys used to store Document fields in chromem's string map.
const (
	chromemSource   = "source"
	chromemChapter  = "chapter"
	chromemPosition = "position"
	chromemMeta     = "meta"
)

// ChromemConfig holds configuration for the embedded chromem-go store.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty keeps the store in memory.
	Path       string `koanf:"path"`
	Compress   bool   `koanf:"compress"`
	Collection string `koanf:"collection"`
}

// DefaultChromemConfig returns an in-memory configuration.
func DefaultChromemConfig() ChromemConfig {
	return ChromemConfig{Collection: "starry_memories"}
}

// ChromemStore implements VectorStore on chromem-go. It needs no external
// service and optionally persists to gob files under Path.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *zap.Logger
}

// NewChromemStore opens (or creates) the store described by config.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Collection == "" {
		config.Collection = DefaultChromemConfig().Collection
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(config.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", config.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(config.Path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	noEmbed := func(context.Context, string) ([]float32, error) {
		return nil, errNoEmbedding
	}
	collection, err := db.GetOrCreateCollection(config.Collection, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", config.Collection, err)
	}

	logger.Info("chromem store initialized",
		zap.String("path", config.Path),
		zap.String("collection", config.Collection),
		zap.Int("documents", collection.Count()),
	)

	return &ChromemStore{db: db, collection: collection, logger: logger}, nil
}

// Upsert adds records, replacing any with the same ID.
func (s *ChromemStore) Upsert(ctx context.Context, records []Record) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.Int("record_count", len(records)))

	if len(records) == 0 {
		return ErrEmptyRecords
	}

	docs := make([]chromem.Document, len(records))
	for i, record := range records {
		if len(record.Embedding) == 0 {
			return fmt.Errorf("%w: record %s", errNoEmbedding, record.ID)
		}
		meta, err := encodeMeta(record.Meta)
		if err != nil {
			return fmt.Errorf("%w: record %s: %v", ErrInsertFailed, record.ID, err)
		}
		docs[i] = chromem.Document{
			ID:        record.ID,
			Content:   record.Text,
			Embedding: slices.Clone(record.Embedding),
			Metadata: map[string]string{
				chromemSource:   record.Source,
				chromemChapter:  record.Chapter,
				chromemPosition: strconv.Itoa(record.Position),
				chromemMeta:     meta,
			},
		}
	}

	if err := s.collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return fmt.Errorf("%w: %v", ErrInsertFailed, err)
	}

	s.logger.Debug("records upserted", zap.Int("count", len(records)))
	return nil
}

// Search returns up to topK records by cosine similarity. A single source
// filter is pushed into chromem; several are applied after the query.
func (s *ChromemStore) Search(ctx context.Context, queryVector []float32, topK int, opts *SearchOptions) ([]Hit, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("top_k", topK))

	if len(queryVector) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", ErrInvalidDimension)
	}
	count := s.collection.Count()
	if topK <= 0 || count == 0 {
		return []Hit{}, nil
	}

	var where map[string]string
	var sources []string
	n := min(topK, count)
	if opts != nil {
		switch len(opts.Sources) {
		case 0:
		case 1:
			where = map[string]string{chromemSource: opts.Sources[0]}
		default:
			sources = opts.Sources
			n = count
		}
	}

	results, err := s.collection.QueryEmbedding(ctx, queryVector, n, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}

	hits := make([]Hit, 0, min(len(results), topK))
	for _, r := range results {
		if len(hits) >= topK {
			break
		}
		if sources != nil && !slices.Contains(sources, r.Metadata[chromemSource]) {
			continue
		}
		position, _ := strconv.Atoi(r.Metadata[chromemPosition])
		hits = append(hits, Hit{
			ID:       r.ID,
			Text:     r.Content,
			Score:    r.Similarity,
			Source:   r.Metadata[chromemSource],
			Chapter:  r.Metadata[chromemChapter],
			Position: position,
			Meta:     decodeMeta(r.Metadata[chromemMeta]),
		})
	}

	span.SetAttributes(attribute.Int("hit_count", len(hits)))
	return hits, nil
}

// Exists reports which IDs are present.
func (s *ChromemStore) Exists(ctx context.Context, ids []string) (map[string]bool, error) {
	existence := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" {
			existence[id] = false
			continue
		}
		_, err := s.collection.GetByID(ctx, id)
		existence[id] = err == nil
	}
	return existence, nil
}

// Delete removes records by ID. Unknown IDs are ignored.
func (s *ChromemStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.collection.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}
	return nil
}

// Count returns the number of stored records.
func (s *ChromemStore) Count(context.Context) (int, error) {
	return s.collection.Count(), nil
}

// Close is a no-op; persistent stores write through on every change.
func (s *ChromemStore) Close() error {
	return nil
}
