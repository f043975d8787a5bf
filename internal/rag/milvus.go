package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

// Common errors for vector store operations
var (
	ErrInvalidDimension = errors.New("invalid vector dimension")
	ErrEmptyRecords     = errors.New("no records provided for insertion")
	ErrConnectionFailed = errors.New("failed to connect to Milvus")
	ErrInsertFailed     = errors.New("failed to insert records")
	ErrSearchFailed     = errors.New("failed to search vectors")
)

const (
	maxIDLength     = 128
	maxTextLength   = 65535
	maxSourceLength = 1024
)

// MilvusConfig holds configuration for Milvus connection and collection
type MilvusConfig struct {
	Address        string `koanf:"address"`    // Milvus server address (e.g., "localhost:19530")
	Collection     string `koanf:"collection"` // Name of the collection
	Dimension      int    `koanf:"dimension"`  // Vector dimension, must match the embedder
	M              int    `koanf:"m"`          // HNSW M parameter
	EfConstruction int    `koanf:"ef_construction"`
	EfSearch       int    `koanf:"ef_search"`
}

// DefaultMilvusConfig returns the default connection and index settings.
func DefaultMilvusConfig() MilvusConfig {
	return MilvusConfig{
		Address:        "localhost:19530",
		Collection:     "starry_memories",
		Dimension:      1536,
		M:              16,
		EfConstruction: 256,
		EfSearch:       64,
	}
}

// MilvusStore implements VectorStore using Milvus
type MilvusStore struct {
	client client.Client
	config MilvusConfig
}

// NewMilvusStore connects to Milvus and ensures the collection exists with
// the memory schema, an HNSW index, and is loaded.
func NewMilvusStore(ctx context.Context, config MilvusConfig) (*MilvusStore, error) {
	if config.Dimension <= 0 {
		return nil, ErrInvalidDimension
	}
	defaults := DefaultMilvusConfig()
	if config.Collection == "" {
		config.Collection = defaults.Collection
	}
	if config.M <= 0 {
		config.M = defaults.M
	}
	if config.EfConstruction <= 0 {
		config.EfConstruction = defaults.EfConstruction
	}
	if config.EfSearch <= 0 {
		config.EfSearch = defaults.EfSearch
	}

	c, err := client.NewGrpcClient(ctx, config.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	store := &MilvusStore{
		client: c,
		config: config,
	}

	if err := store.ensureCollection(ctx); err != nil {
		c.Close()
		return nil, err
	}

	return store, nil
}

// ensureCollection creates the collection with schema if it doesn't exist
func (m *MilvusStore) ensureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.config.Collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if has {
		return m.client.LoadCollection(ctx, m.config.Collection, false)
	}

	schema := &entity.Schema{
		CollectionName: m.config.Collection,
		Description:    "manuscript memories",
		Fields: []*entity.Field{
			{
				Name:       "id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				TypeParams: map[string]string{
					"max_length": strconv.Itoa(maxIDLength),
				},
			},
			{
				Name:     "text",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": strconv.Itoa(maxTextLength),
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": strconv.Itoa(m.config.Dimension),
				},
			},
			{
				Name:     "source",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": strconv.Itoa(maxSourceLength),
				},
			},
			{
				Name:     "chapter",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": strconv.Itoa(maxSourceLength),
				},
			},
			{
				Name:     "position",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "meta",
				DataType: entity.FieldTypeVarChar, // JSON-encoded Document.Meta
				TypeParams: map[string]string{
					"max_length": strconv.Itoa(maxTextLength),
				},
			},
		},
	}

	if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexHNSW(entity.COSINE, m.config.M, m.config.EfConstruction)
	if err != nil {
		return fmt.Errorf("failed to create index config: %w", err)
	}
	if err := m.client.CreateIndex(ctx, m.config.Collection, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := m.client.LoadCollection(ctx, m.config.Collection, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

// Upsert writes records, replacing any with the same ID, then flushes.
func (m *MilvusStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return ErrEmptyRecords
	}

	ids := make([]string, len(records))
	texts := make([]string, len(records))
	embeddings := make([][]float32, len(records))
	sources := make([]string, len(records))
	chapters := make([]string, len(records))
	positions := make([]int64, len(records))
	metas := make([]string, len(records))

	for i, record := range records {
		if len(record.Embedding) != m.config.Dimension {
			return fmt.Errorf("%w: record %s has %d, expected %d", ErrInvalidDimension, record.ID, len(record.Embedding), m.config.Dimension)
		}
		meta, err := encodeMeta(record.Meta)
		if err != nil {
			return fmt.Errorf("%w: record %s: %v", ErrInsertFailed, record.ID, err)
		}
		ids[i] = record.ID
		texts[i] = truncateBytes(record.Text, maxTextLength)
		embeddings[i] = record.Embedding
		sources[i] = truncateBytes(record.Source, maxSourceLength)
		chapters[i] = truncateBytes(record.Chapter, maxSourceLength)
		positions[i] = int64(record.Position)
		metas[i] = meta
	}

	columns := []entity.Column{
		entity.NewColumnVarChar("id", ids),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnFloatVector("embedding", m.config.Dimension, embeddings),
		entity.NewColumnVarChar("source", sources),
		entity.NewColumnVarChar("chapter", chapters),
		entity.NewColumnInt64("position", positions),
		entity.NewColumnVarChar("meta", metas),
	}

	if _, err := m.client.Upsert(ctx, m.config.Collection, "", columns...); err != nil {
		return fmt.Errorf("%w: %v", ErrInsertFailed, err)
	}

	if err := m.client.Flush(ctx, m.config.Collection, false); err != nil {
		return fmt.Errorf("failed to flush data: %w", err)
	}
	return nil
}

// Search performs top-K cosine similarity search with optional source filtering
func (m *MilvusStore) Search(ctx context.Context, queryVector []float32, topK int, opts *SearchOptions) ([]Hit, error) {
	if len(queryVector) != m.config.Dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidDimension, m.config.Dimension, len(queryVector))
	}
	if topK <= 0 {
		return []Hit{}, nil
	}

	expr := ""
	if opts != nil && len(opts.Sources) > 0 {
		expr = "source in " + quoteList(opts.Sources)
	}

	sp, err := entity.NewIndexHNSWSearchParam(m.config.EfSearch)
	if err != nil {
		return nil, fmt.Errorf("failed to create search params: %w", err)
	}

	results, err := m.client.Search(
		ctx,
		m.config.Collection,
		nil, // partition names
		expr,
		[]string{"text", "source", "chapter", "position", "meta"},
		[]entity.Vector{entity.FloatVector(queryVector)},
		"embedding",
		entity.COSINE,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}
	if len(results) == 0 {
		return []Hit{}, nil
	}

	result := results[0]
	hits := make([]Hit, 0, result.ResultCount)
	ids, _ := result.IDs.(*entity.ColumnVarChar)
	for i := 0; i < result.ResultCount; i++ {
		hit := Hit{Score: result.Scores[i]}
		if ids != nil {
			hit.ID = ids.Data()[i]
		}
		for _, field := range result.Fields {
			switch col := field.(type) {
			case *entity.ColumnVarChar:
				switch col.Name() {
				case "text":
					hit.Text = col.Data()[i]
				case "source":
					hit.Source = col.Data()[i]
				case "chapter":
					hit.Chapter = col.Data()[i]
				case "meta":
					hit.Meta = decodeMeta(col.Data()[i])
				}
			case *entity.ColumnInt64:
				if col.Name() == "position" {
					hit.Position = int(col.Data()[i])
				}
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Exists checks which IDs are present in the store
func (m *MilvusStore) Exists(ctx context.Context, ids []string) (map[string]bool, error) {
	existence := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return existence, nil
	}
	for _, id := range ids {
		existence[id] = false
	}

	results, err := m.client.Query(
		ctx,
		m.config.Collection,
		nil, // partition names
		"id in "+quoteList(ids),
		[]string{"id"},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query ids: %w", err)
	}

	for _, column := range results {
		if column.Name() != "id" {
			continue
		}
		if varchar, ok := column.(*entity.ColumnVarChar); ok {
			for _, id := range varchar.Data() {
				existence[id] = true
			}
		}
	}
	return existence, nil
}

// Delete removes records by ID
func (m *MilvusStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := m.client.Delete(ctx, m.config.Collection, "", "id in "+quoteList(ids)); err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}
	return nil
}

// Count returns the collection's row count.
func (m *MilvusStore) Count(ctx context.Context) (int, error) {
	stats, err := m.client.GetCollectionStatistics(ctx, m.config.Collection)
	if err != nil {
		return 0, fmt.Errorf("failed to get stats: %w", err)
	}
	n, err := strconv.Atoi(stats["row_count"])
	if err != nil {
		return 0, fmt.Errorf("unexpected row_count %q: %w", stats["row_count"], err)
	}
	return n, nil
}

// Close releases resources and closes the Milvus connection
func (m *MilvusStore) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// quoteList renders ids as a Milvus expression list: ["a", "b"].
func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func encodeMeta(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMeta(raw string) map[string]any {
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil || len(meta) == 0 {
		return nil
	}
	return meta
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
