package rag

import (
	"context"
	"fmt"
)

// IndexStats summarizes one IndexMemories call.
type IndexStats struct {
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
	Batches int `json:"batches"`
}

// IndexMemories embeds documents and writes them to the vector store.
// This function:
// 1. Deletes existing copies when ForceReindex is set
// 2. Drops documents already present when SkipExisting is set
// 3. Generates embeddings in batches
// 4. Upserts each batch with its metadata
func IndexMemories(
	ctx context.Context,
	docs []Document,
	embedder Embedder,
	vectorStore VectorStore,
	opts IndexOptions,
) (IndexStats, error) {
	var stats IndexStats
	if len(docs) == 0 {
		return stats, nil
	}
	if embedder == nil {
		return stats, fmt.Errorf("embedder cannot be nil")
	}
	if vectorStore == nil {
		return stats, fmt.Errorf("vector store cannot be nil")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultIndexOptions().BatchSize
	}

	ids := make([]string, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			return stats, fmt.Errorf("document %d has no ID", i)
		}
		ids[i] = doc.ID
	}

	if opts.ForceReindex {
		if err := vectorStore.Delete(ctx, ids); err != nil {
			return stats, fmt.Errorf("failed to delete existing documents: %w", err)
		}
	}

	toIndex := docs
	if opts.SkipExisting && !opts.ForceReindex {
		toIndex = filterNewDocuments(ctx, docs, ids, vectorStore)
		stats.Skipped = len(docs) - len(toIndex)
	}

	for start := 0; start < len(toIndex); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(toIndex))
		batch := toIndex[start:end]

		texts := make([]string, len(batch))
		for i, doc := range batch {
			texts[i] = doc.Text
		}

		embeddings, err := embedder.Embed(ctx, texts)
		if err != nil {
			return stats, fmt.Errorf("failed to generate embeddings for batch starting at %d: %w", start, err)
		}
		if len(embeddings) != len(batch) {
			return stats, fmt.Errorf("%w: got %d embeddings for batch of %d", ErrEmbeddingFailed, len(embeddings), len(batch))
		}

		records := make([]Record, len(batch))
		for i, doc := range batch {
			records[i] = Record{Document: doc, Embedding: embeddings[i].Embedding}
		}

		if err := vectorStore.Upsert(ctx, records); err != nil {
			return stats, fmt.Errorf("failed to upsert batch starting at %d: %w", start, err)
		}
		stats.Indexed += len(batch)
		stats.Batches++
	}

	return stats, nil
}

// filterNewDocuments removes documents that already exist in the vector store
func filterNewDocuments(ctx context.Context, docs []Document, ids []string, vectorStore VectorStore) []Document {
	existing, err := vectorStore.Exists(ctx, ids)
	if err != nil {
		// Upsert replaces duplicates, so indexing everything is still correct.
		return docs
	}

	fresh := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if !existing[doc.ID] {
			fresh = append(fresh, doc)
		}
	}
	return fresh
}
