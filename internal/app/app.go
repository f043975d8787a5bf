// Package app wires configuration into a ready-to-run orchestrator: the
// retrieval backend, the language models and every pipeline stage.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/config"
	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/consistency"
	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/director"
	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/ingest"
	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/memory"
	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/narrative"
	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/orchestrator"
	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/rag"
	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/understanding"
)

// MockVerdict is the judge response used with the mock provider.
const MockVerdict = `{"pass": true, "repairable": true, "violations": []}`

// IndexReport summarizes one Index call.
type IndexReport struct {
	Backend string `json:"backend"`
	Indexed int    `json:"indexed"`
	Skipped int    `json:"skipped"`
}

// indexer writes passages to whichever backend the retriever reads from.
type indexer interface {
	index(ctx context.Context, passages []ingest.Passage, force bool) (IndexReport, error)
}

// App holds the wired pipeline and the resources it owns.
type App struct {
	Config       config.Config
	Orchestrator *orchestrator.Orchestrator
	Metrics      *orchestrator.Metrics

	logger  *zap.Logger
	indexer indexer
	closers []io.Closer
}

// New builds every stage from cfg. reg may be nil to skip metrics.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, logger: logger}

	// Step 1: Retrieval backend
	retriever, err := a.buildRetrieval(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create retrieval backend: %w", err)
	}

	// Step 2: Language models
	writerLLM, judgeLLM, err := buildLLMs(cfg.LLM)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create LLM: %w", err)
	}

	// Step 3: Metrics
	if reg != nil {
		a.Metrics, err = orchestrator.NewMetrics(reg)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	// Step 4: Stages and orchestrator
	stages := orchestrator.Stages{
		Understanding: understanding.NewAnalyzer(cfg.Understanding),
		Retriever:     retriever,
		Director:      director.NewRuleDirector(cfg.Director),
		Writer:        narrative.NewWriter(writerLLM, cfg.LLM.Writer(), logger.Named("writer")),
		LowLevel:      consistency.NewRuleChecker(),
		HighLevel:     consistency.NewJudgeChecker(judgeLLM, logger.Named("judge")),
	}
	a.Orchestrator, err = orchestrator.New(stages, cfg.Engine.Orchestrator(),
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithMetrics(a.Metrics),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	logger.Info("engine ready",
		zap.String("retrieval_backend", cfg.Retrieval.Backend),
		zap.String("embedder", cfg.Retrieval.Embedder),
		zap.String("llm_provider", cfg.LLM.Provider),
	)
	return a, nil
}

// Run executes one request through the pipeline.
func (a *App) Run(ctx context.Context, req *engine.EngineRequest, tier engine.UserTier) (*engine.EngineResponse, error) {
	return a.Orchestrator.Run(ctx, req, tier)
}

// Index writes passages into the configured retrieval backend. With force,
// existing passages are replaced instead of skipped.
func (a *App) Index(ctx context.Context, passages []ingest.Passage, force bool) (IndexReport, error) {
	report, err := a.indexer.index(ctx, passages, force)
	if err != nil {
		return report, err
	}
	a.logger.Info("passages indexed",
		zap.String("backend", report.Backend),
		zap.Int("indexed", report.Indexed),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}

// Close releases stores and connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) buildRetrieval(ctx context.Context) (engine.Retriever, error) {
	cfg := a.Config
	if cfg.Retrieval.Backend == config.BackendSQLite {
		store, err := memory.Open(cfg.Memory.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		a.indexer = memoryIndexer{store: store}
		return memory.NewRetriever(store, memory.RetrieverConfig{
			TopKRegular: cfg.Retrieval.TopKRegular,
			TopKVIP:     cfg.Retrieval.TopKVIP,
		}, a.logger.Named("retriever"))
	}

	embedder, err := buildEmbedder(cfg.Retrieval)
	if err != nil {
		return nil, err
	}

	var store rag.VectorStore
	switch cfg.Retrieval.Backend {
	case config.BackendMilvus:
		milvusCfg := cfg.Milvus
		milvusCfg.Dimension = embedder.GetDimension()
		store, err = rag.NewMilvusStore(ctx, milvusCfg)
	default:
		store, err = rag.NewChromemStore(cfg.Chromem, a.logger.Named("chromem"))
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store)
	a.indexer = vectorIndexer{backend: cfg.Retrieval.Backend, embedder: embedder, store: store}

	return rag.NewRetriever(embedder, store, rag.RetrieverConfig{
		TopKRegular: cfg.Retrieval.TopKRegular,
		TopKVIP:     cfg.Retrieval.TopKVIP,
	}, a.logger.Named("retriever"))
}

func buildEmbedder(cfg config.RetrievalConfig) (rag.Embedder, error) {
	if cfg.Embedder == config.ProviderOpenAI {
		return rag.NewOpenAIEmbedder(cfg.Embedding)
	}
	return rag.NewHashEmbedder(cfg.Embedding.Dimension), nil
}

func buildLLMs(cfg config.LLMConfig) (writer, judge narrative.LLM, err error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		w, err := narrative.NewOpenAILLM(cfg.Writer())
		if err != nil {
			return nil, nil, err
		}
		j, err := narrative.NewOpenAILLM(cfg.Judge())
		if err != nil {
			return nil, nil, err
		}
		writer, judge = w, j
	default:
		writer, judge = &narrative.MockLLM{}, narrative.NewMockLLM(MockVerdict)
	}

	if cfg.RequestsPerSecond > 0 {
		writer = narrative.NewRateLimitedLLM(writer, cfg.RequestsPerSecond, cfg.Burst)
		judge = narrative.NewRateLimitedLLM(judge, cfg.RequestsPerSecond, cfg.Burst)
	}
	return writer, judge, nil
}

type vectorIndexer struct {
	backend  string
	embedder rag.Embedder
	store    rag.VectorStore
}

func (v vectorIndexer) index(ctx context.Context, passages []ingest.Passage, force bool) (IndexReport, error) {
	docs := make([]rag.Document, len(passages))
	for i, p := range passages {
		docs[i] = rag.Document{
			ID:       p.ID,
			Text:     p.Text,
			Source:   p.Source,
			Chapter:  p.Chapter,
			Position: p.Position,
		}
	}
	opts := rag.DefaultIndexOptions()
	opts.ForceReindex = force
	stats, err := rag.IndexMemories(ctx, docs, v.embedder, v.store, opts)
	return IndexReport{Backend: v.backend, Indexed: stats.Indexed, Skipped: stats.Skipped}, err
}

type memoryIndexer struct {
	store *memory.Store
}

func (m memoryIndexer) index(ctx context.Context, passages []ingest.Passage, _ bool) (IndexReport, error) {
	memories := make([]memory.Memory, len(passages))
	for i, p := range passages {
		memories[i] = memory.Memory{
			ID:       p.ID,
			Content:  p.Text,
			Source:   p.Source,
			Chapter:  p.Chapter,
			Position: p.Position,
		}
	}
	stored, err := m.store.Put(ctx, memories...)
	return IndexReport{Backend: config.BackendSQLite, Indexed: len(stored)}, err
}
