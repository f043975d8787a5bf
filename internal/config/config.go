// Package config loads engine configuration from a YAML file overlaid with
// STARRY_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/director"
	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/logging"
	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/narrative"
	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/orchestrator"
	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/rag"
	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/understanding"
)

// EnvPrefix is stripped from environment variable names before mapping them
// to keys: STARRY_LLM_API_KEY -> llm.api_key.
const EnvPrefix = "STARRY_"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Retrieval backends.
const (
	BackendChromem = "chromem"
	BackendMilvus  = "milvus"
	BackendSQLite  = "sqlite"
)

// LLM and embedding providers.
const (
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
	ProviderHash   = "hash"
)

// Config is the complete application configuration.
type Config struct {
	Engine        EngineConfig         `koanf:"engine"`
	LLM           LLMConfig            `koanf:"llm"`
	Retrieval     RetrievalConfig      `koanf:"retrieval"`
	Milvus        rag.MilvusConfig     `koanf:"milvus"`
	Chromem       rag.ChromemConfig    `koanf:"chromem"`
	Memory        MemoryConfig         `koanf:"memory"`
	Understanding understanding.Config `koanf:"understanding"`
	Director      director.Config      `koanf:"director"`
	Server        ServerConfig         `koanf:"server"`
	Log           logging.Config       `koanf:"log"`
}

// EngineConfig holds the orchestrator's tier policies.
type EngineConfig struct {
	Verbose bool                    `koanf:"verbose"`
	Regular orchestrator.TierPolicy `koanf:"regular"`
	VIP     orchestrator.TierPolicy `koanf:"vip"`
}

// Orchestrator converts the section to an orchestrator.Config.
func (c EngineConfig) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		Tiers: map[engine.UserTier]orchestrator.TierPolicy{
			engine.TierRegular: c.Regular,
			engine.TierVIP:     c.VIP,
		},
		Verbose: c.Verbose,
	}
}

// LLMConfig configures the writer and judge models.
type LLMConfig struct {
	Provider          string  `koanf:"provider"` // openai or mock
	Model             string  `koanf:"model"`
	JudgeModel        string  `koanf:"judge_model"`
	Temperature       float32 `koanf:"temperature"`
	MaxTokens         int     `koanf:"max_tokens"`
	APIKey            string  `koanf:"api_key"`
	BaseURL           string  `koanf:"base_url"`
	RequestsPerSecond float64 `koanf:"requests_per_second"` // 0 disables rate limiting
	Burst             int     `koanf:"burst"`
}

// Writer returns the writer model settings.
func (c LLMConfig) Writer() narrative.LLMConfig {
	return narrative.LLMConfig{
		Model:       c.Model,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
		APIKey:      c.APIKey,
		BaseURL:     c.BaseURL,
	}
}

// Judge returns the judge model settings: JudgeModel (or Model) at zero temperature.
func (c LLMConfig) Judge() narrative.LLMConfig {
	cfg := c.Writer()
	if c.JudgeModel != "" {
		cfg.Model = c.JudgeModel
	}
	cfg.Temperature = 0
	return cfg
}

// RetrievalConfig selects the retrieval backend.
type RetrievalConfig struct {
	Backend     string             `koanf:"backend"`  // chromem, milvus or sqlite
	Embedder    string             `koanf:"embedder"` // openai or hash
	TopKRegular int                `koanf:"top_k_regular"`
	TopKVIP     int                `koanf:"top_k_vip"`
	Embedding   rag.EmbedderConfig `koanf:"embedding"`
}

// MemoryConfig configures the SQLite keyword store.
type MemoryConfig struct {
	Path string `koanf:"path"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Address         string        `koanf:"address"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Default returns a configuration that runs fully offline: mock LLM, hash
// embeddings and an in-memory chromem store.
func Default() Config {
	orch := orchestrator.DefaultConfig()
	llm := narrative.DefaultLLMConfig()
	return Config{
		Engine: EngineConfig{
			Regular: orch.Tiers[engine.TierRegular],
			VIP:     orch.Tiers[engine.TierVIP],
		},
		LLM: LLMConfig{
			Provider:    ProviderMock,
			Model:       llm.Model,
			Temperature: llm.Temperature,
			MaxTokens:   llm.MaxTokens,
			Burst:       1,
		},
		Retrieval: RetrievalConfig{
			Backend:     BackendChromem,
			Embedder:    ProviderHash,
			TopKRegular: rag.DefaultRetrieverConfig().TopKRegular,
			TopKVIP:     rag.DefaultRetrieverConfig().TopKVIP,
			Embedding:   rag.DefaultEmbedderConfig(),
		},
		Milvus:        rag.DefaultMilvusConfig(),
		Chromem:       rag.DefaultChromemConfig(),
		Memory:        MemoryConfig{Path: "data/memory.db"},
		Understanding: understanding.DefaultConfig(),
		Director:      director.DefaultConfig(),
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    2 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: logging.DefaultConfig(),
	}
}

// Load reads path (if non-empty) and then environment overrides on top of
// Default. A named file that does not exist is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// STARRY_SECTION_FIELD_NAME -> section.field_name
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// Validate checks enumerations and numeric ranges.
func (c Config) Validate() error {
	switch c.Retrieval.Backend {
	case BackendChromem, BackendMilvus, BackendSQLite:
	default:
		return fmt.Errorf("%w: retrieval.backend %q (want chromem, milvus or sqlite)", ErrInvalidConfig, c.Retrieval.Backend)
	}
	switch c.Retrieval.Embedder {
	case ProviderOpenAI, ProviderHash:
	default:
		return fmt.Errorf("%w: retrieval.embedder %q (want openai or hash)", ErrInvalidConfig, c.Retrieval.Embedder)
	}
	if c.Retrieval.Embedding.Dimension <= 0 {
		return fmt.Errorf("%w: retrieval.embedding.dimension must be positive", ErrInvalidConfig)
	}
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderMock:
	default:
		return fmt.Errorf("%w: llm.provider %q (want openai or mock)", ErrInvalidConfig, c.LLM.Provider)
	}
	if c.LLM.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: llm.requests_per_second must not be negative", ErrInvalidConfig)
	}
	for name, policy := range map[string]orchestrator.TierPolicy{"regular": c.Engine.Regular, "vip": c.Engine.VIP} {
		if policy.RepairBound < 0 {
			return fmt.Errorf("%w: engine.%s.repair_bound must not be negative", ErrInvalidConfig, name)
		}
		if policy.StageTimeout < 0 || policy.LowLevelTimeout < 0 || policy.HighLevelTimeout < 0 {
			return fmt.Errorf("%w: engine.%s timeouts must not be negative", ErrInvalidConfig, name)
		}
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
