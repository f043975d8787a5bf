package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/app"
	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/config"
	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/logging"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "starry",
	Short: "Starry Night - long-form fiction generation engine",
	Long: `Starry Night generates story passages through a staged pipeline.

Each request is understood, grounded in retrieved manuscript memories,
planned, written, and checked for consistency by a rule checker and an
LLM judge. Drafts that fail are repaired up to a per-tier bound.

Configuration is read from --config (YAML) and STARRY_* environment
variables. Without either, the engine runs offline with a mock LLM.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
}

// loadConfig reads configuration and builds the logger it describes.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// newApp builds the engine from cfg and registers its metrics on reg.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*app.App, error) {
	a, err := app.New(ctx, *cfg, logger, reg)
	if err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	return a, nil
}
