package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fabfab/ragchat/config"
	"github.com/fabfab/ragchat/embeddings"
	"github.com/fabfab/ragchat/index"
	"github.com/fabfab/ragchat/llm"
)

var (
	configPath string
	envFile    string
	verbose    bool

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ragchat",
	Short: "Chat with a pre-built document index",
	Long: `ragchat answers questions from a document index built ahead of time.

Build the index from a data directory once, then chat with it in the
browser or in the terminal. CSV files can be attached to a question and are
sent along as a Markdown table.

  ragchat build --dir data     # build .kb from ./data
  ragchat serve                # browser chat on RAGCHAT_ADDR
  ragchat chat                 # terminal chat`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = loaded

		logger, err = newLogger(verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML file overlaid on the environment configuration")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load instead of ./.env")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func loadConfig() (config.Config, error) {
	var (
		loaded config.Config
		err    error
	)
	if envFile != "" {
		loaded, err = config.LoadEnvFile(envFile)
		if err != nil {
			return config.Config{}, err
		}
	} else {
		loaded = config.Load()
	}

	if configPath != "" {
		loaded, err = config.LoadFile(loaded, configPath)
		if err != nil {
			return config.Config{}, err
		}
	}

	loaded = loaded.WithDefaults()
	if err := loaded.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return loaded, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if debug {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return zcfg.Build()
}

// openEngine loads the persisted index once for the whole process. Any
// failure here stops the command before a session is served.
func openEngine(ctx context.Context) (*index.Engine, error) {
	embedder, err := embeddings.NewEmbedder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("embedder setup: %w", err)
	}

	llmClient, err := llm.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("llm setup: %w", err)
	}

	engine, err := index.Load(ctx, cfg, embedder, llmClient, logger)
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	return engine, nil
}
