package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabfab/ragchat/config"
	"github.com/fabfab/ragchat/database"
	"github.com/fabfab/ragchat/embeddings"
	"github.com/fabfab/ragchat/index"
	"github.com/fabfab/ragchat/ingestion"
)

var buildDir string

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the document index from the data directory",
	Long: `Reads Markdown, text, CSV and PDF files under the data directory, embeds
them and writes the index. Any previous index is replaced.`,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringVar(&buildDir, "dir", "", "data directory (defaults to RAGCHAT_DATA_DIR)")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dir := buildDir
	if dir == "" {
		dir = cfg.DataDir
	}

	embedder, err := embeddings.NewEmbedder(ctx, cfg)
	if err != nil {
		return fmt.Errorf("embedder setup: %w", err)
	}

	var writer index.Writer
	switch cfg.IndexBackend {
	case config.BackendPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres connection: %w", err)
		}
		defer pool.Close()
		writer = index.PostgresWriter{Pool: pool}
	default:
		writer = index.DirWriter{Dir: cfg.IndexDir}
	}

	logger.Info("building index",
		zap.String("dir", dir),
		zap.String("backend", cfg.IndexBackend),
		zap.String("embeddings", strings.ToUpper(cfg.Embeddings.Provider)+"/"+cfg.Embeddings.Model))

	svc := ingestion.NewService(embedder, writer, logger, ingestion.Options{
		EmbeddingModel: cfg.Embeddings.Model,
		Dimension:      cfg.Embeddings.Dimension,
		CSVEncoding:    cfg.CSV.Encoding,
	})
	meta, err := svc.BuildIndex(ctx, dir)
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d chunks (%d dimensions) with %s\n", meta.NodeCount, meta.Dimension, meta.EmbeddingModel)
	return nil
}
