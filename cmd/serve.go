package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabfab/ragchat/api"
	"github.com/fabfab/ragchat/chat"
)

const shutdownTimeout = 10 * time.Second

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the browser chat UI",
	Long: `Loads the index and serves the chat UI. Each browser tab gets its own
session over a websocket; sessions end when the tab closes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (defaults to RAGCHAT_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	engine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	chatCfg, err := chat.NewConfig(cfg)
	if err != nil {
		return err
	}

	manager := chat.NewManager(chat.NewService(engine, chatCfg, logger), logger)
	server := api.New(manager, logger)

	addr := serveAddr
	if addr == "" {
		addr = cfg.HTTPAddr
	}

	errc := make(chan error, 1)
	go func() {
		errc <- server.Start(addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Int("sessions", manager.Len()))
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	return server.Shutdown(shutdownCtx)
}
