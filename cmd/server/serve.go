package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/makeasinger/karaoke/internal/deps"
	"github.com/makeasinger/karaoke/internal/server"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), ctx)
		},
	}
}

func runServer(parent context.Context, ctx *commandContext) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	log, err := ctx.ensureLogger(os.Stdout)
	if err != nil {
		return err
	}

	for _, missing := range deps.Missing(deps.CheckBinaries(deps.Requirements(cfg.Tools))) {
		log.Warn("external tool unavailable",
			zap.String("tool", missing.Name),
			zap.String("command", missing.Command),
			zap.String("install", missing.Hint),
		)
	}

	components, err := server.Build(cfg, log, nil)
	if err != nil {
		return err
	}
	app := server.NewApp(components)

	if parent == nil {
		parent = context.Background()
	}
	sigCtx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-sigCtx.Done()
		log.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("server shutdown error", zap.Error(err))
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info("server starting", zap.String("addr", addr), zap.Int("maxConcurrentJobs", cfg.Pipeline.MaxConcurrentJobs))
	listenErr := app.Listen(addr)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := components.Close(shutdownCtx); err != nil {
		log.Error("component shutdown error", zap.Error(err))
	}
	return listenErr
}
