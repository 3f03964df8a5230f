package main

import (
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/makeasinger/karaoke/internal/config"
	"github.com/makeasinger/karaoke/internal/logger"
)

// commandContext loads configuration and the logger once per invocation.
type commandContext struct {
	cfg    *config.Config
	logger *zap.Logger
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

// ensureLogger builds the logger. CLI commands log to stderr so their
// stdout stays readable.
func (c *commandContext) ensureLogger(console io.Writer) (*zap.Logger, error) {
	if c.logger != nil {
		return c.logger, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	l, err := logger.New(logger.Config{
		Level:      cfg.Server.LogLevel,
		Dev:        cfg.Server.Env == "development",
		OutputPath: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		Console:    console,
	})
	if err != nil {
		return nil, err
	}
	c.logger = l
	return l, nil
}

func (c *commandContext) close() {
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "karaoke",
		Short:         "Karaoke media processing service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), ctx)
		},
	}

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newProcessCommand(ctx))
	rootCmd.AddCommand(newDepsCommand(ctx))
	rootCmd.AddCommand(newSongsCommand(ctx))
	rootCmd.AddCommand(newTokenCommand(ctx))

	return rootCmd
}
