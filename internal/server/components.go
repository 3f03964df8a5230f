// Package server wires the processing components together and exposes
// them over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/makeasinger/karaoke/internal/catalog"
	"github.com/makeasinger/karaoke/internal/config"
	"github.com/makeasinger/karaoke/internal/jobs"
	"github.com/makeasinger/karaoke/internal/observability"
	"github.com/makeasinger/karaoke/internal/runner"
	"github.com/makeasinger/karaoke/internal/stage"
	"github.com/makeasinger/karaoke/internal/storage"
	"github.com/makeasinger/karaoke/internal/worker"
	ws "github.com/makeasinger/karaoke/internal/websocket"
)

// Components is everything a running instance owns.
type Components struct {
	Config         *config.Config
	Logger         *zap.Logger
	Registry       *jobs.Registry
	Catalog        *catalog.Store
	Pipeline       *worker.Pipeline
	Dispatcher     *worker.Dispatcher
	Hub            *ws.Hub
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Redis          *redis.Client

	stopHub context.CancelFunc
}

// StageTools converts tool settings into the stage table's form.
func StageTools(cfg *config.Config) stage.Tools {
	return stage.Tools{
		Demucs:          cfg.Tools.Demucs,
		DemucsModel:     cfg.Tools.DemucsModel,
		Separator:       cfg.Tools.Separator,
		SeparatorModel:  cfg.Tools.SeparatorModel,
		Waveform:        cfg.Tools.Waveform,
		Whisper:         cfg.Tools.Whisper,
		WhisperModel:    cfg.Tools.WhisperModel,
		Downloader:      cfg.Tools.Downloader,
		FFmpeg:          cfg.Tools.FFmpeg,
		CaptionMaxBytes: cfg.Pipeline.CaptionMaxBytes,
	}
}

// Build opens the catalog and assembles the pipeline around r. A nil r
// runs real programs.
func Build(cfg *config.Config, logger *zap.Logger, r runner.Runner) (*Components, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if r == nil {
		r = runner.New(logger)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	store, err := catalog.Open(cfg.Storage.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	metrics, metricsHandler, err := observability.NewMetrics()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	registry := jobs.NewRegistry(cfg.Pipeline.JobTTL)
	hub := ws.NewHub(registry, logger.Named("websocket"))
	registry.AddObserver(hub)

	var publisher worker.Publisher
	if cfg.R2.Enabled() {
		r2, err := storage.NewR2Client(cfg.R2)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("init r2: %w", err)
		}
		publisher = storage.NewPublisher(r2)
		logger.Info("publishing artifacts to r2", zap.String("bucket", cfg.R2.BucketName))
	}

	pipeline, err := worker.NewPipeline(worker.Config{
		Registry:       registry,
		Catalog:        store,
		Executor:       stage.NewExecutor(r, logger.Named("stage")),
		Tools:          StageTools(cfg),
		SongsDir:       cfg.Storage.SongsDir,
		Publisher:      publisher,
		Metrics:        metrics,
		Logger:         logger.Named("pipeline"),
		AllowedSources: cfg.Pipeline.AllowedSources,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	c := &Components{
		Config:         cfg,
		Logger:         logger,
		Registry:       registry,
		Catalog:        store,
		Pipeline:       pipeline,
		Dispatcher:     worker.NewDispatcher(pipeline, registry, cfg.Pipeline.MaxConcurrentJobs, metrics, logger.Named("dispatcher")),
		Hub:            hub,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	}

	if cfg.Redis.Enabled {
		c.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := c.Redis.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis not available, rate limits will not apply", zap.Error(err))
		}
	}

	hubCtx, stop := context.WithCancel(context.Background())
	c.stopHub = stop
	go hub.Run(hubCtx)

	return c, nil
}

// Close cancels running jobs, waits for them until ctx expires and
// releases every resource.
func (c *Components) Close(ctx context.Context) error {
	var errs []error
	if err := c.Dispatcher.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	c.stopHub()
	c.Registry.Close()
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if err := c.Catalog.Close(); err != nil {
		errs = append(errs, fmt.Errorf("catalog: %w", err))
	}
	return errors.Join(errs...)
}
