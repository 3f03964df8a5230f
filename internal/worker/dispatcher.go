package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/makeasinger/karaoke/internal/jobs"
	"github.com/makeasinger/karaoke/internal/model"
	"github.com/makeasinger/karaoke/internal/observability"
)

// WaitingStep is shown while a job waits for a free worker slot.
const WaitingStep = "Waiting for a free worker"

// Dispatcher runs pipeline jobs in the background, at most max at a time.
// Jobs beyond the limit stay pending until a slot frees up.
type Dispatcher struct {
	pipeline *Pipeline
	registry *jobs.Registry
	metrics  *observability.Metrics
	logger   *zap.Logger

	slots  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher returns a Dispatcher allowing max concurrent jobs.
func NewDispatcher(p *Pipeline, registry *jobs.Registry, max int, metrics *observability.Metrics, logger *zap.Logger) *Dispatcher {
	if max < 1 {
		max = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		pipeline: p,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
		slots:    make(chan struct{}, max),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SubmitLocal schedules processing of an uploaded file.
func (d *Dispatcher) SubmitLocal(req LocalRequest) {
	d.submit(req.JobID, model.JobSourceUpload, func(ctx context.Context) error {
		return d.pipeline.ProcessLocal(ctx, req)
	})
}

// SubmitRemote schedules download and processing of a URL.
func (d *Dispatcher) SubmitRemote(req RemoteRequest) {
	d.submit(req.JobID, model.JobSourceURL, func(ctx context.Context) error {
		return d.pipeline.ProcessRemote(ctx, req)
	})
}

func (d *Dispatcher) submit(jobID, source string, run func(ctx context.Context) error) {
	d.metrics.RecordJobQueued(d.ctx, source)
	_, _ = d.registry.Update(jobID, func(job *model.Job) { job.Step = WaitingStep })

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		log := d.logger.With(zap.String("jobId", jobID))

		select {
		case d.slots <- struct{}{}:
		case <-d.ctx.Done():
			d.metrics.RecordJobDropped(context.WithoutCancel(d.ctx), source)
			d.record(log, jobID, d.ctx.Err())
			return
		}
		defer func() { <-d.slots }()

		d.metrics.RecordJobStarted(d.ctx, source)
		started := time.Now()

		var err error
		var pc panics.Catcher
		pc.Try(func() { err = run(d.ctx) })
		if r := pc.Recovered(); r != nil {
			log.Error("job panicked", zap.String("panic", fmt.Sprint(r.Value)), zap.String("stack", string(r.Stack)))
			err = r.AsError()
		}

		d.record(log, jobID, err)
		d.metrics.RecordJobFinished(context.WithoutCancel(d.ctx), source, err == nil, time.Since(started).Seconds())
	}()
}

// record makes sure every failure reaches the registry, even ones the
// pipeline did not report itself.
func (d *Dispatcher) record(log *zap.Logger, jobID string, err error) {
	if err == nil {
		return
	}
	_, ferr := d.registry.Fail(jobID, UserMessage(err))
	switch {
	case ferr == nil, errors.Is(ferr, jobs.ErrFinished):
	case errors.Is(ferr, jobs.ErrNotFound):
		log.Warn("failed job no longer tracked", zap.Error(err))
	default:
		log.Error("could not record job failure", zap.Error(ferr))
	}
}

// Wait blocks until every submitted job has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown cancels running jobs and waits for them until ctx expires.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
