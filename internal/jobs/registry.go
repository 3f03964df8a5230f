// Package jobs keeps the in-memory status of processing jobs.
package jobs

import (
	"errors"
	"sync"
	"time"

	"github.com/makeasinger/karaoke/internal/model"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrExists   = errors.New("job already exists")
	// ErrFinished is returned when mutating a completed or failed job.
	ErrFinished = errors.New("job already finished")
)

// DefaultTTL is how long a finished job stays visible to pollers.
const DefaultTTL = time.Hour

// Observer is notified with a snapshot after every successful mutation.
type Observer interface {
	JobUpdated(job model.Job)
}

type entry struct {
	job   model.Job
	timer *time.Timer
}

// Registry is a concurrency-safe job store. Readers always get copies;
// writers go through Update so terminal records stay frozen.
type Registry struct {
	mu        sync.RWMutex
	jobs      map[string]*entry
	ttl       time.Duration
	observers []Observer
	now       func() time.Time
}

// Option customises a Registry.
type Option func(*Registry)

// WithObserver registers o to receive job snapshots.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns an empty registry whose finished entries expire
// after ttl. A non-positive ttl uses DefaultTTL.
func NewRegistry(ttl time.Duration, opts ...Option) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &Registry{
		jobs: make(map[string]*entry),
		ttl:  ttl,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddObserver registers o after construction.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// Create inserts a pending job.
func (r *Registry) Create(id, source string) (model.Job, error) {
	now := r.now()
	job := model.Job{
		ID:        id,
		Status:    model.JobStatusPending,
		Step:      "Queued",
		Source:    source,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.Put(job); err != nil {
		return model.Job{}, err
	}
	return job, nil
}

// Put stores job under job.ID. It fails if the id is taken.
func (r *Registry) Put(job model.Job) error {
	r.mu.Lock()
	if _, ok := r.jobs[job.ID]; ok {
		r.mu.Unlock()
		return ErrExists
	}
	e := &entry{job: job}
	r.jobs[job.ID] = e
	if job.Status.Terminal() {
		r.scheduleExpiry(job.ID, e)
	}
	r.mu.Unlock()
	r.notify(job)
	return nil
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (model.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	if !ok {
		return model.Job{}, false
	}
	return e.job, true
}

// Update applies fn to the stored job under the registry lock. Jobs in a
// terminal state are never modified. Reaching a terminal state starts the
// expiry timer.
func (r *Registry) Update(id string, fn func(job *model.Job)) (model.Job, error) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return model.Job{}, ErrNotFound
	}
	if e.job.Status.Terminal() {
		job := e.job
		r.mu.Unlock()
		return job, ErrFinished
	}

	next := e.job
	fn(&next)
	next.ID = id
	if next.Progress < e.job.Progress {
		next.Progress = e.job.Progress
	}
	next.Progress = clamp(next.Progress)
	next.UpdatedAt = r.now()
	if next.Status.Terminal() {
		completed := next.UpdatedAt
		next.CompletedAt = &completed
		if next.Status != model.JobStatusError {
			next.Error = ""
		}
		r.scheduleExpiry(id, e)
	}
	e.job = next
	r.mu.Unlock()

	r.notify(next)
	return next, nil
}

// SetProgress records the current step and progress and moves a pending
// job to processing. Progress never decreases.
func (r *Registry) SetProgress(id, step string, progress int) (model.Job, error) {
	return r.Update(id, func(job *model.Job) {
		job.Status = model.JobStatusProcessing
		if step != "" {
			job.Step = step
		}
		job.Progress = progress
	})
}

// SetSong associates a song id with the job.
func (r *Registry) SetSong(id, songID string) (model.Job, error) {
	return r.Update(id, func(job *model.Job) { job.SongID = songID })
}

// Complete marks the job completed at 100%.
func (r *Registry) Complete(id string) (model.Job, error) {
	return r.Update(id, func(job *model.Job) {
		job.Status = model.JobStatusCompleted
		job.Step = "Completed"
		job.Progress = 100
	})
}

// Fail marks the job failed with a short user-facing message.
func (r *Registry) Fail(id, message string) (model.Job, error) {
	return r.Update(id, func(job *model.Job) {
		job.Status = model.JobStatusError
		job.Error = message
	})
}

// Remove deletes the job immediately.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.jobs[id]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(r.jobs, id)
	}
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Close stops all pending expiry timers.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.jobs {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}

// scheduleExpiry must be called with r.mu held.
func (r *Registry) scheduleExpiry(id string, e *entry) {
	if e.timer != nil {
		return
	}
	e.timer = time.AfterFunc(r.ttl, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.jobs[id]; ok && cur == e {
			delete(r.jobs, id)
		}
	})
}

func (r *Registry) notify(job model.Job) {
	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()
	for _, o := range observers {
		o.JobUpdated(job)
	}
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
