package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/makeasinger/karaoke/internal/catalog"
	"github.com/makeasinger/karaoke/internal/fileutil"
	"github.com/makeasinger/karaoke/internal/jobs"
	"github.com/makeasinger/karaoke/internal/model"
	"github.com/makeasinger/karaoke/internal/observability"
	"github.com/makeasinger/karaoke/internal/stage"
)

// Catalog is the song store the pipeline persists into. It never deletes.
type Catalog interface {
	GetByID(ctx context.Context, id string) (*model.Song, error)
	AddSong(ctx context.Context, song *model.Song) error
	UpdateSong(ctx context.Context, id string, patch model.SongPatch) (*model.Song, error)
}

// Publisher copies finished artifacts somewhere public.
type Publisher interface {
	PublishSong(ctx context.Context, songID, dir string, files map[string]string) (map[string]string, error)
}

// LocalRequest processes an audio file already on disk.
type LocalRequest struct {
	JobID  string
	SongID string
	// Source is the input audio. It may live outside the song directory.
	Source string
	// RemoveSource deletes Source after a successful run. Only set for
	// temporary upload copies owned by the job.
	RemoveSource bool
	Title        string
	Artist       string
}

// Config wires a Pipeline.
type Config struct {
	Registry  *jobs.Registry
	Catalog   Catalog
	Executor  *stage.Executor
	Tools     stage.Tools
	SongsDir  string
	Publisher Publisher
	Metrics   *observability.Metrics
	Logger    *zap.Logger
	// AllowedSources are regular expressions a remote URL must match.
	AllowedSources []string
}

// Pipeline turns one source file into the full karaoke artifact set.
type Pipeline struct {
	registry  *jobs.Registry
	catalog   Catalog
	exec      *stage.Executor
	tools     stage.Tools
	stages    []stage.Stage
	songsDir  string
	publisher Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger
	allowed   []*regexp.Regexp
}

// NewPipeline validates cfg and builds the stage table.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Registry == nil || cfg.Catalog == nil || cfg.Executor == nil {
		return nil, errors.New("pipeline requires a registry, catalog and executor")
	}
	if cfg.SongsDir == "" {
		return nil, errors.New("pipeline requires a songs directory")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make([]*regexp.Regexp, 0, len(cfg.AllowedSources))
	for _, pattern := range cfg.AllowedSources {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("allowed source %q: %w", pattern, err)
		}
		allowed = append(allowed, re)
	}
	return &Pipeline{
		registry:  cfg.Registry,
		catalog:   cfg.Catalog,
		exec:      cfg.Executor,
		tools:     cfg.Tools,
		stages:    stage.Pipeline(cfg.Tools),
		songsDir:  cfg.SongsDir,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    logger,
		allowed:   allowed,
	}, nil
}

// SongDir is the working directory for songID.
func (p *Pipeline) SongDir(songID string) string {
	return filepath.Join(p.songsDir, songID)
}

// ProcessLocal runs every stage for req. On failure the job is marked
// error, artifacts produced so far are saved, and the error is returned.
func (p *Pipeline) ProcessLocal(ctx context.Context, req LocalRequest) error {
	log := p.logger.With(zap.String("jobId", req.JobID), zap.String("songId", req.SongID))
	started := time.Now()

	ws, err := p.prepareWorkspace(ctx, req)
	if err != nil {
		return p.fail(ctx, log, req, stage.Workspace{}, err)
	}

	for _, st := range p.stages {
		if err := ctx.Err(); err != nil {
			return p.fail(ctx, log, req, ws, err)
		}
		if err := p.runStage(ctx, log, req, ws, st); err != nil {
			return p.fail(ctx, log, req, ws, err)
		}
	}

	if err := p.finalize(ctx, log, req, ws); err != nil {
		return p.fail(ctx, log, req, ws, err)
	}
	log.Info("job completed", zap.Duration("elapsed", time.Since(started)))
	return nil
}

// prepareWorkspace creates the song directory, preserves the original
// under its canonical name and registers the song.
func (p *Pipeline) prepareWorkspace(ctx context.Context, req LocalRequest) (stage.Workspace, error) {
	dir := p.SongDir(req.SongID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return stage.Workspace{}, fmt.Errorf("create song directory: %w", err)
	}
	if _, err := p.registry.SetSong(req.JobID, req.SongID); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		return stage.Workspace{}, err
	}
	p.progress(req.JobID, "Preparing source", 5)

	original, err := p.ensureOriginal(dir, req.Source)
	if err != nil {
		return stage.Workspace{}, err
	}
	ws := stage.Workspace{Dir: dir, SongID: req.SongID, Original: original}

	if err := p.persist(ctx, req, model.SongPatch{Files: p.reconcile(ws)}); err != nil {
		return ws, fmt.Errorf("save song: %w", err)
	}
	return ws, nil
}

// ensureOriginal returns the canonical original path, copying source into
// dir unless a canonical original already exists there.
func (p *Pipeline) ensureOriginal(dir, source string) (string, error) {
	if existing := findOriginal(dir); existing != "" {
		return existing, nil
	}
	if source == "" || !fileutil.Exists(source) {
		return "", fmt.Errorf("%w: source %s", stage.ErrInputMissing, source)
	}
	ext := strings.ToLower(filepath.Ext(source))
	if ext == "" {
		ext = ".wav"
	}
	dst := filepath.Join(dir, "original"+ext)
	if err := fileutil.CopyFile(source, dst); err != nil {
		return "", fmt.Errorf("copy original: %w", err)
	}
	return dst, nil
}

func findOriginal(dir string) string {
	matches, _ := filepath.Glob(filepath.Join(dir, "original.*"))
	for _, m := range matches {
		if fileutil.Exists(m) {
			return m
		}
	}
	return ""
}

func (p *Pipeline) runStage(ctx context.Context, log *zap.Logger, req LocalRequest, ws stage.Workspace, st stage.Stage) error {
	log = log.With(zap.String("stage", st.Name))

	if st.Done(ws) {
		log.Info("stage artifact exists, skipping")
		p.metrics.RecordStageSkipped(ctx, st.Name)
		p.progress(req.JobID, st.Step, st.Range.Ceil)
		return p.persist(ctx, req, model.SongPatch{Files: map[string]string{st.Artifact: st.Output}})
	}

	p.progress(req.JobID, st.Step, st.Range.Floor)
	started := time.Now()
	_, err := p.exec.Run(ctx, st, ws, p.stageProgress(req.JobID, st))
	p.metrics.RecordStage(ctx, st.Name, err == nil, time.Since(started).Seconds())
	if err != nil {
		return err
	}

	if err := p.persist(ctx, req, model.SongPatch{Files: map[string]string{st.Artifact: st.Output}}); err != nil {
		return fmt.Errorf("save %s: %w", st.Name, err)
	}
	log.Info("stage completed", zap.Duration("elapsed", time.Since(started)))
	return nil
}

// stageProgress maps a tool's 0-100 onto the stage's slice of the job and
// only touches the registry when the mapped value moves.
func (p *Pipeline) stageProgress(jobID string, st stage.Stage) func(int) {
	last := -1
	return func(pct int) {
		mapped := st.Range.Map(pct)
		if mapped <= last {
			return
		}
		last = mapped
		p.progress(jobID, st.Step, mapped)
	}
}

func (p *Pipeline) finalize(ctx context.Context, log *zap.Logger, req LocalRequest, ws stage.Workspace) error {
	p.progress(req.JobID, "Finalizing", 95)

	files := p.reconcile(ws)
	for _, st := range p.stages {
		if files[st.Artifact] == "" {
			return fmt.Errorf("%s missing after processing", st.Output)
		}
	}

	patch := model.SongPatch{Files: files}
	if duration, err := stage.WaveformDuration(ws.Path(stage.WaveformFile)); err != nil {
		log.Warn("could not read duration from waveform", zap.Error(err))
	} else {
		patch.Duration = &duration
	}
	if err := p.persist(ctx, req, patch); err != nil {
		return fmt.Errorf("save song: %w", err)
	}

	if req.RemoveSource {
		p.removeTempSource(log, req.Source, ws)
	}
	p.publish(ctx, log, req, ws, files)

	if _, err := p.registry.Complete(req.JobID); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		return err
	}
	return nil
}

// removeTempSource deletes the uploaded file when it lived outside the
// song directory; the canonical copy stays.
func (p *Pipeline) removeTempSource(log *zap.Logger, source string, ws stage.Workspace) {
	if source == "" || source == ws.Original {
		return
	}
	rel, err := filepath.Rel(ws.Dir, source)
	if err == nil && !strings.HasPrefix(rel, "..") {
		return
	}
	if err := os.Remove(source); err != nil && !os.IsNotExist(err) {
		log.Warn("could not remove temporary source", zap.String("path", source), zap.Error(err))
	}
}

func (p *Pipeline) publish(ctx context.Context, log *zap.Logger, req LocalRequest, ws stage.Workspace, files map[string]string) {
	if p.publisher == nil {
		return
	}
	urls, err := p.publisher.PublishSong(ctx, req.SongID, ws.Dir, files)
	if err != nil {
		log.Warn("publishing artifacts failed", zap.Error(err))
	}
	if len(urls) == 0 {
		return
	}
	if _, err := p.catalog.UpdateSong(ctx, req.SongID, model.SongPatch{Metadata: urls}); err != nil {
		log.Warn("could not save artifact urls", zap.Error(err))
	}
}

// reconcile maps every artifact to its filename if it exists on disk and
// to "" otherwise.
func (p *Pipeline) reconcile(ws stage.Workspace) map[string]string {
	files := model.NewFiles()
	if ws.Original != "" && fileutil.Exists(ws.Original) {
		files[model.ArtifactOriginal] = filepath.Base(ws.Original)
	}
	for _, st := range p.stages {
		if st.Done(ws) {
			files[st.Artifact] = st.Output
		}
	}
	if fileutil.Exists(ws.Path(stage.VideoFile)) {
		files[model.ArtifactVideo] = stage.VideoFile
	}
	return files
}

// persist writes patch to the catalog, creating the song on first sight.
func (p *Pipeline) persist(ctx context.Context, req LocalRequest, patch model.SongPatch) error {
	// Catalog writes must survive job cancellation so partial work is kept.
	ctx = context.WithoutCancel(ctx)

	_, err := p.catalog.UpdateSong(ctx, req.SongID, patch)
	if !errors.Is(err, catalog.ErrNotFound) {
		return err
	}

	song := &model.Song{
		ID:       req.SongID,
		Title:    req.Title,
		Artist:   req.Artist,
		Files:    model.NewFiles(),
		Metadata: patch.Metadata,
	}
	for k, v := range patch.Files {
		song.Files[k] = v
	}
	if patch.Duration != nil {
		song.Duration = *patch.Duration
	}
	if err := p.catalog.AddSong(ctx, song); err != nil {
		if errors.Is(err, catalog.ErrExists) {
			_, err = p.catalog.UpdateSong(ctx, req.SongID, patch)
		}
		return err
	}
	return nil
}

// fail saves whatever artifacts exist, marks the job failed and returns err.
func (p *Pipeline) fail(ctx context.Context, log *zap.Logger, req LocalRequest, ws stage.Workspace, err error) error {
	log.Error("job failed", zap.Error(err))

	if ws.Dir != "" {
		if perr := p.persist(ctx, req, model.SongPatch{Files: p.reconcile(ws)}); perr != nil {
			log.Error("partial save failed", zap.Error(perr))
		}
	}
	if _, ferr := p.registry.Fail(req.JobID, UserMessage(err)); ferr != nil && !errors.Is(ferr, jobs.ErrFinished) && !errors.Is(ferr, jobs.ErrNotFound) {
		log.Error("could not record job failure", zap.Error(ferr))
	}
	return err
}

func (p *Pipeline) progress(jobID, step string, pct int) {
	_, _ = p.registry.SetProgress(jobID, step, pct)
}
