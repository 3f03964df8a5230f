package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/makeasinger/karaoke/internal/model"
	"github.com/makeasinger/karaoke/internal/runner"
	"github.com/makeasinger/karaoke/internal/stage"
)

var (
	// ErrUnsupportedSource is returned for URLs outside the allowed sources.
	ErrUnsupportedSource = errors.New("unsupported source")
	// ErrDownloaderMissing means the video downloader is not installed.
	ErrDownloaderMissing = errors.New("video downloader not installed")
	// ErrExtractorMissing means the audio extractor is not installed.
	ErrExtractorMissing = errors.New("audio extractor not installed")
)

// Downloader output that means it could not find ffmpeg to merge streams.
var extractorSignatures = []string{
	"ffmpeg not found",
	"ffprobe not found",
	"ffmpeg is not installed",
	"ffprobe/avprobe and ffmpeg/avconv not found",
}

// MissingToolError reports that a prerequisite program for ingestion is
// absent. It matches both Kind and the underlying failure with errors.Is.
type MissingToolError struct {
	Kind error
	Tool string
	Hint string
	Err  error
}

func (e *MissingToolError) Error() string {
	what := "Video downloader"
	if e.Kind == ErrExtractorMissing {
		what = "Audio extractor"
	}
	return fmt.Sprintf("%s (%s) is not installed or not on PATH. Install it with: %s", what, e.Tool, e.Hint)
}

func (e *MissingToolError) Unwrap() []error { return []error{e.Kind, e.Err} }

// RemoteRequest processes media fetched from a URL.
type RemoteRequest struct {
	JobID  string
	SongID string
	URL    string
	Title  string
	Artist string
}

// ValidateSource reports whether url matches one of the allowed sources.
func (p *Pipeline) ValidateSource(url string) error {
	for _, re := range p.allowed {
		if re.MatchString(url) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedSource, url)
}

// ProcessRemote downloads url, extracts its audio into the song directory
// and continues with the local flow. The job is linked to the song only
// once ingestion has succeeded.
func (p *Pipeline) ProcessRemote(ctx context.Context, req RemoteRequest) error {
	local := LocalRequest{JobID: req.JobID, SongID: req.SongID, Title: req.Title, Artist: req.Artist}
	log := p.logger.With(zap.String("jobId", req.JobID), zap.String("songId", req.SongID))

	if err := p.ValidateSource(req.URL); err != nil {
		return p.fail(ctx, log, local, stage.Workspace{}, err)
	}

	ws := stage.Workspace{Dir: p.SongDir(req.SongID), SongID: req.SongID}
	if err := os.MkdirAll(ws.Dir, 0o755); err != nil {
		return p.fail(ctx, log, local, stage.Workspace{}, fmt.Errorf("create song directory: %w", err))
	}
	steps := []stage.Stage{stage.Download(p.tools, req.URL), stage.Extract(p.tools)}
	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return p.fail(ctx, log, local, ws, err)
		}
		if err := p.ingestStage(ctx, log, local, ws, st); err != nil {
			return p.fail(ctx, log, local, ws, p.classify(st, err))
		}
	}

	local.Source = ws.Path(stage.ExtractedFile)
	return p.ProcessLocal(ctx, local)
}

func (p *Pipeline) ingestStage(ctx context.Context, log *zap.Logger, req LocalRequest, ws stage.Workspace, st stage.Stage) error {
	if st.Done(ws) {
		log.Info("ingest artifact exists, skipping", zap.String("stage", st.Name))
		p.metrics.RecordStageSkipped(ctx, st.Name)
		p.progress(req.JobID, st.Step, st.Range.Ceil)
		return nil
	}

	p.progress(req.JobID, st.Step, st.Range.Floor)
	started := time.Now()
	_, err := p.exec.Run(ctx, st, ws, p.stageProgress(req.JobID, st))
	p.metrics.RecordStage(ctx, st.Name, err == nil, time.Since(started).Seconds())
	if err != nil {
		return err
	}
	return p.persist(ctx, req, model.SongPatch{Files: map[string]string{st.Artifact: st.Output}})
}

// classify turns tool-missing failures during ingestion into the
// downloader or extractor category.
func (p *Pipeline) classify(st stage.Stage, err error) error {
	extractor := &MissingToolError{Kind: ErrExtractorMissing, Tool: p.tools.FFmpeg, Hint: "apt install ffmpeg", Err: err}

	if errors.Is(err, runner.ErrToolMissing) {
		if st.Name == stage.NameDownload {
			return &MissingToolError{Kind: ErrDownloaderMissing, Tool: p.tools.Downloader, Hint: st.Hint, Err: err}
		}
		return extractor
	}
	if st.Name == stage.NameDownload {
		if stdout, stderr, ok := runner.Diagnostics(err); ok && runner.ContainsAny(stdout+"\n"+stderr, extractorSignatures) {
			return extractor
		}
	}
	return err
}

// UserMessage is the short failure text stored on a job.
func UserMessage(err error) string {
	var mt *MissingToolError
	if errors.As(err, &mt) {
		return mt.Error()
	}
	var se *stage.Error
	if errors.As(err, &se) {
		return se.UserMessage()
	}
	switch {
	case errors.Is(err, ErrUnsupportedSource):
		return "Unsupported source URL"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Processing cancelled"
	}
	return err.Error()
}
