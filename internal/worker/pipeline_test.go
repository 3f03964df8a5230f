package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/makeasinger/karaoke/internal/catalog"
	"github.com/makeasinger/karaoke/internal/fileutil"
	"github.com/makeasinger/karaoke/internal/jobs"
	"github.com/makeasinger/karaoke/internal/model"
	"github.com/makeasinger/karaoke/internal/runner"
	"github.com/makeasinger/karaoke/internal/stage"
	"github.com/makeasinger/karaoke/internal/testsupport"
)

// progressRecorder collects every job snapshot the registry publishes.
type progressRecorder struct {
	mu   sync.Mutex
	jobs []model.Job
}

func (r *progressRecorder) JobUpdated(job model.Job) {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
}

func (r *progressRecorder) snapshots(jobID string) []model.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Job
	for _, j := range r.jobs {
		if j.ID == jobID {
			out = append(out, j)
		}
	}
	return out
}

func (r *progressRecorder) progress(jobID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, j := range r.jobs {
		if j.ID == jobID {
			out = append(out, j.Progress)
		}
	}
	return out
}

type fixture struct {
	runner   *testsupport.FakeRunner
	registry *jobs.Registry
	store    *catalog.Store
	pipeline *Pipeline
	recorder *progressRecorder
	songsDir string
}

func testTools() stage.Tools {
	return stage.Tools{
		Demucs:          testsupport.Demucs,
		DemucsModel:     "htdemucs",
		Separator:       testsupport.Separator,
		Waveform:        testsupport.Waveform,
		Whisper:         testsupport.Whisper,
		WhisperModel:    "ggml-base.bin",
		Downloader:      testsupport.Downloader,
		FFmpeg:          testsupport.FFmpeg,
		CaptionMaxBytes: 25 * 1024 * 1024,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	store, err := catalog.Open(filepath.Join(root, "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	rec := &progressRecorder{}
	registry := jobs.NewRegistry(time.Hour, jobs.WithObserver(rec))
	t.Cleanup(registry.Close)

	fake := testsupport.NewFakeRunner()
	songsDir := filepath.Join(root, "songs")
	p, err := NewPipeline(Config{
		Registry:       registry,
		Catalog:        store,
		Executor:       stage.NewExecutor(fake, nil),
		Tools:          testTools(),
		SongsDir:       songsDir,
		AllowedSources: []string{`^https://(www\.)?youtube\.com/watch\?v=[\w-]+`},
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	return &fixture{
		runner:   fake,
		registry: registry,
		store:    store,
		pipeline: p,
		recorder: rec,
		songsDir: songsDir,
	}
}

func (f *fixture) installAll() {
	f.runner.
		On(testsupport.Demucs, testsupport.DemucsOK()).
		On(testsupport.Separator, testsupport.SeparatorOK()).
		On(testsupport.Waveform, testsupport.WaveformOK()).
		On(testsupport.Whisper, testsupport.WhisperOK())
}

func (f *fixture) newJob(t *testing.T, id, source string) {
	t.Helper()
	if _, err := f.registry.Create(id, source); err != nil {
		t.Fatalf("create job: %v", err)
	}
}

func (f *fixture) upload(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	testsupport.WriteFile(t, path, 2048)
	return path
}

func (f *fixture) song(t *testing.T, id string) *model.Song {
	t.Helper()
	song, err := f.store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s): %v", id, err)
	}
	return song
}

func (f *fixture) job(t *testing.T, id string) model.Job {
	t.Helper()
	job, ok := f.registry.Get(id)
	if !ok {
		t.Fatalf("job %s not found", id)
	}
	return job
}

func TestProcessLocalProducesEveryArtifact(t *testing.T) {
	f := newFixture(t)
	f.installAll()
	f.newJob(t, "job-1", model.JobSourceUpload)
	source := f.upload(t, "upload-123.mp3")

	err := f.pipeline.ProcessLocal(context.Background(), LocalRequest{
		JobID: "job-1", SongID: "song-1", Source: source, RemoveSource: true, Title: "Song", Artist: "Band",
	})
	if err != nil {
		t.Fatalf("ProcessLocal: %v", err)
	}

	job := f.job(t, "job-1")
	if job.Status != model.JobStatusCompleted || job.Progress != 100 {
		t.Errorf("expected completed at 100, got %s at %d", job.Status, job.Progress)
	}
	if job.SongID != "song-1" {
		t.Errorf("expected songId song-1, got %q", job.SongID)
	}

	song := f.song(t, "song-1")
	want := map[string]string{
		model.ArtifactOriginal:     "original.mp3",
		model.ArtifactVocals:       stage.VocalsFile,
		model.ArtifactInstrumental: stage.InstrumentalFile,
		model.ArtifactWaveform:     stage.WaveformFile,
		model.ArtifactLyrics:       stage.LyricsFile,
		model.ArtifactVideo:        "",
	}
	for k, v := range want {
		if song.Files[k] != v {
			t.Errorf("files[%s] = %q, want %q", k, song.Files[k], v)
		}
	}
	if song.Title != "Song" || song.Artist != "Band" {
		t.Errorf("unexpected title/artist %q/%q", song.Title, song.Artist)
	}
	if song.Duration < 0.19 || song.Duration > 0.21 {
		t.Errorf("expected duration 0.2 from waveform, got %v", song.Duration)
	}

	dir := filepath.Join(f.songsDir, "song-1")
	for _, name := range []string{"original.mp3", stage.VocalsFile, stage.InstrumentalFile, stage.WaveformFile, stage.LyricsFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s on disk: %v", name, err)
		}
	}
	if _, err := os.Stat(source); !os.IsNotExist(err) {
		t.Errorf("expected temporary upload to be removed, stat err = %v", err)
	}
}

func TestProcessLocalKeepsCallerOwnedSource(t *testing.T) {
	f := newFixture(t)
	f.installAll()
	f.newJob(t, "job-1", model.JobSourceUpload)

	source := filepath.Join(t.TempDir(), "Music", "my-song.mp3")
	testsupport.WriteFile(t, source, 2048)

	if err := f.pipeline.ProcessLocal(context.Background(), LocalRequest{
		JobID: "job-1", SongID: "song-1", Source: source,
	}); err != nil {
		t.Fatalf("ProcessLocal: %v", err)
	}
	if job := f.job(t, "job-1"); job.Status != model.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.Error)
	}
	if _, err := os.Stat(source); err != nil {
		t.Errorf("source outside the song dir must survive: %v", err)
	}
}

func TestEnsureOriginalIgnoresInterruptedCopy(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.songsDir, "song-1")

	// a directory as source makes the copy fail after the destination opens
	badSource := filepath.Join(t.TempDir(), "broken.mp3")
	if err := os.MkdirAll(badSource, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := fileutil.CopyFile(badSource, filepath.Join(dir, "original.mp3")); err == nil {
		t.Fatal("expected copy from a directory to fail")
	}
	if got := findOriginal(dir); got != "" {
		t.Fatalf("failed copy left a resumable original: %s", got)
	}

	source := f.upload(t, "good.mp3")
	original, err := f.pipeline.ensureOriginal(dir, source)
	if err != nil {
		t.Fatalf("ensureOriginal: %v", err)
	}
	info, err := os.Stat(original)
	if err != nil {
		t.Fatalf("stat original: %v", err)
	}
	if info.Size() != 2048 {
		t.Errorf("expected a full 2048-byte original, got %d bytes", info.Size())
	}
}

func TestProcessLocalProgressIsMonotonic(t *testing.T) {
	f := newFixture(t)
	f.installAll()
	f.newJob(t, "job-1", model.JobSourceUpload)

	if err := f.pipeline.ProcessLocal(context.Background(), LocalRequest{
		JobID: "job-1", SongID: "song-1", Source: f.upload(t, "a.wav"),
	}); err != nil {
		t.Fatalf("ProcessLocal: %v", err)
	}

	values := f.recorder.progress("job-1")
	if len(values) < 5 {
		t.Fatalf("expected several progress updates, got %v", values)
	}
	for i := 1; i < len(values); i++ {
		if values[i] < values[i-1] {
			t.Fatalf("progress went backwards: %v", values)
		}
	}
	if values[len(values)-1] != 100 {
		t.Errorf("expected final progress 100, got %v", values)
	}
}

func TestProcessLocalSkipsExistingArtifacts(t *testing.T) {
	f := newFixture(t)
	f.installAll()

	dir := filepath.Join(f.songsDir, "song-1")
	testsupport.WriteFile(t, filepath.Join(dir, "original.mp3"), 64)
	testsupport.WriteFile(t, filepath.Join(dir, stage.VocalsFile), 64)
	testsupport.WriteFile(t, filepath.Join(dir, stage.InstrumentalFile), 64)

	f.newJob(t, "job-1", model.JobSourceUpload)
	if err := f.pipeline.ProcessLocal(context.Background(), LocalRequest{
		JobID: "job-1", SongID: "song-1", Source: filepath.Join(dir, "original.mp3"),
	}); err != nil {
		t.Fatalf("ProcessLocal: %v", err)
	}

	if n := len(f.runner.CallsTo(testsupport.Demucs)); n != 0 {
		t.Errorf("expected vocal separation to be skipped, got %d calls", n)
	}
	if n := len(f.runner.CallsTo(testsupport.Separator)); n != 0 {
		t.Errorf("expected instrumental separation to be skipped, got %d calls", n)
	}
	if n := len(f.runner.CallsTo(testsupport.Waveform)); n != 1 {
		t.Errorf("expected waveform to run once, got %d", n)
	}
	if n := len(f.runner.CallsTo(testsupport.Whisper)); n != 1 {
		t.Errorf("expected lyrics to run once, got %d", n)
	}

	song := f.song(t, "song-1")
	if song.Files[model.ArtifactVocals] != stage.VocalsFile {
		t.Errorf("expected skipped artifact to be recorded, got %q", song.Files[model.ArtifactVocals])
	}
	if _, err := os.Stat(filepath.Join(dir, "original.mp3")); err != nil {
		t.Errorf("source inside song dir must be kept: %v", err)
	}
}

func TestProcessLocalIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.installAll()

	dir := filepath.Join(f.songsDir, "song-1")
	testsupport.WriteFile(t, filepath.Join(dir, "original.wav"), 64)

	for i, id := range []string{"job-1", "job-2", "job-3"} {
		f.newJob(t, id, model.JobSourceUpload)
		if err := f.pipeline.ProcessLocal(context.Background(), LocalRequest{
			JobID: id, SongID: "song-1", Source: filepath.Join(dir, "original.wav"),
		}); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
		if job := f.job(t, id); job.Status != model.JobStatusCompleted {
			t.Fatalf("run %d: expected completed, got %s", i+1, job.Status)
		}
	}

	for _, program := range []string{testsupport.Demucs, testsupport.Separator, testsupport.Waveform, testsupport.Whisper} {
		if n := len(f.runner.CallsTo(program)); n != 1 {
			t.Errorf("%s ran %d times, want 1", program, n)
		}
	}

	songs, err := f.store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(songs) != 1 {
		t.Errorf("expected a single catalog record, got %d", len(songs))
	}
}

func TestProcessLocalKeepsPartialWorkOnFailure(t *testing.T) {
	f := newFixture(t)
	f.installAll()
	f.runner.On(testsupport.Waveform, testsupport.Fail(1, "reading input\nError: unsupported bit depth"))
	f.newJob(t, "job-1", model.JobSourceUpload)

	err := f.pipeline.ProcessLocal(context.Background(), LocalRequest{
		JobID: "job-1", SongID: "song-1", Source: f.upload(t, "a.mp3"),
	})
	if err == nil {
		t.Fatal("expected an error")
	}

	job := f.job(t, "job-1")
	if job.Status != model.JobStatusError {
		t.Fatalf("expected error status, got %s", job.Status)
	}
	if !strings.HasPrefix(job.Error, "Generating waveform failed") {
		t.Errorf("unexpected error message %q", job.Error)
	}
	if !strings.Contains(job.Error, "unsupported bit depth") {
		t.Errorf("expected stderr excerpt in %q", job.Error)
	}

	song := f.song(t, "song-1")
	if song.Files[model.ArtifactVocals] == "" || song.Files[model.ArtifactInstrumental] == "" {
		t.Errorf("expected completed stages to be saved, got %v", song.Files)
	}
	if song.Files[model.ArtifactWaveform] != "" || song.Files[model.ArtifactLyrics] != "" {
		t.Errorf("expected later stages to stay empty, got %v", song.Files)
	}
	if n := len(f.runner.CallsTo(testsupport.Whisper)); n != 0 {
		t.Errorf("expected processing to stop after the failure, whisper ran %d times", n)
	}
}

func TestProcessLocalReportsMissingTool(t *testing.T) {
	f := newFixture(t)
	f.runner.
		On(testsupport.Demucs, testsupport.DemucsOK()).
		On(testsupport.Waveform, testsupport.WaveformOK()).
		On(testsupport.Whisper, testsupport.WhisperOK())
	f.newJob(t, "job-1", model.JobSourceUpload)

	err := f.pipeline.ProcessLocal(context.Background(), LocalRequest{
		JobID: "job-1", SongID: "song-1", Source: f.upload(t, "a.mp3"),
	})
	if !errors.Is(err, runner.ErrToolMissing) {
		t.Fatalf("expected ErrToolMissing, got %v", err)
	}

	job := f.job(t, "job-1")
	if !strings.Contains(job.Error, "audio-separator is not installed") {
		t.Errorf("unexpected message %q", job.Error)
	}
	if !strings.Contains(job.Error, "Install it with") {
		t.Errorf("expected an install hint in %q", job.Error)
	}
}

func TestProcessLocalMissingSource(t *testing.T) {
	f := newFixture(t)
	f.newJob(t, "job-1", model.JobSourceUpload)

	err := f.pipeline.ProcessLocal(context.Background(), LocalRequest{
		JobID: "job-1", SongID: "song-1", Source: filepath.Join(t.TempDir(), "missing.mp3"),
	})
	if !errors.Is(err, stage.ErrInputMissing) {
		t.Fatalf("expected ErrInputMissing, got %v", err)
	}
	if job := f.job(t, "job-1"); job.Status != model.JobStatusError {
		t.Errorf("expected error status, got %s", job.Status)
	}
	if len(f.runner.Calls()) != 0 {
		t.Errorf("expected no tool invocations, got %d", len(f.runner.Calls()))
	}
}

func TestProcessLocalCancelled(t *testing.T) {
	f := newFixture(t)
	f.installAll()
	f.newJob(t, "job-1", model.JobSourceUpload)

	ctx, cancel := context.WithCancel(context.Background())
	f.runner.On(testsupport.Demucs, func(cmd runner.Command, opts runner.Options) error {
		cancel()
		return testsupport.DemucsOK()(cmd, opts)
	})

	err := f.pipeline.ProcessLocal(ctx, LocalRequest{
		JobID: "job-1", SongID: "song-1", Source: f.upload(t, "a.mp3"),
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if job := f.job(t, "job-1"); job.Error != "Processing cancelled" {
		t.Errorf("unexpected message %q", job.Error)
	}
	if n := len(f.runner.CallsTo(testsupport.Separator)); n != 0 {
		t.Errorf("expected no further stages, got %d separator calls", n)
	}
	if song := f.song(t, "song-1"); song.Files[model.ArtifactVocals] != stage.VocalsFile {
		t.Errorf("expected finished stage saved after cancel, got %v", song.Files)
	}
}

func TestNewPipelineRejectsBadPattern(t *testing.T) {
	_, err := NewPipeline(Config{
		Registry:       jobs.NewRegistry(time.Hour),
		Catalog:        &catalog.Store{},
		Executor:       stage.NewExecutor(testsupport.NewFakeRunner(), nil),
		SongsDir:       t.TempDir(),
		AllowedSources: []string{"("},
	})
	if err == nil {
		t.Fatal("expected an error for an invalid pattern")
	}
}
