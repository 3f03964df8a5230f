package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/makeasinger/karaoke/internal/jobs"
	"github.com/makeasinger/karaoke/internal/model"
	"github.com/makeasinger/karaoke/internal/worker"
)

var (
	// ErrUnsupportedFormat is returned for uploads that are not audio.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrJobNotFound       = errors.New("job not found")
)

// AudioExtensions are the upload formats the separators accept.
var AudioExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".flac": true,
	".m4a":  true,
	".aac":  true,
	".ogg":  true,
}

// Dispatcher schedules pipeline jobs.
type Dispatcher interface {
	SubmitLocal(req worker.LocalRequest)
	SubmitRemote(req worker.RemoteRequest)
}

// SourceValidator checks remote URLs before a job is created.
type SourceValidator interface {
	ValidateSource(url string) error
}

// ProcessService starts processing jobs and reports their status.
type ProcessService struct {
	registry   *jobs.Registry
	dispatcher Dispatcher
	sources    SourceValidator
	tempDir    string
	logger     *zap.Logger
}

func NewProcessService(registry *jobs.Registry, dispatcher Dispatcher, sources SourceValidator, tempDir string, logger *zap.Logger) *ProcessService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessService{
		registry:   registry,
		dispatcher: dispatcher,
		sources:    sources,
		tempDir:    tempDir,
		logger:     logger,
	}
}

// StartUpload stores an uploaded file and queues it for processing.
func (s *ProcessService) StartUpload(ctx context.Context, filename string, file io.Reader, title, artist string) (*model.ProcessResponse, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !AudioExtensions[ext] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if strings.TrimSpace(title) == "" {
		title = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	}

	jobID := uuid.New().String()
	songID := uuid.New().String()

	if err := os.MkdirAll(s.tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	tempPath := filepath.Join(s.tempDir, "upload-"+jobID+ext)
	if err := writeFile(tempPath, file); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	if err := s.createJob(jobID, model.JobSourceUpload); err != nil {
		os.Remove(tempPath)
		return nil, err
	}
	if _, err := s.registry.SetSong(jobID, songID); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("upload queued",
		zap.String("jobId", jobID),
		zap.String("songId", songID),
		zap.String("filename", filename),
	)
	s.dispatcher.SubmitLocal(worker.LocalRequest{
		JobID:        jobID,
		SongID:       songID,
		Source:       tempPath,
		RemoveSource: true,
		Title:        title,
		Artist:       artist,
	})
	return s.response(jobID, songID), nil
}

// StartURL validates the source and queues a download job.
func (s *ProcessService) StartURL(ctx context.Context, req *model.ProcessURLRequest) (*model.ProcessResponse, error) {
	if err := s.sources.ValidateSource(req.URL); err != nil {
		return nil, err
	}

	jobID := uuid.New().String()
	songID := uuid.New().String()
	if err := s.createJob(jobID, model.JobSourceURL); err != nil {
		return nil, err
	}

	s.logger.Info("url queued", zap.String("jobId", jobID), zap.String("songId", songID), zap.String("url", req.URL))
	s.dispatcher.SubmitRemote(worker.RemoteRequest{
		JobID:  jobID,
		SongID: songID,
		URL:    req.URL,
		Title:  req.Name,
		Artist: req.Artist,
	})
	// the song id is reported on the job once the download has been ingested
	return s.response(jobID, ""), nil
}

// GetStatus returns the current record of a job.
func (s *ProcessService) GetStatus(ctx context.Context, jobID string) (*model.Job, error) {
	job, ok := s.registry.Get(jobID)
	if !ok {
		return nil, ErrJobNotFound
	}
	return &job, nil
}

func (s *ProcessService) createJob(jobID, source string) error {
	if _, err := s.registry.Create(jobID, source); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *ProcessService) response(jobID, songID string) *model.ProcessResponse {
	return &model.ProcessResponse{
		JobID:     jobID,
		SongID:    songID,
		StatusURL: "/api/process/status/" + jobID,
	}
}

func writeFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
