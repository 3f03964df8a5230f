package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/makeasinger/karaoke/internal/model"
	"github.com/makeasinger/karaoke/internal/server"
	"github.com/makeasinger/karaoke/internal/worker"
)

func newProcessCommand(ctx *commandContext) *cobra.Command {
	var title, artist, songID string

	cmd := &cobra.Command{
		Use:   "process <file|url>",
		Short: "Process one audio file or video URL in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			log, err := ctx.ensureLogger(os.Stderr)
			if err != nil {
				return err
			}

			components, err := server.Build(cfg, log, nil)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = components.Close(closeCtx)
			}()

			source := args[0]
			if songID == "" {
				songID = uuid.New().String()
			}
			jobID := uuid.New().String()
			kind := model.JobSourceUpload
			if isURL(source) {
				kind = model.JobSourceURL
			}
			if _, err := components.Registry.Create(jobID, kind); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			components.Registry.AddObserver(newProgressPrinter(out, jobID))

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if kind == model.JobSourceURL {
				err = components.Pipeline.ProcessRemote(runCtx, worker.RemoteRequest{
					JobID: jobID, SongID: songID, URL: source, Title: title, Artist: artist,
				})
			} else {
				if title == "" {
					title = strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
				}
				err = components.Pipeline.ProcessLocal(runCtx, worker.LocalRequest{
					JobID: jobID, SongID: songID, Source: source, Title: title, Artist: artist,
				})
			}
			if err != nil {
				return errors.New(worker.UserMessage(err))
			}

			song, err := components.Catalog.GetByID(cmd.Context(), songID)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, renderSong(song))
			fmt.Fprintf(out, "Files in %s\n", components.Pipeline.SongDir(songID))
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Song title (defaults to the file name)")
	cmd.Flags().StringVar(&artist, "artist", "", "Song artist")
	cmd.Flags().StringVar(&songID, "song-id", "", "Reuse an existing song id to resume processing")

	return cmd
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// progressPrinter writes one line per step or progress change of a job.
type progressPrinter struct {
	mu       sync.Mutex
	out      io.Writer
	jobID    string
	step     string
	progress int
}

func newProgressPrinter(out io.Writer, jobID string) *progressPrinter {
	return &progressPrinter{out: out, jobID: jobID, progress: -1}
}

func (p *progressPrinter) JobUpdated(job model.Job) {
	if job.ID != p.jobID || job.Status == model.JobStatusError {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if job.Step == p.step && job.Progress == p.progress {
		return
	}
	p.step, p.progress = job.Step, job.Progress
	fmt.Fprintf(p.out, "[%3d%%] %s\n", job.Progress, job.Step)
}
