// Package stage describes each external-tool step of the karaoke pipeline
// and runs one step at a time: launch the tool, then make sure its artifact
// ends up at the canonical path.
package stage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/makeasinger/karaoke/internal/fileutil"
	"github.com/makeasinger/karaoke/internal/locator"
	"github.com/makeasinger/karaoke/internal/runner"
)

// ErrInputMissing is returned when a stage's input file does not exist.
var ErrInputMissing = errors.New("stage input missing")

// Workspace is one song's working directory.
type Workspace struct {
	Dir    string
	SongID string
	// Original is the path of the source audio inside Dir.
	Original string
}

// Path joins name onto the working directory.
func (w Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// RawName is the original file's base name without extension. Some tools
// name their output directories after it.
func (w Workspace) RawName() string {
	base := filepath.Base(w.Original)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Range is the slice of overall job progress a stage owns.
type Range struct {
	Floor int
	Ceil  int
}

// Map converts a stage-local 0-100 value into the job-level range.
func (r Range) Map(p int) int {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return r.Floor + p*(r.Ceil-r.Floor)/100
}

// PrepareFunc may replace a stage's input before the tool runs. cleanup is
// always safe to call and removes anything Prepare created.
type PrepareFunc func(ctx context.Context, r runner.Runner, ws Workspace, input string) (prepared string, cleanup func(), err error)

// Stage is a static description of one pipeline step.
type Stage struct {
	Name     string
	Artifact string
	Step     string
	Output   string
	Range    Range
	Tool     string
	Hint     string

	// Input selects the file the tool reads. Nil for stages fed by a URL.
	Input     func(ws Workspace) string
	Command   func(ws Workspace, input string) runner.Command
	Fallbacks func(ws Workspace) []locator.Candidate
	// Parser builds a fresh progress parser per run. Nil means runner.Percent.
	Parser  func() runner.ParseFunc
	Prepare PrepareFunc
}

// OutputPath is the canonical artifact location in ws.
func (s Stage) OutputPath(ws Workspace) string {
	return ws.Path(s.Output)
}

// Done reports whether the canonical artifact already exists.
func (s Stage) Done(ws Workspace) bool {
	return fileutil.Exists(s.OutputPath(ws))
}

// Error wraps a failed stage with the message shown to pollers.
type Error struct {
	Stage string
	Step  string
	Tool  string
	Hint  string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage is a short description without full tool output.
func (e *Error) UserMessage() string {
	switch {
	case errors.Is(e.Err, runner.ErrToolMissing):
		msg := fmt.Sprintf("%s is not installed or not on PATH", e.Tool)
		if e.Hint != "" {
			msg += ". Install it with: " + e.Hint
		}
		return msg
	case errors.Is(e.Err, context.Canceled), errors.Is(e.Err, context.DeadlineExceeded):
		return e.Step + " cancelled"
	}
	var pe *runner.ProcessError
	if errors.As(e.Err, &pe) {
		return fmt.Sprintf("%s failed: %s", e.Step, pe.Excerpt())
	}
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

// Executor runs stages through a Runner.
type Executor struct {
	runner runner.Runner
	logger *zap.Logger
}

// NewExecutor returns an Executor. A nil logger discards output.
func NewExecutor(r runner.Runner, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{runner: r, logger: logger}
}

// Runner exposes the underlying runner.
func (e *Executor) Runner() runner.Runner {
	return e.runner
}

// Run executes st in ws and returns the canonical artifact path. progress
// receives the stage-local 0-100 value.
func (e *Executor) Run(ctx context.Context, st Stage, ws Workspace, progress runner.ProgressFunc) (string, error) {
	fail := func(err error) (string, error) {
		var se *Error
		if errors.As(err, &se) {
			return "", se
		}
		return "", &Error{Stage: st.Name, Step: st.Step, Tool: st.Tool, Hint: st.Hint, Err: err}
	}

	var input string
	if st.Input != nil {
		input = st.Input(ws)
		if !fileutil.Exists(input) {
			return fail(fmt.Errorf("%w: %s", ErrInputMissing, input))
		}
	}

	if st.Prepare != nil {
		prepared, cleanup, err := st.Prepare(ctx, e.runner, ws, input)
		if cleanup != nil {
			defer cleanup()
		}
		if err != nil {
			return fail(err)
		}
		input = prepared
	}

	opts := runner.Options{OnProgress: progress}
	if st.Parser != nil {
		opts.Parser = st.Parser()
	}

	cmd := st.Command(ws, input)
	log := e.logger.With(zap.String("stage", st.Name), zap.String("songId", ws.SongID))
	log.Info("running stage", zap.String("command", cmd.String()))

	if _, err := e.runner.Run(ctx, cmd, opts); err != nil {
		if stdout, stderr, ok := runner.Diagnostics(err); ok {
			log.Error("stage command failed",
				zap.Error(err),
				zap.String("stdout", stdout),
				zap.String("stderr", stderr),
			)
		}
		return fail(err)
	}

	var candidates []locator.Candidate
	if st.Fallbacks != nil {
		candidates = st.Fallbacks(ws)
	}
	expected := st.OutputPath(ws)
	found, err := locator.Locate(expected, candidates)
	if err != nil {
		log.Error("stage artifact missing", zap.Error(err))
		return fail(err)
	}
	log.Info("stage artifact ready", zap.String("path", found))
	return found, nil
}
