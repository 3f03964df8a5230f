// Package runner launches external command-line tools, streams their output
// line by line and turns recognisable progress text into percentages.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

const maxLineSize = 1024 * 1024

// Command is a program plus an explicit argument vector. No shell is involved.
type Command struct {
	Program string
	Args    []string
	Dir     string
	Env     []string
}

// String renders the command for logs and diagnostics.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, quote(c.Program))
	for _, a := range c.Args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"'") {
		return strconv.Quote(s)
	}
	return s
}

// ProgressFunc receives a 0-100 value reported by the running tool.
type ProgressFunc func(percent int)

// Options configure a single invocation. Every field is optional.
type Options struct {
	// Parser extracts a percentage from one output line. Defaults to Percent.
	Parser ParseFunc
	// OnProgress is called with each parsed percentage and a final 100 on success.
	OnProgress ProgressFunc
}

// Result holds everything a finished process wrote.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, cmd Command, opts Options) (*Result, error)
}

// Exec is the os/exec backed Runner.
type Exec struct {
	logger *zap.Logger
}

// New returns an Exec runner logging through logger.
func New(logger *zap.Logger) *Exec {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exec{logger: logger}
}

// Run starts cmd, reads both streams until they close and waits for exit.
// A non-zero exit, a start failure and a cancelled context all return a
// *ProcessError carrying the captured output.
func (e *Exec) Run(ctx context.Context, cmd Command, opts Options) (*Result, error) {
	parse := opts.Parser
	if parse == nil {
		parse = Percent
	}

	c := exec.CommandContext(ctx, cmd.Program, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, startFailure(cmd, err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, startFailure(cmd, err)
	}

	e.logger.Debug("starting command", zap.String("command", cmd.String()), zap.String("dir", cmd.Dir))
	if err := c.Start(); err != nil {
		return nil, startFailure(cmd, err)
	}

	// Both streams share one parser and callback; mu serialises them.
	var mu sync.Mutex
	onLine := func(line string) {
		if opts.OnProgress == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if pct, ok := parse(line); ok {
			opts.OnProgress(clamp(pct))
		}
	}

	var outBuf, errBuf bytes.Buffer
	var wg conc.WaitGroup
	wg.Go(func() { scanStream(stdout, &outBuf, onLine) })
	wg.Go(func() { scanStream(stderr, &errBuf, onLine) })
	wg.Wait()

	waitErr := c.Wait()
	res := &Result{
		ExitCode: c.ProcessState.ExitCode(),
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, &ProcessError{Command: cmd.String(), ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr, Err: ctxErr}
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, &ProcessError{Command: cmd.String(), ExitCode: -1, Stdout: res.Stdout, Stderr: res.Stderr, Err: waitErr}
		}
		return res, &ProcessError{Command: cmd.String(), ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	}

	if opts.OnProgress != nil {
		opts.OnProgress(100)
	}
	return res, nil
}

func startFailure(cmd Command, err error) *ProcessError {
	return &ProcessError{
		Command:  cmd.String(),
		ExitCode: -1,
		Stderr:   err.Error(),
		Err:      err,
	}
}

// scanStream copies r into buf one line at a time, treating a bare carriage
// return as a line break so redrawn progress bars are seen as they happen.
func scanStream(r io.Reader, buf *bytes.Buffer, onLine func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	sc.Split(scanLinesOrReturns)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
		onLine(line)
	}
	// Drain whatever is left so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func scanLinesOrReturns(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
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
