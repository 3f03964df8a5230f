package testsupport

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/makeasinger/karaoke/internal/runner"
)

// Handler simulates one external program. It usually writes the files the
// real tool would and may report progress through opts.
type Handler func(cmd runner.Command, opts runner.Options) error

// FakeRunner is a runner.Runner that dispatches on the program name and
// records every invocation. Unknown programs fail like a missing binary.
type FakeRunner struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []runner.Command
}

// NewFakeRunner returns a runner with no installed programs.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{handlers: make(map[string]Handler)}
}

// On installs h for program.
func (f *FakeRunner) On(program string, h Handler) *FakeRunner {
	f.mu.Lock()
	f.handlers[program] = h
	f.mu.Unlock()
	return f
}

// Run implements runner.Runner.
func (f *FakeRunner) Run(ctx context.Context, cmd runner.Command, opts runner.Options) (*runner.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	h := f.handlers[cmd.Program]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &runner.ProcessError{Command: cmd.String(), ExitCode: -1, Err: err}
	}
	if h == nil {
		return nil, &runner.ProcessError{
			Command:  cmd.String(),
			ExitCode: -1,
			Stderr:   fmt.Sprintf("exec: %q: executable file not found in $PATH", cmd.Program),
			Err:      &exec.Error{Name: cmd.Program, Err: exec.ErrNotFound},
		}
	}
	if err := h(cmd, opts); err != nil {
		return nil, err
	}
	if opts.OnProgress != nil {
		opts.OnProgress(100)
	}
	return &runner.Result{}, nil
}

// Calls returns every recorded command.
func (f *FakeRunner) Calls() []runner.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.Command(nil), f.calls...)
}

// CallsTo returns the recorded commands for program.
func (f *FakeRunner) CallsTo(program string) []runner.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runner.Command
	for _, c := range f.calls {
		if c.Program == program {
			out = append(out, c)
		}
	}
	return out
}
