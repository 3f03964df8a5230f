package runner

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func sh(script string) Command {
	return Command{Program: "sh", Args: []string{"-c", script}}
}

type progressLog struct {
	mu     sync.Mutex
	values []int
}

func (p *progressLog) record(v int) {
	p.mu.Lock()
	p.values = append(p.values, v)
	p.mu.Unlock()
}

func (p *progressLog) snapshot() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.values...)
}

func TestRunCapturesBothStreams(t *testing.T) {
	r := New(nil)
	res, err := r.Run(context.Background(), sh("echo out; echo err 1>&2"), Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Errorf("unexpected stdout %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("unexpected stderr %q", res.Stderr)
	}
}

func TestRunReportsProgressFromEitherStream(t *testing.T) {
	var log progressLog
	script := `echo " 12%|###"; echo "working 40% done" 1>&2; printf ' 75%%|####\r 90%%|#####\r'`
	r := New(nil)
	if _, err := r.Run(context.Background(), sh(script), Options{OnProgress: log.record}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := log.snapshot()
	if len(got) == 0 || got[len(got)-1] != 100 {
		t.Fatalf("expected final progress 100, got %v", got)
	}
	seen := map[int]bool{}
	for _, v := range got {
		seen[v] = true
	}
	for _, want := range []int{12, 40, 75, 90} {
		if !seen[want] {
			t.Errorf("expected progress %d in %v", want, got)
		}
	}
}

func TestRunNonZeroExit(t *testing.T) {
	var log progressLog
	r := New(nil)
	res, err := r.Run(context.Background(), sh("echo partial; echo 'model load failed' 1>&2; exit 3"), Options{OnProgress: log.record})
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	var pe *ProcessError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProcessError, got %T", err)
	}
	if pe.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", pe.ExitCode)
	}
	if !strings.Contains(pe.Stderr, "model load failed") {
		t.Errorf("stderr not captured: %q", pe.Stderr)
	}
	if !strings.Contains(pe.Stdout, "partial") {
		t.Errorf("stdout not captured: %q", pe.Stdout)
	}
	if !strings.Contains(pe.Command, "sh") {
		t.Errorf("command not recorded: %q", pe.Command)
	}
	if res == nil || res.ExitCode != 3 {
		t.Errorf("expected result alongside error, got %#v", res)
	}
	for _, v := range log.snapshot() {
		if v == 100 {
			t.Error("progress 100 must not be reported on failure")
		}
	}
	if errors.Is(err, ErrToolMissing) {
		t.Error("ordinary failure classified as tool missing")
	}
}

func TestRunMissingProgram(t *testing.T) {
	r := New(nil)
	_, err := r.Run(context.Background(), Command{Program: "definitely-not-installed-tool-xyz"}, Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrToolMissing) {
		t.Errorf("expected ErrToolMissing, got %v", err)
	}
	var pe *ProcessError
	if !errors.As(err, &pe) || pe.ExitCode != -1 {
		t.Errorf("expected start failure with exit code -1, got %v", err)
	}
}

func TestRunShellCommandNotFound(t *testing.T) {
	r := New(nil)
	_, err := r.Run(context.Background(), sh("definitely-not-installed-tool-xyz"), Options{})
	if !errors.Is(err, ErrToolMissing) {
		t.Errorf("expected ErrToolMissing for exit 127, got %v", err)
	}
}

func TestRunHonoursWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	r := New(nil)
	res, err := r.Run(context.Background(), Command{Program: "pwd", Dir: dir}, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != want {
		t.Errorf("expected pwd %q, got %q", want, got)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	r := New(nil)
	_, err := r.Run(ctx, sh("exec sleep 5"), Options{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRunCustomParser(t *testing.T) {
	var log progressLog
	parser := func(line string) (int, bool) {
		if strings.HasPrefix(line, "step ") {
			return 50, true
		}
		return 0, false
	}
	r := New(nil)
	if _, err := r.Run(context.Background(), sh("echo 'step one'; echo '99%'"), Options{Parser: parser, OnProgress: log.record}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	got := log.snapshot()
	if len(got) != 2 || got[0] != 50 || got[1] != 100 {
		t.Errorf("expected [50 100], got %v", got)
	}
}

func TestCommandString(t *testing.T) {
	cmd := Command{Program: "whisper-cli", Args: []string{"-f", "my song.wav", "-olrc"}}
	want := `whisper-cli -f "my song.wav" -olrc`
	if got := cmd.String(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
