package runner

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"unicode/utf8"
)

// ErrToolMissing marks a failure caused by an external program that is not
// installed or not on PATH.
var ErrToolMissing = errors.New("external tool not installed")

// ProcessError describes a command that did not exit cleanly.
type ProcessError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	// Err is set when the process never started or was cancelled.
	Err error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: exit code %d: %s", e.Command, e.ExitCode, e.Excerpt())
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrToolMissing) match on diagnostic text.
func (e *ProcessError) Is(target error) bool {
	return target == ErrToolMissing && looksMissing(e)
}

const excerptLen = 300

// Excerpt returns the tail of the captured output suitable for a status
// line. Stderr is preferred since that is where most tools complain.
func (e *ProcessError) Excerpt() string {
	text := strings.TrimSpace(e.Stderr)
	if text == "" {
		text = strings.TrimSpace(e.Stdout)
	}
	if text == "" {
		return fmt.Sprintf("exit code %d", e.ExitCode)
	}
	lines := strings.Split(text, "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	out := strings.Join(lines, " | ")
	if len(out) > excerptLen {
		start := len(out) - excerptLen
		for start < len(out) && !utf8.RuneStart(out[start]) {
			start++
		}
		out = "..." + out[start:]
	}
	return out
}

// missingSignatures are fragments shells and loaders print when a program
// cannot be found.
var missingSignatures = []string{
	"executable file not found",
	"command not found",
	"is not recognized as an internal or external command",
}

func looksMissing(e *ProcessError) bool {
	if e.Err != nil && errors.Is(e.Err, exec.ErrNotFound) {
		return true
	}
	if e.ExitCode == 127 {
		return true
	}
	text := e.Stderr + "\n" + e.Stdout
	if ContainsAny(text, missingSignatures) {
		return true
	}
	// A start failure naming a missing file means the binary itself is absent.
	return e.ExitCode == -1 && e.Err != nil && ContainsAny(text, []string{"no such file or directory"})
}

// ContainsAny reports whether text contains any of the fragments, ignoring case.
func ContainsAny(text string, fragments []string) bool {
	lower := strings.ToLower(text)
	for _, f := range fragments {
		if strings.Contains(lower, strings.ToLower(f)) {
			return true
		}
	}
	return false
}

// Diagnostics returns the captured output of err if it is a ProcessError.
func Diagnostics(err error) (stdout, stderr string, ok bool) {
	var pe *ProcessError
	if !errors.As(err, &pe) {
		return "", "", false
	}
	return pe.Stdout, pe.Stderr, true
}
