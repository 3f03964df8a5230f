package deps

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/makeasinger/karaoke/internal/config"
)

func TestCheckBinaries(t *testing.T) {
	binDir := t.TempDir()
	present := filepath.Join(binDir, "present")
	script := []byte("#!/bin/sh\nexit 0\n")
	if err := os.WriteFile(present, script, 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	reqs := []Requirement{
		{Name: "Present", Command: present},
		{Name: "Missing", Command: "clearly-not-present-binary", Hint: "install it"},
		{Name: "Blank", Command: "  "},
	}

	results := CheckBinaries(reqs)
	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}
	if !results[0].Available || results[0].Path != present {
		t.Fatalf("expected first requirement to be available at %s, got %#v", present, results[0])
	}
	if results[0].Detail != "" {
		t.Fatalf("unexpected detail for available dependency: %s", results[0].Detail)
	}
	if results[1].Available || results[1].Detail == "" {
		t.Fatalf("expected missing binary with detail, got %#v", results[1])
	}
	if results[1].Hint != "install it" {
		t.Fatalf("expected hint to be carried, got %q", results[1].Hint)
	}
	if results[2].Available || results[2].Detail != "command not configured" {
		t.Fatalf("expected unconfigured command, got %#v", results[2])
	}
}

func TestRequirementsFollowConfig(t *testing.T) {
	binDir := t.TempDir()
	for _, name := range []string{"demucs", "audio-separator", "audiowaveform", "whisper-cli", "ffmpeg"} {
		if err := os.WriteFile(filepath.Join(binDir, name), []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
			t.Fatalf("write stub: %v", err)
		}
	}
	t.Setenv("PATH", binDir)

	statuses := CheckBinaries(Requirements(config.ToolsConfig{
		Demucs:     "demucs",
		Separator:  "audio-separator",
		Waveform:   "audiowaveform",
		Whisper:    "whisper-cli",
		FFmpeg:     "ffmpeg",
		Downloader: "yt-dlp",
	}))

	if missing := Missing(statuses); len(missing) != 0 {
		t.Fatalf("expected every required tool present, missing %#v", missing)
	}
	var downloader Status
	for _, s := range statuses {
		if s.Command == "yt-dlp" {
			downloader = s
		}
	}
	if downloader.Available || !downloader.Optional {
		t.Fatalf("expected optional unavailable downloader, got %#v", downloader)
	}
}
