// Package deps reports which external media tools are installed.
package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/makeasinger/karaoke/internal/config"
)

// Requirement defines an external program the pipeline relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Hint        string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Hint        string `json:"hint,omitempty"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Path        string `json:"path,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Requirements lists every tool the configured pipeline can invoke.
// Download tools are optional: uploads work without them.
func Requirements(t config.ToolsConfig) []Requirement {
	return []Requirement{
		{Name: "Demucs", Command: t.Demucs, Description: "Vocal separation", Hint: "pip install demucs"},
		{Name: "Audio Separator", Command: t.Separator, Description: "Instrumental separation", Hint: "pip install audio-separator"},
		{Name: "Audiowaveform", Command: t.Waveform, Description: "Waveform generation", Hint: "apt install audiowaveform"},
		{Name: "Whisper", Command: t.Whisper, Description: "Lyrics transcription", Hint: "build whisper.cpp and put whisper-cli on PATH"},
		{Name: "FFmpeg", Command: t.FFmpeg, Description: "Audio extraction and caption transcoding", Hint: "apt install ffmpeg"},
		{Name: "yt-dlp", Command: t.Downloader, Description: "Video download for URL jobs", Hint: "pip install yt-dlp", Optional: true},
	}
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Hint:        req.Hint,
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		path, err := exec.LookPath(cmd)
		if err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		status.Path = path
		results = append(results, status)
	}
	return results
}

// Missing returns the unavailable required dependencies.
func Missing(statuses []Status) []Status {
	var out []Status
	for _, s := range statuses {
		if !s.Available && !s.Optional {
			out = append(out, s)
		}
	}
	return out
}
