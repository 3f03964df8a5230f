package stage

import (
	"path/filepath"
	"strings"

	"github.com/makeasinger/karaoke/internal/locator"
	"github.com/makeasinger/karaoke/internal/model"
	"github.com/makeasinger/karaoke/internal/runner"
)

// Stage names
const (
	NameVocals       = "vocals"
	NameInstrumental = "instrumental"
	NameWaveform     = "waveform"
	NameLyrics       = "lyrics"
	NameDownload     = "download"
	NameExtract      = "extract"
)

// Canonical artifact filenames inside a song directory.
const (
	VocalsFile       = "vocals.wav"
	InstrumentalFile = "instrumental.wav"
	WaveformFile     = "waveform.json"
	LyricsFile       = "lyrics.lrc"
	VideoFile        = "video.mp4"
	ExtractedFile    = "original.wav"
)

// Tools holds program names and models for every stage.
type Tools struct {
	Demucs          string
	DemucsModel     string
	Separator       string
	SeparatorModel  string
	Waveform        string
	Whisper         string
	WhisperModel    string
	Downloader      string
	FFmpeg          string
	CaptionMaxBytes int64
}

// demucsModels are the output directories different demucs releases use.
var demucsModels = []string{"htdemucs", "htdemucs_ft", "mdx_extra", "mdx_extra_q"}

// videoExtensions are the containers the downloader may produce.
var videoExtensions = []string{".mp4", ".mkv", ".webm", ".mov"}

// Pipeline returns the four processing stages in execution order.
func Pipeline(t Tools) []Stage {
	return []Stage{
		Vocals(t),
		Instrumental(t),
		Waveform(t),
		Lyrics(t),
	}
}

// Vocals isolates the vocal track with demucs.
func Vocals(t Tools) Stage {
	return Stage{
		Name:     NameVocals,
		Artifact: model.ArtifactVocals,
		Step:     "Extracting vocals",
		Output:   VocalsFile,
		Range:    Range{Floor: 10, Ceil: 30},
		Tool:     t.Demucs,
		Hint:     "pip install demucs",
		Input:    func(ws Workspace) string { return ws.Original },
		Command: func(ws Workspace, input string) runner.Command {
			return runner.Command{
				Program: t.Demucs,
				Args: []string{
					"--two-stems=vocals",
					"-n", t.DemucsModel,
					"-o", ws.Path("separated"),
					input,
				},
				Dir: ws.Dir,
			}
		},
		Fallbacks: func(ws Workspace) []locator.Candidate {
			isVocals := func(name string) bool {
				return locator.ContainsFold(name, "vocals") &&
					!locator.ContainsFold(name, "no_vocals") &&
					locator.HasSuffixFold(name, ".wav")
			}
			return separatedCandidates(ws, t.DemucsModel, isVocals)
		},
	}
}

// Instrumental removes the voice with audio-separator.
func Instrumental(t Tools) Stage {
	return Stage{
		Name:     NameInstrumental,
		Artifact: model.ArtifactInstrumental,
		Step:     "Removing vocals",
		Output:   InstrumentalFile,
		Range:    Range{Floor: 30, Ceil: 50},
		Tool:     t.Separator,
		Hint:     "pip install audio-separator",
		Input:    func(ws Workspace) string { return ws.Original },
		Command: func(ws Workspace, input string) runner.Command {
			args := []string{
				input,
				"--output_dir", ws.Dir,
				"--output_format", "WAV",
				"--single_stem", "Instrumental",
			}
			if t.SeparatorModel != "" {
				args = append(args, "--model_filename", t.SeparatorModel)
			}
			return runner.Command{Program: t.Separator, Args: args, Dir: ws.Dir}
		},
		Fallbacks: func(ws Workspace) []locator.Candidate {
			isInstrumental := func(name string) bool {
				return (locator.ContainsFold(name, "instrumental") || locator.ContainsFold(name, "no_vocals")) &&
					locator.HasSuffixFold(name, ".wav")
			}
			return append([]locator.Candidate{
				{Dir: ws.Dir, Match: isInstrumental},
				{Dir: ws.Path("output"), Match: isInstrumental},
			}, separatedCandidates(ws, t.DemucsModel, isInstrumental)...)
		},
	}
}

// Waveform extracts peak data from the instrumental track.
func Waveform(t Tools) Stage {
	return Stage{
		Name:     NameWaveform,
		Artifact: model.ArtifactWaveform,
		Step:     "Generating waveform",
		Output:   WaveformFile,
		Range:    Range{Floor: 50, Ceil: 70},
		Tool:     t.Waveform,
		Hint:     "apt install audiowaveform",
		Input:    func(ws Workspace) string { return ws.Path(InstrumentalFile) },
		Command: func(ws Workspace, input string) runner.Command {
			return runner.Command{
				Program: t.Waveform,
				Args: []string{
					"-i", input,
					"-o", ws.Path(WaveformFile),
					"--pixels-per-second", "20",
					"--bits", "8",
				},
				Dir: ws.Dir,
			}
		},
		Fallbacks: func(ws Workspace) []locator.Candidate {
			isJSON := func(name string) bool { return locator.HasSuffixFold(name, ".json") }
			validate := func(path string) error {
				_, err := ReadWaveform(path)
				return err
			}
			return []locator.Candidate{
				{Dir: ws.Path("output"), Match: isJSON, Validate: validate},
				{Dir: ws.Dir, Match: isJSON, Validate: validate},
			}
		},
	}
}

// Lyrics transcribes the vocal track into LRC captions with whisper.cpp.
func Lyrics(t Tools) Stage {
	return Stage{
		Name:     NameLyrics,
		Artifact: model.ArtifactLyrics,
		Step:     "Transcribing lyrics",
		Output:   LyricsFile,
		Range:    Range{Floor: 70, Ceil: 90},
		Tool:     t.Whisper,
		Hint:     "build whisper.cpp and put whisper-cli on PATH",
		Input:    func(ws Workspace) string { return ws.Path(VocalsFile) },
		Command: func(ws Workspace, input string) runner.Command {
			return runner.Command{
				Program: t.Whisper,
				Args: []string{
					"-m", t.WhisperModel,
					"-f", input,
					"-olrc",
					"-of", strings.TrimSuffix(ws.Path(LyricsFile), ".lrc"),
					"-pp",
				},
				Dir: ws.Dir,
			}
		},
		Fallbacks: func(ws Workspace) []locator.Candidate {
			isLRC := func(name string) bool { return locator.HasSuffixFold(name, ".lrc") }
			return []locator.Candidate{
				{Dir: ws.Dir, Match: isLRC},
				{Dir: ws.Path("output"), Match: isLRC},
			}
		},
		Prepare: ShrinkForCaptions(t.FFmpeg, t.CaptionMaxBytes),
	}
}

// Download fetches audio and video for a remote URL with yt-dlp.
func Download(t Tools, url string) Stage {
	return Stage{
		Name:     NameDownload,
		Artifact: model.ArtifactVideo,
		Step:     "Downloading",
		Output:   VideoFile,
		Range:    Range{Floor: 0, Ceil: 8},
		Tool:     t.Downloader,
		Hint:     "pip install yt-dlp",
		Command: func(ws Workspace, _ string) runner.Command {
			return runner.Command{
				Program: t.Downloader,
				Args: []string{
					"--newline",
					"--no-playlist",
					"-f", "bv*[ext=mp4]+ba[ext=m4a]/b[ext=mp4]/bv*+ba/b",
					"--merge-output-format", "mp4",
					"-o", ws.Path("video.%(ext)s"),
					url,
				},
				Dir: ws.Dir,
			}
		},
		Fallbacks: func(ws Workspace) []locator.Candidate {
			isVideo := func(name string) bool {
				if !strings.HasPrefix(strings.ToLower(name), "video.") {
					return false
				}
				for _, ext := range videoExtensions {
					if locator.HasSuffixFold(name, ext) {
						return true
					}
				}
				return false
			}
			return []locator.Candidate{{Dir: ws.Dir, Match: isVideo}}
		},
	}
}

// Extract pulls a PCM wav out of the downloaded video with ffmpeg.
func Extract(t Tools) Stage {
	return Stage{
		Name:     NameExtract,
		Artifact: model.ArtifactOriginal,
		Step:     "Extracting audio",
		Output:   ExtractedFile,
		Range:    Range{Floor: 8, Ceil: 10},
		Tool:     t.FFmpeg,
		Hint:     "apt install ffmpeg",
		Input:    func(ws Workspace) string { return ws.Path(VideoFile) },
		Command: func(ws Workspace, input string) runner.Command {
			return runner.Command{
				Program: t.FFmpeg,
				Args: []string{
					"-y",
					"-i", input,
					"-vn",
					"-acodec", "pcm_s16le",
					"-ar", "44100",
					"-ac", "2",
					ws.Path(ExtractedFile),
				},
				Dir: ws.Dir,
			}
		},
		Parser: runner.FFmpeg,
	}
}

// separatedCandidates lists demucs output locations, configured model first.
func separatedCandidates(ws Workspace, model string, match func(string) bool) []locator.Candidate {
	raw := ws.RawName()
	models := append([]string{model}, demucsModels...)
	var out []locator.Candidate
	for _, m := range models {
		if m == "" {
			continue
		}
		out = append(out, locator.Candidate{Dir: filepath.Join(ws.Dir, "separated", m, raw), Match: match})
	}
	out = append(out,
		locator.Candidate{Dir: filepath.Join(ws.Dir, "separated", raw), Match: match},
		locator.Candidate{Dir: ws.Path("output"), Match: match},
		locator.Candidate{Dir: ws.Dir, Match: match},
	)
	return out
}
