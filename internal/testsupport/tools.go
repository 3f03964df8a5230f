package testsupport

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/makeasinger/karaoke/internal/runner"
)

// Program names used by fake tool setups.
const (
	Demucs     = "demucs"
	Separator  = "audio-separator"
	Waveform   = "audiowaveform"
	Whisper    = "whisper-cli"
	Downloader = "yt-dlp"
	FFmpeg     = "ffmpeg"
)

// ArgValue returns the value following flag in args.
func ArgValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func report(opts runner.Options, p int) {
	if opts.OnProgress != nil {
		opts.OnProgress(p)
	}
}

func rawName(input string) string {
	base := filepath.Base(input)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// DemucsOK writes vocals.wav and no_vocals.wav under
// <out>/<model>/<input name>/ the way demucs does.
func DemucsOK() Handler {
	return func(cmd runner.Command, opts runner.Options) error {
		out := ArgValue(cmd.Args, "-o")
		model := ArgValue(cmd.Args, "-n")
		input := cmd.Args[len(cmd.Args)-1]
		dir := filepath.Join(out, model, rawName(input))
		report(opts, 50)
		if err := writeSized(filepath.Join(dir, "vocals.wav"), 128); err != nil {
			return err
		}
		return writeSized(filepath.Join(dir, "no_vocals.wav"), 128)
	}
}

// SeparatorOK writes an audio-separator style instrumental into the output dir.
func SeparatorOK() Handler {
	return func(cmd runner.Command, opts runner.Options) error {
		out := ArgValue(cmd.Args, "--output_dir")
		report(opts, 40)
		name := fmt.Sprintf("%s_(Instrumental)_model.wav", rawName(cmd.Args[0]))
		return writeSized(filepath.Join(out, name), 128)
	}
}

// WaveformOK writes valid waveform JSON at the -o path.
func WaveformOK() Handler {
	return func(cmd runner.Command, opts runner.Options) error {
		report(opts, 60)
		return writeString(ArgValue(cmd.Args, "-o"), WaveformJSON)
	}
}

// WhisperOK writes captions at <-of>.lrc.
func WhisperOK() Handler {
	return func(cmd runner.Command, opts runner.Options) error {
		report(opts, 30)
		return writeString(ArgValue(cmd.Args, "-of")+".lrc", LRC)
	}
}

// FFmpegOK writes size bytes to the output path (the last argument).
func FFmpegOK(size int64) Handler {
	return func(cmd runner.Command, opts runner.Options) error {
		return writeSized(cmd.Args[len(cmd.Args)-1], size)
	}
}

// DownloaderOK writes video.<ext> following the -o template.
func DownloaderOK(ext string) Handler {
	return func(cmd runner.Command, opts runner.Options) error {
		tmpl := ArgValue(cmd.Args, "-o")
		report(opts, 70)
		return writeSized(strings.Replace(tmpl, "%(ext)s", ext, 1), 256)
	}
}

// Fail returns a handler that exits with code and stderr.
func Fail(code int, stderr string) Handler {
	return func(cmd runner.Command, opts runner.Options) error {
		return &runner.ProcessError{Command: cmd.String(), ExitCode: code, Stderr: stderr}
	}
}

// Silent returns a handler that succeeds without writing anything.
func Silent() Handler {
	return func(runner.Command, runner.Options) error { return nil }
}

func writeString(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
