package stage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/makeasinger/karaoke/internal/fileutil"
	"github.com/makeasinger/karaoke/internal/runner"
)

// ErrSizeConstraint means an input stayed above a tool's size ceiling even
// after transcoding.
var ErrSizeConstraint = errors.New("input exceeds size limit")

// captionBitrates are tried in order until the transcode fits.
var captionBitrates = []string{"64k", "32k"}

const captionTempFile = "vocals.caption.mp3"

// ShrinkForCaptions returns a PrepareFunc that transcodes inputs larger than
// maxBytes to mono mp3, first at 64k then at 32k.
func ShrinkForCaptions(ffmpeg string, maxBytes int64) PrepareFunc {
	return func(ctx context.Context, r runner.Runner, ws Workspace, input string) (string, func(), error) {
		noop := func() {}
		if maxBytes <= 0 {
			return input, noop, nil
		}
		size, err := fileutil.Size(input)
		if err != nil {
			return "", noop, err
		}
		if size <= maxBytes {
			return input, noop, nil
		}

		out := ws.Path(captionTempFile)
		cleanup := func() { _ = os.Remove(out) }

		last := size
		for _, bitrate := range captionBitrates {
			cmd := runner.Command{
				Program: ffmpeg,
				Args: []string{
					"-y",
					"-i", input,
					"-vn",
					"-ac", "1",
					"-ar", "16000",
					"-b:a", bitrate,
					out,
				},
				Dir: ws.Dir,
			}
			if _, err := r.Run(ctx, cmd, runner.Options{Parser: runner.FFmpeg()}); err != nil {
				if errors.Is(err, runner.ErrToolMissing) {
					return "", cleanup, &Error{Stage: NameLyrics, Step: "Transcoding vocals", Tool: ffmpeg, Hint: "apt install ffmpeg", Err: err}
				}
				return "", cleanup, fmt.Errorf("transcode for captions: %w", err)
			}
			last, err = fileutil.Size(out)
			if err != nil {
				return "", cleanup, fmt.Errorf("transcode for captions: %w", err)
			}
			if last <= maxBytes {
				return out, cleanup, nil
			}
		}
		return "", cleanup, fmt.Errorf("%w: %s after transcoding, limit %s",
			ErrSizeConstraint, humanize.IBytes(uint64(last)), humanize.IBytes(uint64(maxBytes)))
	}
}
