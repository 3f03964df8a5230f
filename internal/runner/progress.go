package runner

import (
	"regexp"
	"strconv"
	"time"
)

// ParseFunc extracts a percentage from one line of tool output.
type ParseFunc func(line string) (int, bool)

// The number must not continue a longer one, so "1234%" is not read as 234.
var percentRe = regexp.MustCompile(`(?:^|[^\d.])(\d{1,3})(?:\.\d+)?\s*%`)

// Percent returns the first "NN%" found on the line. It covers tqdm bars,
// yt-dlp download lines and most other tools without per-tool parsing.
func Percent(line string) (int, bool) {
	m := percentRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

var (
	ffmpegDurationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	ffmpegTimeRe     = regexp.MustCompile(`time=\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
)

// FFmpeg returns a stateful parser for ffmpeg's stderr. It remembers the
// input duration and reports elapsed "time=" as a share of it. Use one
// parser per invocation.
func FFmpeg() ParseFunc {
	var total time.Duration
	return func(line string) (int, bool) {
		if total == 0 {
			if m := ffmpegDurationRe.FindStringSubmatch(line); m != nil {
				total = hms(m[1], m[2], m[3])
			}
			return 0, false
		}
		m := ffmpegTimeRe.FindStringSubmatch(line)
		if m == nil {
			return 0, false
		}
		elapsed := hms(m[1], m[2], m[3])
		return int(elapsed * 100 / total), true
	}
}

func hms(h, m, s string) time.Duration {
	hours, _ := strconv.Atoi(h)
	mins, _ := strconv.Atoi(m)
	secs, _ := strconv.ParseFloat(s, 64)
	return time.Duration(hours)*time.Hour +
		time.Duration(mins)*time.Minute +
		time.Duration(secs*float64(time.Second))
}
