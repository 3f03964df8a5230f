package testsupport

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteFile fills path with size bytes of a repeating pattern, creating
// parent directories. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()
	if err := writeSized(path, size); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func writeSized(path string, size int64) error {
	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	const chunkSize = 32 * 1024
	buf := make([]byte, chunkSize)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	for remaining := size; remaining > 0; {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := f.Write(buf[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	return f.Close()
}

// WaveformJSON is a minimal valid audiowaveform document lasting 0.2s.
const WaveformJSON = `{"version":2,"channels":1,"sample_rate":44100,"samples_per_pixel":2205,"bits":8,"length":4,"data":[0,10,-5,20,-8,12,0,3]}`

// LRC is a two-line caption file.
const LRC = "[00:01.00] Is this the real life\n[00:04.50] Is this just fantasy\n"
