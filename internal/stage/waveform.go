package stage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// WaveformData is the audiowaveform JSON format.
type WaveformData struct {
	Version         int   `json:"version"`
	Channels        int   `json:"channels"`
	SampleRate      int   `json:"sample_rate"`
	SamplesPerPixel int   `json:"samples_per_pixel"`
	Bits            int   `json:"bits"`
	Length          int   `json:"length"`
	Data            []int `json:"data"`
}

// ReadWaveform parses path and rejects files that do not look like
// audiowaveform output.
func ReadWaveform(path string) (*WaveformData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var w WaveformData
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("parse waveform %s: %w", path, err)
	}
	if w.Data == nil {
		return nil, errors.New("waveform has no data array")
	}
	if w.SampleRate <= 0 || w.SamplesPerPixel <= 0 {
		return nil, errors.New("waveform missing sample_rate or samples_per_pixel")
	}
	return &w, nil
}

// Duration returns the track length in seconds.
func (w *WaveformData) Duration() float64 {
	length := w.Length
	if length == 0 {
		channels := w.Channels
		if channels < 1 {
			channels = 1
		}
		// Each pixel is a min/max pair per channel.
		length = len(w.Data) / (2 * channels)
	}
	return float64(length) * float64(w.SamplesPerPixel) / float64(w.SampleRate)
}

// WaveformDuration reads the duration stored in a waveform file.
func WaveformDuration(path string) (float64, error) {
	w, err := ReadWaveform(path)
	if err != nil {
		return 0, err
	}
	return w.Duration(), nil
}
