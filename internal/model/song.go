package model

import "time"

// Artifact names used as keys of Song.Files
const (
	ArtifactOriginal     = "original"
	ArtifactVocals       = "vocals"
	ArtifactInstrumental = "instrumental"
	ArtifactWaveform     = "waveform"
	ArtifactLyrics       = "lyrics"
	ArtifactVideo        = "video"
)

// Artifacts lists every artifact name in pipeline order.
var Artifacts = []string{
	ArtifactOriginal,
	ArtifactVocals,
	ArtifactInstrumental,
	ArtifactWaveform,
	ArtifactLyrics,
	ArtifactVideo,
}

// Song is a catalog record. Files maps an artifact name to a filename
// relative to the song's working directory, or "" when absent.
type Song struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Artist    string            `json:"artist,omitempty"`
	Source    string            `json:"source,omitempty"`
	Files     map[string]string `json:"files"`
	Duration  float64           `json:"duration"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// NewFiles returns a files map with every artifact present and empty.
func NewFiles() map[string]string {
	files := make(map[string]string, len(Artifacts))
	for _, name := range Artifacts {
		files[name] = ""
	}
	return files
}

// SongPatch is a partial update. Nil fields are left untouched; Files and
// Metadata entries are merged key by key.
type SongPatch struct {
	Title    *string
	Artist   *string
	Files    map[string]string
	Duration *float64
	Metadata map[string]string
}
