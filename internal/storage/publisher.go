// Package storage publishes finished song artifacts to object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

var contentTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".flac": "audio/flac",
	".json": "application/json",
	".lrc":  "text/plain; charset=utf-8",
	".mp4":  "video/mp4",
}

// ContentType guesses a MIME type from the file extension.
func ContentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Publisher uploads a song's artifacts under songs/<id>/.
type Publisher struct {
	store  ObjectStore
	prefix string
}

// NewPublisher returns a Publisher writing through store.
func NewPublisher(store ObjectStore) *Publisher {
	return &Publisher{store: store, prefix: "songs"}
}

// MetadataKey is the song metadata key holding an artifact's public URL.
func MetadataKey(artifact string) string {
	return "url." + artifact
}

// PublishSong uploads every non-empty artifact in files (names relative to
// dir) and returns metadata entries mapping MetadataKey(artifact) to URL.
// Uploads continue past individual failures; the joined error lists them.
func (p *Publisher) PublishSong(ctx context.Context, songID, dir string, files map[string]string) (map[string]string, error) {
	artifacts := make([]string, 0, len(files))
	for artifact, name := range files {
		if name != "" {
			artifacts = append(artifacts, artifact)
		}
	}
	sort.Strings(artifacts)

	urls := make(map[string]string, len(artifacts))
	var errs []error
	for _, artifact := range artifacts {
		name := files[artifact]
		url, err := p.upload(ctx, path.Join(p.prefix, songID, name), filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", artifact, err))
			continue
		}
		urls[MetadataKey(artifact)] = url
	}
	return urls, errors.Join(errs...)
}

func (p *Publisher) upload(ctx context.Context, key, file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return p.store.Upload(ctx, key, f, ContentType(file))
}
