package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/makeasinger/karaoke/internal/model"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAddAndGetSong(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	song := &model.Song{
		ID:     "song-1",
		Title:  "Bohemian Rhapsody",
		Artist: "Queen",
		Files:  map[string]string{model.ArtifactOriginal: "original.mp3"},
	}
	if err := store.AddSong(ctx, song); err != nil {
		t.Fatalf("AddSong failed: %v", err)
	}

	got, err := store.GetByID(ctx, "song-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Title != "Bohemian Rhapsody" || got.Artist != "Queen" {
		t.Errorf("unexpected song %+v", got)
	}
	if got.Files[model.ArtifactOriginal] != "original.mp3" {
		t.Errorf("unexpected files %v", got.Files)
	}
	if v, ok := got.Files[model.ArtifactVocals]; !ok || v != "" {
		t.Errorf("absent artifacts should be stored as empty strings, got %v", got.Files)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected created timestamp")
	}

	if err := store.AddSong(ctx, &model.Song{ID: "song-1"}); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
}

func TestGetMissingSong(t *testing.T) {
	store := openStore(t)
	if _, err := store.GetByID(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateSongMergesPatch(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	if err := store.AddSong(ctx, &model.Song{
		ID:       "song-1",
		Title:    "Draft",
		Files:    map[string]string{model.ArtifactOriginal: "original.wav"},
		Metadata: map[string]string{"source": "upload"},
	}); err != nil {
		t.Fatalf("AddSong failed: %v", err)
	}

	title := "Final"
	duration := 215.5
	updated, err := store.UpdateSong(ctx, "song-1", model.SongPatch{
		Title:    &title,
		Duration: &duration,
		Files:    map[string]string{model.ArtifactVocals: "vocals.wav"},
		Metadata: map[string]string{"url.vocals": "https://cdn.example.com/vocals.wav"},
	})
	if err != nil {
		t.Fatalf("UpdateSong failed: %v", err)
	}
	if updated.Title != "Final" || updated.Duration != 215.5 {
		t.Errorf("unexpected updated song %+v", updated)
	}

	got, _ := store.GetByID(ctx, "song-1")
	if got.Files[model.ArtifactOriginal] != "original.wav" || got.Files[model.ArtifactVocals] != "vocals.wav" {
		t.Errorf("files not merged: %v", got.Files)
	}
	if got.Metadata["source"] != "upload" || got.Metadata["url.vocals"] == "" {
		t.Errorf("metadata not merged: %v", got.Metadata)
	}
}

func TestUpdateMissingSong(t *testing.T) {
	store := openStore(t)
	if _, err := store.UpdateSong(context.Background(), "nope", model.SongPatch{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := store.AddSong(ctx, &model.Song{ID: id, Title: id}); err != nil {
			t.Fatalf("AddSong failed: %v", err)
		}
	}
	_ = store.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	songs, err := reopened.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(songs) != 2 {
		t.Fatalf("expected 2 songs, got %d", len(songs))
	}
}
