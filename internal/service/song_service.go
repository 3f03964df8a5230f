package service

import (
	"context"
	"errors"

	"github.com/makeasinger/karaoke/internal/catalog"
	"github.com/makeasinger/karaoke/internal/model"
)

var ErrSongNotFound = errors.New("song not found")

// SongStore is the read side of the catalog.
type SongStore interface {
	GetByID(ctx context.Context, id string) (*model.Song, error)
	List(ctx context.Context) ([]model.Song, error)
}

// SongService serves catalog reads
type SongService struct {
	store SongStore
}

func NewSongService(store SongStore) *SongService {
	return &SongService{store: store}
}

// Get returns one song.
func (s *SongService) Get(ctx context.Context, id string) (*model.Song, error) {
	song, err := s.store.GetByID(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, ErrSongNotFound
	}
	return song, err
}

// List returns every song, most recently updated first.
func (s *SongService) List(ctx context.Context) ([]model.Song, error) {
	songs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if songs == nil {
		songs = []model.Song{}
	}
	return songs, nil
}
