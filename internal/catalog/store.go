// Package catalog persists song records in SQLite.
package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/makeasinger/karaoke/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

var (
	ErrNotFound       = errors.New("song not found")
	ErrExists         = errors.New("song already exists")
	ErrSchemaMismatch = errors.New("schema version mismatch")
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Store is the SQLite-backed song catalog. Songs are never deleted.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open creates or opens the catalog database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

const songColumns = "id, title, artist, source, files_json, duration, metadata_json, created_at, updated_at"

// GetByID returns the song or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id string) (*model.Song, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+songColumns+" FROM songs WHERE id = ?", id)
	song, err := scanSong(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get song %s: %w", id, err)
	}
	return song, nil
}

// AddSong inserts a new song. Missing artifact keys are stored as "".
func (s *Store) AddSong(ctx context.Context, song *model.Song) error {
	if strings.TrimSpace(song.ID) == "" {
		return errors.New("song id is required")
	}
	now := s.now().UTC()
	if song.CreatedAt.IsZero() {
		song.CreatedAt = now
	}
	song.UpdatedAt = now
	song.Files = normalizeFiles(song.Files)

	filesJSON, metaJSON, err := encodeMaps(song.Files, song.Metadata)
	if err != nil {
		return err
	}

	err = retryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx,
			"INSERT INTO songs ("+songColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
			song.ID, song.Title, song.Artist, song.Source, filesJSON, song.Duration, metaJSON,
			song.CreatedAt.Format(time.RFC3339Nano), song.UpdatedAt.Format(time.RFC3339Nano),
		)
		return execErr
	})
	if err != nil {
		if isConstraint(err) {
			return ErrExists
		}
		return fmt.Errorf("insert song %s: %w", song.ID, err)
	}
	return nil
}

// UpdateSong merges patch into the stored song and returns the result.
func (s *Store) UpdateSong(ctx context.Context, id string, patch model.SongPatch) (*model.Song, error) {
	var updated *model.Song
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, "SELECT "+songColumns+" FROM songs WHERE id = ?", id)
		song, err := scanSong(row)
		if err != nil {
			return err
		}
		applyPatch(song, patch)
		song.UpdatedAt = s.now().UTC()

		filesJSON, metaJSON, err := encodeMaps(song.Files, song.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE songs SET title = ?, artist = ?, files_json = ?, duration = ?, metadata_json = ?, updated_at = ? WHERE id = ?",
			song.Title, song.Artist, filesJSON, song.Duration, metaJSON, song.UpdatedAt.Format(time.RFC3339Nano), id,
		); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		updated = song
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update song %s: %w", id, err)
	}
	return updated, nil
}

// List returns every song, most recently updated first.
func (s *Store) List(ctx context.Context) ([]model.Song, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+songColumns+" FROM songs ORDER BY updated_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("list songs: %w", err)
	}
	defer rows.Close()

	var songs []model.Song
	for rows.Next() {
		song, err := scanSong(rows)
		if err != nil {
			return nil, fmt.Errorf("scan song: %w", err)
		}
		songs = append(songs, *song)
	}
	return songs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSong(row scanner) (*model.Song, error) {
	var (
		song                 model.Song
		filesJSON, metaJSON  string
		createdAt, updatedAt string
	)
	if err := row.Scan(&song.ID, &song.Title, &song.Artist, &song.Source, &filesJSON, &song.Duration, &metaJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(filesJSON), &song.Files); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &song.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	song.Files = normalizeFiles(song.Files)
	song.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	song.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &song, nil
}

func applyPatch(song *model.Song, patch model.SongPatch) {
	if patch.Title != nil {
		song.Title = *patch.Title
	}
	if patch.Artist != nil {
		song.Artist = *patch.Artist
	}
	if patch.Duration != nil {
		song.Duration = *patch.Duration
	}
	song.Files = normalizeFiles(song.Files)
	for k, v := range patch.Files {
		song.Files[k] = v
	}
	if len(patch.Metadata) > 0 && song.Metadata == nil {
		song.Metadata = make(map[string]string, len(patch.Metadata))
	}
	for k, v := range patch.Metadata {
		song.Metadata[k] = v
	}
}

func normalizeFiles(files map[string]string) map[string]string {
	out := model.NewFiles()
	for k, v := range files {
		out[k] = v
	}
	return out
}

func encodeMaps(files, metadata map[string]string) (string, string, error) {
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return "", "", fmt.Errorf("encode files: %w", err)
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(filesJSON), string(metaJSON), nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isConstraint(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
