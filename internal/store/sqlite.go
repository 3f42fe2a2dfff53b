package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/signalsfoundry/trackcast/model"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLiteTrackStore keeps one row per track with the full JSON snapshot and
// the columns the dedup query needs.
type SQLiteTrackStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// is accepted for tests.
func OpenSQLite(path string) (*SQLiteTrackStore, error) {
	if path == "" {
		path = "trackcast.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and avoids
	// SQLITE_BUSY between our own writers.
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteTrackStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteTrackStore wraps an existing handle and applies the schema.
func NewSQLiteTrackStore(db *sql.DB) (*SQLiteTrackStore, error) {
	s := &SQLiteTrackStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTrackStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS tracks (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		owner TEXT NOT NULL,
		status TEXT NOT NULL,
		origin_country TEXT NOT NULL DEFAULT '',
		target_country TEXT NOT NULL DEFAULT '',
		launch_unix_ns INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		payload JSON NOT NULL
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("migrate tracks: %w", err)
	}
	index := `CREATE INDEX IF NOT EXISTS tracks_dedup ON tracks (origin_country, target_country, kind, launch_unix_ns);`
	if _, err := s.db.ExecContext(context.Background(), index); err != nil {
		return fmt.Errorf("migrate tracks index: %w", err)
	}
	return nil
}

// SaveTrack implements TrackStore as an upsert on id.
func (s *SQLiteTrackStore) SaveTrack(ctx context.Context, t *model.Track) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode track %s: %w", t.ID, err)
	}
	key := t.DedupKey()
	query := `INSERT INTO tracks (
		id, kind, owner, status, origin_country, target_country, launch_unix_ns, updated_at, payload
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		updated_at = excluded.updated_at,
		payload = excluded.payload`
	_, err = s.db.ExecContext(ctx, query,
		t.ID, string(t.Kind), string(t.Owner), string(t.Status), key.OriginCountry, key.TargetCountry,
		t.LaunchTime.UnixNano(), time.Now().UTC().Format(time.RFC3339Nano), string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to save track %s: %w", t.ID, err)
	}
	return nil
}

// FindDuplicate implements DuplicateFinder.
func (s *SQLiteTrackStore) FindDuplicate(ctx context.Context, key model.DedupKey, day time.Time) (string, bool, error) {
	start, end := model.DayBounds(day)
	query := `
		SELECT id FROM tracks
		WHERE origin_country = ? AND target_country = ? AND kind = ?
		  AND launch_unix_ns >= ? AND launch_unix_ns < ?
		LIMIT 1`
	var id string
	err := s.db.QueryRowContext(ctx, query,
		key.OriginCountry, key.TargetCountry, string(key.Kind), start.UnixNano(), end.UnixNano(),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query duplicate: %w", err)
	}
	return id, true, nil
}

// Ping checks the database handle.
func (s *SQLiteTrackStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLiteTrackStore) Close() error {
	return s.db.Close()
}
