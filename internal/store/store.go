// Package store persists track snapshots outside the process. Persistence
// is best-effort: the engines log and count failures and carry on.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/signalsfoundry/trackcast/model"
)

// ErrQueueFull is returned by WriteBehind when its buffer has no room.
var ErrQueueFull = errors.New("store: write-behind queue full")

// TrackStore saves the latest state of a track. Implementations must be
// safe for concurrent use.
type TrackStore interface {
	SaveTrack(ctx context.Context, t *model.Track) error
}

// DuplicateFinder is implemented by stores that can answer the ingest
// dedup question from durable history: is there a track with key whose
// launch time falls on the calendar day containing day?
type DuplicateFinder interface {
	FindDuplicate(ctx context.Context, key model.DedupKey, day time.Time) (id string, found bool, err error)
}

// MetricsRecorder receives persistence failure counts.
type MetricsRecorder interface {
	StoreError(op string)
}

// Noop discards every write and never reports duplicates.
type Noop struct{}

// SaveTrack implements TrackStore.
func (Noop) SaveTrack(context.Context, *model.Track) error { return nil }

// FindDuplicate implements DuplicateFinder.
func (Noop) FindDuplicate(context.Context, model.DedupKey, time.Time) (string, bool, error) {
	return "", false, nil
}
