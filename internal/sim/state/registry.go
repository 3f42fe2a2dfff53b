// internal/sim/state/registry.go
package state

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/trackcast/internal/logging"
	"github.com/signalsfoundry/trackcast/model"
)

// RegistryMetricsRecorder receives count updates whenever the registry
// changes.
type RegistryMetricsRecorder interface {
	SetTrackCounts(active, total int)
}

// TrackRegistry is the process-wide in-memory store of every known track.
//
// It keeps two indexes: all tracks by id, and the subset that is still
// active (non-terminal). Both the simulator and the ingest runner write to
// it; their id namespaces are disjoint so a single RWMutex is sufficient.
// The registry stores private copies and hands out copies, so callers can
// never alias its internal state.
type TrackRegistry struct {
	mu     sync.RWMutex
	all    map[string]*model.Track
	active map[string]struct{}

	// activeCount mirrors len(active) so ActiveCount never takes the lock.
	activeCount atomic.Int64

	log     logging.Logger
	metrics RegistryMetricsRecorder
}

// RegistryOption customises TrackRegistry construction.
type RegistryOption func(*TrackRegistry)

// WithMetricsRecorder attaches an optional recorder for track counts.
func WithMetricsRecorder(m RegistryMetricsRecorder) RegistryOption {
	return func(r *TrackRegistry) {
		r.metrics = m
	}
}

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) RegistryOption {
	return func(r *TrackRegistry) {
		if log != nil {
			r.log = log
		}
	}
}

// NewTrackRegistry returns an empty registry.
func NewTrackRegistry(opts ...RegistryOption) *TrackRegistry {
	r := &TrackRegistry{
		all:    make(map[string]*model.Track),
		active: make(map[string]struct{}),
		log:    logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Upsert inserts or replaces the track with t.ID. A non-terminal track is
// placed in the active index; a terminal one is removed from it.
func (r *TrackRegistry) Upsert(t *model.Track) {
	if t == nil || t.ID == "" {
		r.log.Warn(context.Background(), "registry: ignoring track without id")
		return
	}
	cp := t.Clone()

	r.mu.Lock()
	r.all[cp.ID] = cp
	if cp.Active() {
		r.active[cp.ID] = struct{}{}
	} else {
		delete(r.active, cp.ID)
	}
	r.syncCountsLocked()
	r.mu.Unlock()
}

// Remove demotes id from the active index. The record itself is kept so
// Get and All still return it.
func (r *TrackRegistry) Remove(id string) {
	r.mu.Lock()
	if _, ok := r.active[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.active, id)
	r.syncCountsLocked()
	r.mu.Unlock()
}

// Get returns a copy of the track with id.
func (r *TrackRegistry) Get(id string) (*model.Track, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.all[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// IsActive reports whether id is currently in the active index.
func (r *TrackRegistry) IsActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[id]
	return ok
}

// All returns copies of every track ever registered, ordered by launch time
// then id.
func (r *TrackRegistry) All() []*model.Track {
	r.mu.RLock()
	out := make([]*model.Track, 0, len(r.all))
	for _, t := range r.all {
		out = append(out, t.Clone())
	}
	r.mu.RUnlock()

	sortTracks(out)
	return out
}

// ActiveSnapshot returns copies of all active tracks, ordered by launch
// time then id. The result is unaffected by later registry mutation.
func (r *TrackRegistry) ActiveSnapshot() []*model.Track {
	r.mu.RLock()
	out := make([]*model.Track, 0, len(r.active))
	for id := range r.active {
		if t, ok := r.all[id]; ok {
			out = append(out, t.Clone())
		}
	}
	r.mu.RUnlock()

	sortTracks(out)
	return out
}

// ActiveCount returns the size of the active index without locking.
func (r *TrackRegistry) ActiveCount() int {
	return int(r.activeCount.Load())
}

// Count returns the number of tracks ever registered.
func (r *TrackRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}

// FindSameDay returns the first registered track matching match whose
// launch time falls within [dayStart, dayEnd).
// match sees the registry's own copy and must not retain or modify it.
func (r *TrackRegistry) FindSameDay(dayStart, dayEnd time.Time, match func(*model.Track) bool) (*model.Track, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.all {
		if t.LaunchTime.Before(dayStart) || !t.LaunchTime.Before(dayEnd) {
			continue
		}
		if match == nil || match(t) {
			return t.Clone(), true
		}
	}
	return nil, false
}

// syncCountsLocked refreshes the atomic counter and the metrics recorder.
// Callers must hold r.mu for writing so gauge updates are never reordered.
func (r *TrackRegistry) syncCountsLocked() {
	active := len(r.active)
	r.activeCount.Store(int64(active))
	if r.metrics != nil {
		r.metrics.SetTrackCounts(active, len(r.all))
	}
}

func sortTracks(ts []*model.Track) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].LaunchTime.Equal(ts[j].LaunchTime) {
			return ts[i].LaunchTime.Before(ts[j].LaunchTime)
		}
		return ts[i].ID < ts[j].ID
	})
}
