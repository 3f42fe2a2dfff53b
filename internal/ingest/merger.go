// Package ingest folds externally observed launches into the track
// registry, skipping anything already known for the same day and route.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/trackcast/core"
	"github.com/signalsfoundry/trackcast/internal/logging"
	"github.com/signalsfoundry/trackcast/internal/observability"
	"github.com/signalsfoundry/trackcast/internal/sim/state"
	"github.com/signalsfoundry/trackcast/internal/store"
	"github.com/signalsfoundry/trackcast/model"
	"github.com/signalsfoundry/trackcast/timectrl"
)

// Merge outcomes reported to the metrics recorder.
const (
	ResultInserted  = "inserted"
	ResultDuplicate = "duplicate"
	ResultInvalid   = "invalid"
	ResultError     = "error"
)

// Publisher is the event sink for newly merged tracks and retirements.
type Publisher interface {
	TrackNew(ctx context.Context, t *model.Track)
	TrackStatus(ctx context.Context, t *model.Track, previous model.Status)
	Alert(ctx context.Context, a model.Alert)
}

// MetricsRecorder receives merge counters.
type MetricsRecorder interface {
	IngestResult(result string)
	ObserveMerge(d time.Duration)
	TrackCreated(owner, kind string)
	TrackTerminal(status string)
}

// Merger turns RawEvents into ingest-owned tracks.
//
// The simulation tick never advances ingest-owned tracks. Their trajectory
// holds only the origin until Retire appends the target, so the one point
// per tick growth applies to simulator-owned tracks alone.
type Merger struct {
	registry *state.TrackRegistry
	pub      Publisher
	store    store.TrackStore
	finder   store.DuplicateFinder
	clock    timectrl.SimClock
	log      logging.Logger
	metrics  MetricsRecorder
	loc      *time.Location

	minFlight time.Duration

	// mu serialises Merge calls so the dedup check and insert are atomic
	// with respect to each other.
	mu   sync.Mutex
	seen *expirable.LRU[string, string]
}

// MergerOption customises a Merger.
type MergerOption func(*Merger)

// WithStore sets where merged tracks are persisted. If s also implements
// store.DuplicateFinder it is consulted during dedup.
func WithStore(s store.TrackStore) MergerOption {
	return func(m *Merger) {
		if s == nil {
			return
		}
		m.store = s
		if f, ok := s.(store.DuplicateFinder); ok && m.finder == nil {
			m.finder = f
		}
	}
}

// WithDuplicateFinder sets an explicit durable dedup source.
func WithDuplicateFinder(f store.DuplicateFinder) MergerOption {
	return func(m *Merger) { m.finder = f }
}

// WithClock sets the clock used for events without timestamps.
func WithClock(c timectrl.SimClock) MergerOption {
	return func(m *Merger) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) MergerOption {
	return func(m *Merger) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMetricsRecorder attaches an optional recorder.
func WithMetricsRecorder(r MetricsRecorder) MergerOption {
	return func(m *Merger) { m.metrics = r }
}

// WithLocation sets the time zone whose calendar days bound dedup.
// Defaults to time.Local.
func WithLocation(loc *time.Location) MergerOption {
	return func(m *Merger) {
		if loc != nil {
			m.loc = loc
		}
	}
}

// WithSeenCacheSize bounds the in-memory cache of recently merged keys.
func WithSeenCacheSize(n int) MergerOption {
	return func(m *Merger) {
		if n > 0 {
			m.seen = expirable.NewLRU[string, string](n, nil, 48*time.Hour)
		}
	}
}

// NewMerger returns a Merger writing into registry.
func NewMerger(registry *state.TrackRegistry, pub Publisher, opts ...MergerOption) *Merger {
	m := &Merger{
		registry:  registry,
		pub:       pub,
		store:     store.Noop{},
		clock:     timectrl.WallClock{},
		log:       logging.Noop(),
		loc:       time.Local,
		minFlight: 60 * time.Second,
		seen:      expirable.NewLRU[string, string](1024, nil, 48*time.Hour),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Merge inserts every event that is valid and not a duplicate and returns
// the inserted tracks. Invalid events are logged and skipped; a failure on
// one event never affects the rest of the batch.
func (m *Merger) Merge(ctx context.Context, events []RawEvent) []*model.Track {
	m.mu.Lock()
	defer m.mu.Unlock()

	started := time.Now()
	ctx, span := observability.StartSpan(ctx, "ingest.Merge", "", "",
		attribute.Int("events", len(events)))
	defer span.End()

	now := m.clock.Now()
	var inserted []*model.Track
	for i, ev := range events {
		t, result, err := m.mergeOne(ctx, ev, now)
		m.record(result)
		switch result {
		case ResultInserted:
			inserted = append(inserted, t)
		case ResultInvalid:
			m.log.Warn(ctx, "ingest event rejected",
				logging.Int("index", i),
				logging.String("event_id", ev.ID),
				logging.Err(err),
			)
		case ResultError:
			m.log.Error(ctx, "ingest event failed",
				logging.Int("index", i),
				logging.String("event_id", ev.ID),
				logging.Err(err),
			)
		case ResultDuplicate:
			m.log.Debug(ctx, "ingest event is a duplicate",
				logging.String("event_id", ev.ID),
				logging.String("reason", errString(err)),
			)
		}
	}

	span.SetAttributes(attribute.Int("inserted", len(inserted)))
	if m.metrics != nil {
		m.metrics.ObserveMerge(time.Since(started))
	}
	return inserted
}

var errDuplicate = errors.New("duplicate")

func (m *Merger) mergeOne(ctx context.Context, ev RawEvent, now time.Time) (*model.Track, string, error) {
	if err := ev.Validate(); err != nil {
		return nil, ResultInvalid, err
	}
	t, err := m.buildTrack(ev, now)
	if err != nil {
		return nil, ResultInvalid, err
	}

	if _, exists := m.registry.Get(t.ID); exists {
		return nil, ResultDuplicate, fmt.Errorf("%w: id %s already registered", errDuplicate, t.ID)
	}
	dupOf, err := m.findDuplicate(ctx, t)
	if err != nil {
		return nil, ResultError, err
	}
	if dupOf != "" {
		return nil, ResultDuplicate, fmt.Errorf("%w of %s", errDuplicate, dupOf)
	}

	m.insert(ctx, t, ev)
	return t, ResultInserted, nil
}

// findDuplicate checks, cheapest first, the recent-key cache, the registry,
// and the durable store for a same-day track with the same key. It returns
// the id of the existing track, or "" when t is new.
func (m *Merger) findDuplicate(ctx context.Context, t *model.Track) (string, error) {
	key := t.DedupKey()
	day := t.LaunchTime.In(m.loc)
	cacheKey := key.DayString(day)

	if id, ok := m.seen.Get(cacheKey); ok {
		return id, nil
	}
	start, end := model.DayBounds(day)
	if other, ok := m.registry.FindSameDay(start, end, key.Matches); ok {
		m.seen.Add(cacheKey, other.ID)
		return other.ID, nil
	}
	if m.finder == nil {
		return "", nil
	}
	id, found, err := m.finder.FindDuplicate(ctx, key, day)
	if err != nil {
		return "", fmt.Errorf("durable dedup lookup: %w", err)
	}
	if !found {
		return "", nil
	}
	m.seen.Add(cacheKey, id)
	return id, nil
}

func (m *Merger) buildTrack(ev RawEvent, now time.Time) (*model.Track, error) {
	kind, err := model.ParseKind(ev.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	launch := ev.LaunchTime
	if launch.IsZero() {
		launch = ev.Timestamp
	}
	if launch.IsZero() {
		launch = now
	}
	eta := ev.EstimatedImpactTime
	if !eta.After(launch) {
		flight := core.FlightTimeSeconds(kind, ev.Origin.Position, ev.Target.Position, m.minFlight.Seconds())
		eta = launch.Add(time.Duration(flight * float64(time.Second)))
	}

	threat, ok := model.ParseThreatLevel(ev.ThreatLevel)
	if !ok {
		threat = model.AssessThreat(kind, false)
	}

	source := ev.SourceLabel
	if source == "" {
		source = "ingest"
	}

	t := &model.Track{
		ID:                  externalID(ev.ID),
		Kind:                kind,
		Owner:               model.OwnerIngest,
		Origin:              ev.Origin.Position,
		Target:              ev.Target.Position,
		CurrentPosition:     ev.Origin.Position,
		Trajectory:          []model.Coordinate{ev.Origin.Position},
		SpeedMps:            kind.Profile().SpeedMps,
		Status:              model.StatusLaunched,
		LaunchTime:          launch,
		EstimatedImpactTime: eta,
		OriginCountry:       strings.ToLower(strings.TrimSpace(ev.Origin.Country)),
		TargetCountry:       strings.ToLower(strings.TrimSpace(ev.Target.Country)),
		OriginName:          ev.Origin.Name,
		TargetName:          ev.Target.Name,
		ThreatLevel:         threat,
		Metadata: model.Metadata{
			RangeM:      core.DistanceMeters(ev.Origin.Position, ev.Target.Position),
			Confidence:  ev.Confidence,
			Source:      source,
			Description: ev.Description,
		},
	}
	if len(ev.Metadata) > 0 {
		t.Metadata.Extra = make(map[string]any, len(ev.Metadata))
		for k, v := range ev.Metadata {
			t.Metadata.Extra[k] = v
		}
	}

	switch status := model.Status(strings.ToLower(strings.TrimSpace(ev.Status))); status {
	case "", model.StatusLaunched:
	case model.StatusInFlight, model.StatusImpact, model.StatusIntercepted, model.StatusFailed:
		at := ev.Timestamp
		if at.IsZero() {
			at = launch
		}
		if err := t.Transition(status, at); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported status %q", ErrInvalidEvent, ev.Status)
	}
	return t, nil
}

func (m *Merger) insert(ctx context.Context, t *model.Track, ev RawEvent) {
	m.registry.Upsert(t)
	m.seen.Add(t.DedupKey().DayString(t.LaunchTime.In(m.loc)), t.ID)
	if err := m.store.SaveTrack(ctx, t); err != nil {
		m.log.Warn(ctx, "persist ingested track failed",
			logging.String("track_id", t.ID),
			logging.Err(err),
		)
	}
	if m.metrics != nil {
		m.metrics.TrackCreated(string(t.Owner), string(t.Kind))
	}

	m.pub.TrackNew(ctx, t)
	m.pub.Alert(ctx, model.Alert{
		ID:       "alert-" + t.ID,
		Type:     model.AlertDetected,
		Severity: t.ThreatLevel,
		Message:  fmt.Sprintf("%s detected: %s -> %s", t.Kind, displayCountry(t.OriginCountry), displayCountry(t.TargetCountry)),
		TrackID:  t.ID,
		Track:    t,
		Source:   t.Metadata.Source,
	})
	m.log.Info(ctx, "ingested track",
		logging.String("track_id", t.ID),
		logging.String("kind", string(t.Kind)),
		logging.String("origin_country", t.OriginCountry),
		logging.String("target_country", t.TargetCountry),
		logging.String("producer_id", ev.ID),
	)
}

// Retire moves ingest-owned active tracks whose estimated impact time has
// passed to impact. It returns the retired ids.
func (m *Merger) Retire(ctx context.Context, now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var retired []string
	for _, t := range m.registry.ActiveSnapshot() {
		if t.Owner != model.OwnerIngest || now.Before(t.EstimatedImpactTime) {
			continue
		}
		previous := t.Status
		if err := t.Transition(model.StatusImpact, now); err != nil {
			m.log.Error(ctx, "retire rejected",
				logging.String("track_id", t.ID),
				logging.Err(err),
			)
			continue
		}
		t.CurrentPosition = t.Target
		t.Trajectory = append(t.Trajectory, t.Target)
		m.registry.Upsert(t)
		if err := m.store.SaveTrack(ctx, t); err != nil {
			m.log.Warn(ctx, "persist retired track failed",
				logging.String("track_id", t.ID),
				logging.Err(err),
			)
		}
		if m.metrics != nil {
			m.metrics.TrackTerminal(string(t.Status))
		}
		m.pub.TrackStatus(ctx, t, previous)
		retired = append(retired, t.ID)
	}
	return retired
}

func (m *Merger) record(result string) {
	if m.metrics != nil {
		m.metrics.IngestResult(result)
	}
}

// externalID namespaces producer ids so they can never collide with
// simulator ids.
func externalID(producerID string) string {
	if producerID == "" {
		return "ext-" + uuid.NewString()
	}
	if strings.HasPrefix(producerID, "ext-") {
		return producerID
	}
	return "ext-" + producerID
}

func displayCountry(c string) string {
	if c == "" {
		return "unknown"
	}
	return c
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
