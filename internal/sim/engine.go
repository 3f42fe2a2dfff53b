// Package sim advances simulator-owned tracks on a fixed tick: it moves
// in-flight tracks along their routes, resolves impacts and interceptions,
// and spawns new launches.
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/trackcast/core"
	"github.com/signalsfoundry/trackcast/internal/logging"
	"github.com/signalsfoundry/trackcast/internal/observability"
	"github.com/signalsfoundry/trackcast/internal/sim/state"
	"github.com/signalsfoundry/trackcast/internal/store"
	"github.com/signalsfoundry/trackcast/model"
	"github.com/signalsfoundry/trackcast/timectrl"
)

var (
	// ErrUnknownTrack is returned by Fail for ids the registry has never seen.
	ErrUnknownTrack = errors.New("sim: unknown track")
	// ErrNotOwned is returned by Fail for tracks owned by ingest.
	ErrNotOwned = errors.New("sim: track not owned by the simulator")
)

// Publisher is the event sink the engine reports every visible change to.
type Publisher interface {
	TrackNew(ctx context.Context, t *model.Track)
	TrackUpdate(ctx context.Context, t *model.Track)
	TrackStatus(ctx context.Context, t *model.Track, previous model.Status)
	Alert(ctx context.Context, a model.Alert)
}

// MetricsRecorder receives engine counters. All methods must be cheap.
type MetricsRecorder interface {
	TrackCreated(owner, kind string)
	TrackTerminal(status string)
	ObserveTick(d time.Duration)
	IncTicksSkipped()
}

// TickReport summarises what one tick did.
type TickReport struct {
	Advanced    int
	Impacted    []string
	Spawned     string
	Intercepted string
	// Faulted counts tracks skipped after an invariant violation.
	Faulted int
}

// Status is a point-in-time view of the engine for the control surface.
type Status struct {
	Running  bool          `json:"running"`
	Period   time.Duration `json:"period"`
	LastTick time.Time     `json:"lastTick"`
	Ticks    uint64        `json:"ticks"`
	Skipped  uint64        `json:"skippedTicks"`
}

// Engine owns the simulation tick. One instance exists per process; it
// holds no package-level state.
type Engine struct {
	params   Params
	sides    []Side
	registry *state.TrackRegistry
	pub      Publisher
	store    store.TrackStore
	clock    timectrl.SimClock
	log      logging.Logger
	metrics  MetricsRecorder

	// tickMu serialises Tick, Launch and Fail; it also guards both rngs.
	tickMu sync.Mutex
	rng    *rand.Rand
	ids    *rand.Rand

	driver *timectrl.Driver
}

// Option customises an Engine.
type Option func(*Engine)

// WithStore sets the persistence collaborator. Defaults to store.Noop.
func WithStore(s store.TrackStore) Option {
	return func(e *Engine) {
		if s != nil {
			e.store = s
		}
	}
}

// WithClock sets the clock the driver stamps ticks with.
func WithClock(c timectrl.SimClock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetricsRecorder attaches an optional recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSides replaces the default location pools.
func WithSides(sides []Side) Option {
	return func(e *Engine) { e.sides = sides }
}

// NewEngine validates params and returns a stopped engine.
func NewEngine(registry *state.TrackRegistry, pub Publisher, params Params, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("sim: registry is required")
	}
	if pub == nil {
		return nil, errors.New("sim: publisher is required")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		params:   params,
		sides:    DefaultSides(),
		registry: registry,
		pub:      pub,
		store:    store.Noop{},
		clock:    timectrl.WallClock{},
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if err := validateSides(e.sides); err != nil {
		return nil, err
	}

	seed := params.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	e.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	e.ids = rand.New(rand.NewPCG(seed+1, seed^0x6a09e667f3bcc909))

	e.driver = timectrl.NewDriver("simulation", params.TickPeriod, e.runTick,
		timectrl.WithClock(e.clock),
		timectrl.WithSkipHook(func() {
			if e.metrics != nil {
				e.metrics.IncTicksSkipped()
			}
		}),
	)
	return e, nil
}

// Params returns the engine's configuration.
func (e *Engine) Params() Params { return e.params }

// Start begins ticking every TickPeriod. The first tick runs immediately.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.driver.Start(ctx); err != nil {
		return err
	}
	e.log.Info(ctx, "simulation started",
		logging.Duration("period", e.params.TickPeriod),
		logging.Int("max_active", e.params.MaxActive),
	)
	return nil
}

// Stop halts ticking, letting an in-flight tick finish.
func (e *Engine) Stop() {
	if !e.driver.Running() {
		return
	}
	e.driver.Stop()
	e.log.Info(context.Background(), "simulation stopped")
}

// Running reports whether the driver is active.
func (e *Engine) Running() bool { return e.driver.Running() }

// Status reports driver state.
func (e *Engine) Status() Status {
	return Status{
		Running:  e.driver.Running(),
		Period:   e.params.TickPeriod,
		LastTick: e.driver.LastRun(),
		Ticks:    e.driver.Runs(),
		Skipped:  e.driver.Skipped(),
	}
}

func (e *Engine) runTick(ctx context.Context, now time.Time) { e.Tick(ctx, now) }

// Tick runs one step of the simulation at now. Every track is evaluated
// against the same now.
func (e *Engine) Tick(ctx context.Context, now time.Time) TickReport {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	started := time.Now()
	ctx, span := observability.StartSpan(ctx, "sim.Tick", "", "")
	defer span.End()

	var report TickReport
	for _, t := range e.registry.ActiveSnapshot() {
		if t.Owner != model.OwnerSimulator {
			continue
		}
		e.advance(ctx, t, now, &report)
	}

	if e.registry.ActiveCount() < e.params.MaxActive && e.rng.Float64() < e.params.SpawnProbability {
		if t := e.spawn(ctx, now); t != nil {
			report.Spawned = t.ID
		}
	}

	if e.rng.Float64() < e.params.InterceptProbability {
		report.Intercepted = e.intercept(ctx, now)
	}

	span.SetAttributes(
		attribute.Int("tracks.advanced", report.Advanced),
		attribute.Int("tracks.impacted", len(report.Impacted)),
		attribute.Bool("track.spawned", report.Spawned != ""),
		attribute.Bool("track.intercepted", report.Intercepted != ""),
	)
	if e.metrics != nil {
		e.metrics.ObserveTick(time.Since(started))
	}
	return report
}

// advance moves one active track to now. Events for the track are emitted
// in order: status change (first tick only), position update, then the
// terminal status change.
func (e *Engine) advance(ctx context.Context, t *model.Track, now time.Time, report *TickReport) {
	if t.Status == model.StatusLaunched {
		if err := t.Transition(model.StatusInFlight, now); err != nil {
			e.fault(ctx, t, err, report)
			return
		}
		e.commit(ctx, t)
		e.pub.TrackStatus(ctx, t, model.StatusLaunched)
	}
	if t.Status != model.StatusInFlight {
		e.fault(ctx, t, fmt.Errorf("%w: track %s is %s in the active index", model.ErrInvalidTransition, t.ID, t.Status), report)
		return
	}

	progress := t.Progress(now)
	pos := core.InterpolateBowed(t.Origin, t.Target, progress, e.params.BowFactor)
	t.CurrentPosition = pos
	t.Altitude = core.AltitudeProfile(t.Kind, progress)
	t.Trajectory = append(t.Trajectory, pos)
	e.commit(ctx, t)
	e.pub.TrackUpdate(ctx, t)
	report.Advanced++

	if progress < 1 && now.Before(t.EstimatedImpactTime) {
		return
	}
	if err := t.Transition(model.StatusImpact, now); err != nil {
		e.fault(ctx, t, err, report)
		return
	}
	e.commit(ctx, t)
	e.terminal(t)
	e.pub.TrackStatus(ctx, t, model.StatusInFlight)
	e.pub.Alert(ctx, model.Alert{
		Type:      model.AlertImpact,
		Severity:  model.ThreatCritical,
		Message:   fmt.Sprintf("Track impact detected at %.4f, %.4f", t.Target.Lat, t.Target.Lng),
		TrackID:   t.ID,
		Track:     t,
		Source:    string(model.OwnerSimulator),
		Timestamp: now,
	})
	report.Impacted = append(report.Impacted, t.ID)
	e.log.Debug(ctx, "track impact",
		logging.String("track_id", t.ID),
		logging.String("kind", string(t.Kind)),
	)
}

// LaunchRequest describes a single launch between two sites.
type LaunchRequest struct {
	Kind       model.Kind
	OriginSide string
	TargetSide string
	Origin     Location
	Target     Location
	At         time.Time
}

// Launch registers a new simulator-owned track and announces it. Tracks
// with a high or critical threat also raise a launch alert.
func (e *Engine) Launch(ctx context.Context, req LaunchRequest) (*model.Track, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	t, err := e.launch(ctx, req)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (e *Engine) launch(ctx context.Context, req LaunchRequest) (*model.Track, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("sim: launch: unsupported kind %q", req.Kind)
	}
	if !req.Origin.Position.Valid() || !req.Target.Position.Valid() {
		return nil, errBadLocation
	}
	profile := req.Kind.Profile()
	distance := core.DistanceMeters(req.Origin.Position, req.Target.Position)
	flight := core.FlightTimeSeconds(req.Kind, req.Origin.Position, req.Target.Position, e.params.MinFlightTime.Seconds())

	t := &model.Track{
		ID:                  "sim-" + e.newID(),
		Kind:                req.Kind,
		Owner:               model.OwnerSimulator,
		Origin:              req.Origin.Position,
		Target:              req.Target.Position,
		CurrentPosition:     req.Origin.Position,
		Trajectory:          []model.Coordinate{req.Origin.Position},
		SpeedMps:            profile.SpeedMps,
		Status:              model.StatusLaunched,
		LaunchTime:          req.At,
		EstimatedImpactTime: req.At.Add(time.Duration(flight * float64(time.Second))),
		OriginCountry:       req.OriginSide,
		TargetCountry:       req.TargetSide,
		OriginName:          req.Origin.Name,
		TargetName:          req.Target.Name,
		ThreatLevel:         model.AssessThreat(req.Kind, req.Target.HighValue),
		Metadata: model.Metadata{
			RangeM:     distance,
			Source:     "simulation",
			Confidence: 0.95,
		},
	}

	e.commit(ctx, t)
	if e.metrics != nil {
		e.metrics.TrackCreated(string(t.Owner), string(t.Kind))
	}
	e.pub.TrackNew(ctx, t)
	if t.ThreatLevel == model.ThreatHigh || t.ThreatLevel == model.ThreatCritical {
		e.pub.Alert(ctx, model.Alert{
			Type:      model.AlertLaunch,
			Severity:  t.ThreatLevel,
			Message:   fmt.Sprintf("High threat %s launched from %s", t.Kind, req.Origin.Name),
			TrackID:   t.ID,
			Track:     t,
			Source:    string(model.OwnerSimulator),
			Timestamp: req.At,
		})
	}
	e.log.Info(ctx, "track launched",
		logging.String("track_id", t.ID),
		logging.String("kind", string(t.Kind)),
		logging.String("origin", req.Origin.Name),
		logging.String("target", req.Target.Name),
		logging.String("threat", string(t.ThreatLevel)),
	)
	return t, nil
}

func (e *Engine) spawn(ctx context.Context, now time.Time) *model.Track {
	n := len(e.sides)
	a := e.rng.IntN(n)
	b := (a + 1 + e.rng.IntN(n-1)) % n
	kind := model.Kinds[e.rng.IntN(len(model.Kinds))]
	from, to := e.sides[a], e.sides[b]

	t, err := e.launch(ctx, LaunchRequest{
		Kind:       kind,
		OriginSide: from.Name,
		TargetSide: to.Name,
		Origin:     from.Locations[e.rng.IntN(len(from.Locations))],
		Target:     to.Locations[e.rng.IntN(len(to.Locations))],
		At:         now,
	})
	if err != nil {
		e.log.Warn(ctx, "spawn failed", logging.Err(err))
		return nil
	}
	return t
}

// intercept picks one in-flight, non-interceptor simulator track and rolls
// for a successful interception. It returns the intercepted id or "".
func (e *Engine) intercept(ctx context.Context, now time.Time) string {
	var candidates []*model.Track
	for _, t := range e.registry.ActiveSnapshot() {
		if t.Owner == model.OwnerSimulator && t.Status == model.StatusInFlight && t.Kind != model.KindInterceptor {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	t := candidates[e.rng.IntN(len(candidates))]
	if e.rng.Float64() >= e.params.InterceptSuccess {
		return ""
	}

	interceptorID := "int-" + e.newID()
	if err := t.Transition(model.StatusIntercepted, now); err != nil {
		e.log.Error(ctx, "intercept rejected",
			logging.String("track_id", t.ID),
			logging.Err(err),
		)
		return ""
	}
	t.Metadata.InterceptorID = interceptorID
	e.commit(ctx, t)
	e.terminal(t)
	e.pub.TrackStatus(ctx, t, model.StatusInFlight)
	e.pub.Alert(ctx, model.Alert{
		Type:          model.AlertIntercepted,
		Severity:      model.ThreatMedium,
		Message:       "Track successfully intercepted by defense system",
		TrackID:       t.ID,
		Track:         t,
		InterceptorID: interceptorID,
		Source:        string(model.OwnerSimulator),
		Timestamp:     now,
	})
	e.log.Info(ctx, "track intercepted",
		logging.String("track_id", t.ID),
		logging.String("interceptor_id", interceptorID),
	)
	return t.ID
}

// Fail moves a launched or in-flight simulator track to failed. It is the
// external fault path; the tick itself never fails a track. Ingested
// tracks are left to the ingest runner.
func (e *Engine) Fail(ctx context.Context, id, reason string) (*model.Track, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	t, ok := e.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("fail %s: %w", id, ErrUnknownTrack)
	}
	if t.Owner != model.OwnerSimulator {
		return nil, fmt.Errorf("fail %s (owner %s): %w", id, t.Owner, ErrNotOwned)
	}
	previous := t.Status
	if err := t.Transition(model.StatusFailed, e.clock.Now()); err != nil {
		return nil, err
	}
	t.Metadata.FailureReason = reason
	e.commit(ctx, t)
	e.terminal(t)
	e.pub.TrackStatus(ctx, t, previous)
	e.log.Warn(ctx, "track failed",
		logging.String("track_id", t.ID),
		logging.String("reason", reason),
	)
	return t.Clone(), nil
}

// commit writes t to the registry and hands it to the store. Store errors
// are logged; the in-memory state stays authoritative.
func (e *Engine) commit(ctx context.Context, t *model.Track) {
	e.registry.Upsert(t)
	if err := e.store.SaveTrack(ctx, t); err != nil {
		e.log.Warn(ctx, "persist track failed",
			logging.String("track_id", t.ID),
			logging.String("status", string(t.Status)),
			logging.Err(err),
		)
	}
}

func (e *Engine) terminal(t *model.Track) {
	if e.metrics != nil {
		e.metrics.TrackTerminal(string(t.Status))
	}
}

func (e *Engine) fault(ctx context.Context, t *model.Track, err error, report *TickReport) {
	report.Faulted++
	e.log.Error(ctx, "track skipped after invariant violation",
		logging.String("track_id", t.ID),
		logging.String("status", string(t.Status)),
		logging.Err(err),
	)
}

// newID draws a v4 UUID from the seeded id stream so runs with a fixed
// seed are reproducible.
func (e *Engine) newID() string {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], e.ids.Uint64())
	binary.LittleEndian.PutUint64(b[8:], e.ids.Uint64())
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return uuid.UUID(b).String()
}
