package sim

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/trackcast/internal/sim/state"
	"github.com/signalsfoundry/trackcast/model"
)

var t0 = time.Date(2025, time.June, 13, 9, 0, 0, 0, time.UTC)

type event struct {
	kind     string
	trackID  string
	status   model.Status
	previous model.Status
	alert    model.Alert
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []event
}

func (p *recordingPublisher) add(ev event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) TrackNew(_ context.Context, t *model.Track) {
	p.add(event{kind: "new", trackID: t.ID, status: t.Status})
}

func (p *recordingPublisher) TrackUpdate(_ context.Context, t *model.Track) {
	p.add(event{kind: "update", trackID: t.ID, status: t.Status})
}

func (p *recordingPublisher) TrackStatus(_ context.Context, t *model.Track, previous model.Status) {
	p.add(event{kind: "status", trackID: t.ID, status: t.Status, previous: previous})
}

func (p *recordingPublisher) Alert(_ context.Context, a model.Alert) {
	p.add(event{kind: "alert", trackID: a.TrackID, alert: a})
}

func (p *recordingPublisher) kinds(trackID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		if ev.trackID == trackID {
			out = append(out, ev.kind)
		}
	}
	return out
}

func (p *recordingPublisher) alerts() []model.Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Alert
	for _, ev := range p.events {
		if ev.kind == "alert" {
			out = append(out, ev.alert)
		}
	}
	return out
}

type failingStore struct{ calls int }

func (s *failingStore) SaveTrack(context.Context, *model.Track) error {
	s.calls++
	return errors.New("db down")
}

func quietParams() Params {
	p := DefaultParams()
	p.SpawnProbability = 0
	p.InterceptProbability = 0
	p.Seed = 42
	return p
}

func newEngineForTest(t *testing.T, params Params, opts ...Option) (*Engine, *state.TrackRegistry, *recordingPublisher) {
	t.Helper()
	reg := state.NewTrackRegistry()
	pub := &recordingPublisher{}
	e, err := NewEngine(reg, pub, params, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, reg, pub
}

// seedBallistic registers a ballistic track with a ten minute flight.
func seedBallistic(reg *state.TrackRegistry, id string) *model.Track {
	origin := model.Coordinate{Lat: 35.6892, Lng: 51.3890}
	tr := &model.Track{
		ID:                  id,
		Kind:                model.KindBallistic,
		Owner:               model.OwnerSimulator,
		Origin:              origin,
		Target:              model.Coordinate{Lat: 32.0853, Lng: 34.7818},
		CurrentPosition:     origin,
		Trajectory:          []model.Coordinate{origin},
		Status:              model.StatusLaunched,
		LaunchTime:          t0,
		EstimatedImpactTime: t0.Add(600 * time.Second),
		OriginCountry:       "iran",
		TargetCountry:       "israel",
		ThreatLevel:         model.ThreatCritical,
	}
	reg.Upsert(tr)
	return tr
}

func TestBallisticScenario(t *testing.T) {
	e, reg, pub := newEngineForTest(t, quietParams())
	seedBallistic(reg, "sim-1")
	ctx := context.Background()

	e.Tick(ctx, t0.Add(300*time.Second))
	mid, _ := reg.Get("sim-1")
	if mid.Status != model.StatusInFlight {
		t.Fatalf("status at T+300 = %s, want in-flight", mid.Status)
	}
	if p := mid.Progress(t0.Add(300 * time.Second)); math.Abs(p-0.5) > 1e-9 {
		t.Fatalf("progress at T+300 = %v, want 0.5", p)
	}
	if math.Abs(mid.Altitude-100000) > 1e-6 {
		t.Fatalf("altitude at T+300 = %v, want 100000", mid.Altitude)
	}

	report := e.Tick(ctx, t0.Add(600*time.Second))
	end, _ := reg.Get("sim-1")
	if end.Status != model.StatusImpact {
		t.Fatalf("status at T+600 = %s, want impact", end.Status)
	}
	if reg.IsActive("sim-1") || reg.ActiveCount() != 0 {
		t.Fatalf("impacted track still active")
	}
	if end.ActualImpactTime == nil || !end.ActualImpactTime.Equal(t0.Add(600*time.Second)) {
		t.Fatalf("ActualImpactTime = %v", end.ActualImpactTime)
	}
	if end.CurrentPosition != end.Target || end.Altitude != 0 {
		t.Fatalf("final position %+v alt %v, want target at ground", end.CurrentPosition, end.Altitude)
	}
	if len(report.Impacted) != 1 || report.Impacted[0] != "sim-1" {
		t.Fatalf("report = %+v", report)
	}

	want := []string{"status", "update", "update", "status", "alert"}
	got := pub.kinds("sim-1")
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	alerts := pub.alerts()
	if alerts[len(alerts)-1].Type != model.AlertImpact || alerts[len(alerts)-1].Severity != model.ThreatCritical {
		t.Fatalf("impact alert = %+v", alerts[len(alerts)-1])
	}
}

func TestTrajectoryGrowsOnePerTick(t *testing.T) {
	e, reg, _ := newEngineForTest(t, quietParams())
	seedBallistic(reg, "sim-1")

	prev := -1.0
	for i := 1; i <= 5; i++ {
		now := t0.Add(time.Duration(i) * 30 * time.Second)
		e.Tick(context.Background(), now)
		tr, _ := reg.Get("sim-1")
		if len(tr.Trajectory) != i+1 {
			t.Fatalf("tick %d: trajectory len = %d, want %d", i, len(tr.Trajectory), i+1)
		}
		if tr.Trajectory[len(tr.Trajectory)-1] != tr.CurrentPosition {
			t.Fatalf("tick %d: last trajectory point != current position", i)
		}
		p := tr.Progress(now)
		if p < prev || p < 0 || p > 1 {
			t.Fatalf("tick %d: progress %v after %v", i, p, prev)
		}
		prev = p
	}
}

func TestTerminalTracksAreNeverMutated(t *testing.T) {
	e, reg, _ := newEngineForTest(t, quietParams())
	seedBallistic(reg, "sim-1")
	e.Tick(context.Background(), t0.Add(600*time.Second))

	done, _ := reg.Get("sim-1")
	for i := 1; i <= 3; i++ {
		e.Tick(context.Background(), t0.Add(time.Duration(600+i*5)*time.Second))
	}
	after, _ := reg.Get("sim-1")
	if len(after.Trajectory) != len(done.Trajectory) || after.CurrentPosition != done.CurrentPosition || after.Altitude != done.Altitude {
		t.Fatalf("terminal track mutated by later ticks")
	}
	if !after.ActualImpactTime.Equal(*done.ActualImpactTime) {
		t.Fatalf("ActualImpactTime changed")
	}

	if _, err := e.Fail(context.Background(), "sim-1", "late fault"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("Fail on terminal track = %v, want ErrInvalidTransition", err)
	}
}

func TestInterceptSingleCandidate(t *testing.T) {
	params := quietParams()
	params.InterceptProbability = 1
	params.InterceptSuccess = 1
	e, reg, pub := newEngineForTest(t, params)

	seedBallistic(reg, "sim-1")
	interceptor := seedBallistic(reg, "sim-int")
	interceptor.Kind = model.KindInterceptor
	interceptor.Status = model.StatusInFlight
	reg.Upsert(interceptor)
	ingested := seedBallistic(reg, "ext-1")
	ingested.Owner = model.OwnerIngest
	ingested.Status = model.StatusInFlight
	reg.Upsert(ingested)

	report := e.Tick(context.Background(), t0.Add(60*time.Second))
	if report.Intercepted != "sim-1" {
		t.Fatalf("intercepted = %q, want sim-1", report.Intercepted)
	}
	tr, _ := reg.Get("sim-1")
	if tr.Status != model.StatusIntercepted || tr.Metadata.InterceptorID == "" || tr.ActualImpactTime == nil {
		t.Fatalf("track after intercept = %+v", tr)
	}
	if reg.IsActive("sim-1") {
		t.Fatalf("intercepted track still active")
	}
	if !reg.IsActive("sim-int") || !reg.IsActive("ext-1") {
		t.Fatalf("non-candidates must not be intercepted")
	}

	var found bool
	for _, a := range pub.alerts() {
		if a.Type == model.AlertIntercepted {
			found = true
			if a.Severity != model.ThreatMedium || a.InterceptorID != tr.Metadata.InterceptorID {
				t.Fatalf("intercept alert = %+v", a)
			}
		}
	}
	if !found {
		t.Fatalf("no intercept alert published")
	}
}

func TestInterceptExhaustsCandidates(t *testing.T) {
	params := quietParams()
	params.InterceptProbability = 1
	params.InterceptSuccess = 1
	e, reg, _ := newEngineForTest(t, params)
	seedBallistic(reg, "sim-1")

	// The first tick only moves launched -> in-flight before the roll, so
	// the track is already a candidate on the same tick.
	if got := e.Tick(context.Background(), t0.Add(time.Second)).Intercepted; got != "sim-1" {
		t.Fatalf("intercepted = %q", got)
	}
	if got := e.Tick(context.Background(), t0.Add(2*time.Second)).Intercepted; got != "" {
		t.Fatalf("intercepted %q with no candidates", got)
	}
}

func TestSpawnRespectsCeilingAndThreatTable(t *testing.T) {
	params := quietParams()
	params.SpawnProbability = 1
	params.MaxActive = 3
	e, reg, pub := newEngineForTest(t, params)

	for i := 0; i < 10; i++ {
		e.Tick(context.Background(), t0.Add(time.Duration(i)*time.Second))
	}
	if reg.ActiveCount() != 3 {
		t.Fatalf("ActiveCount = %d, want ceiling 3", reg.ActiveCount())
	}

	sides := map[string]bool{"israel": true, "iran": true}
	for _, tr := range reg.All() {
		if tr.OriginCountry == tr.TargetCountry || !sides[tr.OriginCountry] || !sides[tr.TargetCountry] {
			t.Fatalf("spawn sides %s -> %s", tr.OriginCountry, tr.TargetCountry)
		}
		if tr.Owner != model.OwnerSimulator || tr.ID[:4] != "sim-" {
			t.Fatalf("spawned track id/owner = %s/%s", tr.ID, tr.Owner)
		}
		if flight := tr.EstimatedImpactTime.Sub(tr.LaunchTime); flight < params.MinFlightTime {
			t.Fatalf("flight time %s below floor", flight)
		}
		if tr.ThreatLevel == "" {
			t.Fatalf("threat level not assessed")
		}
	}
	for _, a := range pub.alerts() {
		if a.Type == model.AlertLaunch && a.Severity != model.ThreatHigh && a.Severity != model.ThreatCritical {
			t.Fatalf("launch alert for low threat: %+v", a)
		}
	}
}

func TestSeededRunsAreReproducible(t *testing.T) {
	params := DefaultParams()
	params.SpawnProbability = 1
	params.Seed = 7

	run := func() []string {
		e, reg, _ := newEngineForTest(t, params)
		for i := 0; i < 5; i++ {
			e.Tick(context.Background(), t0.Add(time.Duration(i)*5*time.Second))
		}
		var out []string
		for _, tr := range reg.All() {
			out = append(out, tr.ID+"|"+string(tr.Kind)+"|"+tr.TargetName+"|"+string(tr.Status))
		}
		return out
	}
	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("runs differ: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("runs differ at %d: %s vs %s", i, a[i], b[i])
		}
	}
}

func TestLaunchHighValueTarget(t *testing.T) {
	e, reg, pub := newEngineForTest(t, quietParams())
	sides := DefaultSides()
	tr, err := e.Launch(context.Background(), LaunchRequest{
		Kind:       model.KindBallistic,
		OriginSide: "iran",
		TargetSide: "israel",
		Origin:     sides[1].Locations[0],
		Target:     sides[0].Locations[0],
		At:         t0,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if tr.ThreatLevel != model.ThreatCritical {
		t.Fatalf("threat = %s, want critical for ballistic on Tel Aviv", tr.ThreatLevel)
	}
	if !reg.IsActive(tr.ID) || len(tr.Trajectory) != 1 || tr.Status != model.StatusLaunched {
		t.Fatalf("launched track = %+v", tr)
	}
	if got := pub.kinds(tr.ID); len(got) != 2 || got[0] != "new" || got[1] != "alert" {
		t.Fatalf("launch events = %v", got)
	}
	if _, err := e.Launch(context.Background(), LaunchRequest{Kind: "rocket"}); err == nil {
		t.Fatalf("expected error for unsupported kind")
	}
}

func TestPersistenceFailureDoesNotAbortTick(t *testing.T) {
	fs := &failingStore{}
	e, reg, pub := newEngineForTest(t, quietParams(), WithStore(fs))
	seedBallistic(reg, "sim-1")
	seedBallistic(reg, "sim-2")

	report := e.Tick(context.Background(), t0.Add(10*time.Second))
	if report.Advanced != 2 {
		t.Fatalf("advanced = %d, want 2", report.Advanced)
	}
	if fs.calls == 0 {
		t.Fatalf("store never called")
	}
	if len(pub.kinds("sim-2")) != 2 {
		t.Fatalf("second track not published after store failure")
	}
}

func TestFailFromInFlight(t *testing.T) {
	e, reg, pub := newEngineForTest(t, quietParams())
	seedBallistic(reg, "sim-1")
	e.Tick(context.Background(), t0.Add(time.Second))

	tr, err := e.Fail(context.Background(), "sim-1", "guidance lost")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if tr.Status != model.StatusFailed || tr.Metadata.FailureReason != "guidance lost" || tr.ActualImpactTime == nil {
		t.Fatalf("failed track = %+v", tr)
	}
	if reg.IsActive("sim-1") {
		t.Fatalf("failed track still active")
	}
	kinds := pub.kinds("sim-1")
	if kinds[len(kinds)-1] != "status" {
		t.Fatalf("events = %v", kinds)
	}
	if _, err := e.Fail(context.Background(), "missing", ""); !errors.Is(err, ErrUnknownTrack) {
		t.Fatalf("Fail(missing) = %v", err)
	}
}

func TestFailLeavesIngestTracksAlone(t *testing.T) {
	e, reg, pub := newEngineForTest(t, quietParams())
	reg.Upsert(&model.Track{
		ID:                  "ext-abc",
		Kind:                model.KindCruise,
		Owner:               model.OwnerIngest,
		Status:              model.StatusInFlight,
		LaunchTime:          t0,
		EstimatedImpactTime: t0.Add(time.Hour),
	})

	if _, err := e.Fail(context.Background(), "ext-abc", "operator"); !errors.Is(err, ErrNotOwned) {
		t.Fatalf("Fail(ext-abc) = %v, want ErrNotOwned", err)
	}
	got, _ := reg.Get("ext-abc")
	if got.Status != model.StatusInFlight || got.ActualImpactTime != nil || !reg.IsActive("ext-abc") {
		t.Fatalf("ingest track mutated: %+v", got)
	}
	if kinds := pub.kinds("ext-abc"); len(kinds) != 0 {
		t.Fatalf("unexpected events %v", kinds)
	}
}

func TestStartStop(t *testing.T) {
	params := quietParams()
	params.TickPeriod = 5 * time.Millisecond
	e, _, _ := newEngineForTest(t, params)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	e.Stop()
	st := e.Status()
	if st.Running || st.Ticks == 0 {
		t.Fatalf("status = %+v", st)
	}
	e.Stop()
}

func TestParamsValidate(t *testing.T) {
	bad := []func(*Params){
		func(p *Params) { p.SpawnProbability = 1.5 },
		func(p *Params) { p.InterceptSuccess = -0.1 },
		func(p *Params) { p.TickPeriod = 0 },
		func(p *Params) { p.MaxActive = -1 },
		func(p *Params) { p.BowFactor = 2 },
	}
	for i, mutate := range bad {
		p := DefaultParams()
		mutate(&p)
		if err := p.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if _, err := NewEngine(state.NewTrackRegistry(), &recordingPublisher{}, DefaultParams(), WithSides(DefaultSides()[:1])); err == nil {
		t.Fatalf("expected error for a single side")
	}
}
