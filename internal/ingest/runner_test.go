package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/trackcast/timectrl"
)

type staticSource struct {
	events []RawEvent
	err    error
	calls  int
}

func (s *staticSource) Name() string { return "static" }

func (s *staticSource) Fetch(context.Context) ([]RawEvent, error) {
	s.calls++
	return s.events, s.err
}

func TestRunOnceMergesAndRetires(t *testing.T) {
	ctx := context.Background()
	m, reg, pub, _ := newMergerForTest(t)
	src := &staticSource{events: []RawEvent{rawEvent("run-1", t0)}}
	r := NewRunner(src, m, WithStatusPublisher(pub), WithInterval(time.Minute))

	report := r.RunOnce(ctx, t0)
	if report.Fetched != 1 || len(report.Inserted) != 1 || len(report.Retired) != 0 {
		t.Fatalf("unexpected first report: %+v", report)
	}

	tr, _ := reg.Get(report.Inserted[0])
	report = r.RunOnce(ctx, tr.EstimatedImpactTime.Add(time.Second))
	if len(report.Inserted) != 0 || len(report.Retired) != 1 {
		t.Fatalf("unexpected second report: %+v", report)
	}
	if reg.ActiveCount() != 0 {
		t.Fatalf("active count = %d after retirement", reg.ActiveCount())
	}

	st := r.Status()
	if st.Source != "static" || st.LastRetired != 1 || st.Interval != "1m0s" {
		t.Fatalf("unexpected status: %+v", st)
	}
	if len(pub.system) != 2 {
		t.Fatalf("expected a system status per run, got %d", len(pub.system))
	}
}

func TestRunOnceFetchErrorStillRetires(t *testing.T) {
	ctx := context.Background()
	m, reg, _, _ := newMergerForTest(t)
	inserted := m.Merge(ctx, []RawEvent{rawEvent("pre", t0)})
	if len(inserted) != 1 {
		t.Fatalf("setup insert failed")
	}

	src := &staticSource{err: errors.New("upstream 503")}
	r := NewRunner(src, m)
	report := r.RunOnce(ctx, inserted[0].EstimatedImpactTime)
	if report.Err == nil || len(report.Retired) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if r.Status().LastError != "upstream 503" {
		t.Fatalf("LastError = %q", r.Status().LastError)
	}
	if reg.ActiveCount() != 0 {
		t.Fatalf("track not retired")
	}
}

func TestRunnerStartStop(t *testing.T) {
	m, _, _, _ := newMergerForTest(t)
	src := &staticSource{}
	r := NewRunner(src, m, WithInterval(time.Hour), WithRunnerClock(timectrl.NewManualClock(t0)))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(context.Background()); !errors.Is(err, timectrl.ErrAlreadyRunning) {
		t.Fatalf("second Start err = %v, want ErrAlreadyRunning", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.Status().Runs == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	st := r.Status()
	if !st.Running || st.Runs == 0 || !st.LastRun.Equal(t0) || !st.NextRun.Equal(t0.Add(time.Hour)) {
		t.Fatalf("unexpected status while running: %+v", st)
	}

	r.Stop()
	if r.Running() {
		t.Fatalf("runner still running after Stop")
	}
	r.Stop()
}
