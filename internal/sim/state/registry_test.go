package state

import (
	"testing"
	"time"

	"github.com/signalsfoundry/trackcast/model"
)

var t0 = time.Date(2025, time.June, 13, 9, 0, 0, 0, time.UTC)

func TestUpsertStoresCopy(t *testing.T) {
	reg := NewTrackRegistry()
	tr := newTrackForTest("sim-1", t0)
	reg.Upsert(tr)

	tr.Trajectory = append(tr.Trajectory, model.Coordinate{Lat: 1, Lng: 1})
	tr.Status = model.StatusImpact

	got, ok := reg.Get("sim-1")
	if !ok {
		t.Fatalf("Get(sim-1) not found")
	}
	if len(got.Trajectory) != 1 || got.Status != model.StatusLaunched {
		t.Fatalf("registry aliased caller's track: %+v", got)
	}

	got.Trajectory[0] = model.Coordinate{}
	again, _ := reg.Get("sim-1")
	if again.Trajectory[0].Lat == 0 {
		t.Fatalf("Get returned registry-owned slice")
	}
}

func TestUpsertMaintainsActiveIndex(t *testing.T) {
	reg := NewTrackRegistry()
	reg.Upsert(newTrackForTest("sim-1", t0))
	reg.Upsert(newTrackForTest("sim-2", t0.Add(time.Second)))

	if reg.ActiveCount() != 2 || reg.Count() != 2 {
		t.Fatalf("counts = %d/%d, want 2/2", reg.ActiveCount(), reg.Count())
	}

	done := newTrackForTest("sim-1", t0)
	if err := done.Transition(model.StatusImpact, t0.Add(10*time.Minute)); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	reg.Upsert(done)

	if reg.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1 after terminal upsert", reg.ActiveCount())
	}
	if reg.IsActive("sim-1") {
		t.Fatalf("terminal track still in active index")
	}
	if reg.Count() != 2 {
		t.Fatalf("Count = %d, terminal track must stay registered", reg.Count())
	}
}

func TestRemoveDemotesOnly(t *testing.T) {
	reg := NewTrackRegistry()
	reg.Upsert(newTrackForTest("sim-1", t0))
	reg.Remove("sim-1")
	reg.Remove("sim-1")
	reg.Remove("missing")

	if reg.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d, want 0", reg.ActiveCount())
	}
	if _, ok := reg.Get("sim-1"); !ok {
		t.Fatalf("Remove must keep the record")
	}
	if n := len(reg.All()); n != 1 {
		t.Fatalf("All() len = %d, want 1", n)
	}
}

func TestActiveSnapshotIsStable(t *testing.T) {
	reg := NewTrackRegistry()
	reg.Upsert(newTrackForTest("sim-b", t0.Add(time.Second)))
	reg.Upsert(newTrackForTest("sim-a", t0))

	snap := reg.ActiveSnapshot()
	if len(snap) != 2 || snap[0].ID != "sim-a" || snap[1].ID != "sim-b" {
		t.Fatalf("snapshot order = %v", ids(snap))
	}

	reg.Remove("sim-a")
	reg.Upsert(newTrackForTest("sim-c", t0))
	if len(snap) != 2 || snap[0].ID != "sim-a" {
		t.Fatalf("snapshot changed under mutation: %v", ids(snap))
	}
}

func TestUpsertIgnoresEmptyID(t *testing.T) {
	reg := NewTrackRegistry()
	reg.Upsert(nil)
	reg.Upsert(&model.Track{})
	if reg.Count() != 0 {
		t.Fatalf("Count = %d, want 0", reg.Count())
	}
}

func TestFindSameDay(t *testing.T) {
	reg := NewTrackRegistry()
	reg.Upsert(newTrackForTest("ext-1", t0))

	dayStart := time.Date(2025, time.June, 13, 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)
	match := func(tr *model.Track) bool { return tr.OriginCountry == "iran" }

	if _, ok := reg.FindSameDay(dayStart, dayEnd, match); !ok {
		t.Fatalf("expected same-day match")
	}
	if _, ok := reg.FindSameDay(dayEnd, dayEnd.AddDate(0, 0, 1), match); ok {
		t.Fatalf("next day must not match")
	}
	if _, ok := reg.FindSameDay(dayStart, dayEnd, func(*model.Track) bool { return false }); ok {
		t.Fatalf("predicate ignored")
	}
}

func ids(ts []*model.Track) []string {
	out := make([]string, 0, len(ts))
	for _, tr := range ts {
		out = append(out, tr.ID)
	}
	return out
}
