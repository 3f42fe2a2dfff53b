package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/signalsfoundry/trackcast/model"
)

// newRedisClient returns a client for the server named by
// TRACKCAST_TEST_REDIS_ADDR, or for an in-process miniredis otherwise.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	if addr := os.Getenv("TRACKCAST_TEST_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
		if err := client.FlushDB(context.Background()).Err(); err != nil {
			t.Fatalf("FlushDB: %v", err)
		}
		return client
	}
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestDedupSetKey(t *testing.T) {
	day := time.Date(2025, time.June, 13, 22, 0, 0, 0, time.UTC)
	got := dedupSetKey(model.NewDedupKey("Iran", "Israel", model.KindCruise), day)
	if got != "trackcast:dedup:2025-06-13|iran|israel|cruise" {
		t.Fatalf("dedupSetKey = %q", got)
	}
}

func TestRedisTrackStore(t *testing.T) {
	ctx := context.Background()
	s := NewRedisTrackStoreWithClient(newRedisClient(t), time.Minute, WithDayLocation(time.UTC))
	defer s.Close()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	launch := time.Date(2025, time.June, 13, 9, 0, 0, 0, time.UTC)
	if err := s.SaveTrack(ctx, sampleTrack("ext-1", launch)); err != nil {
		t.Fatalf("SaveTrack: %v", err)
	}
	id, found, err := s.FindDuplicate(ctx, model.NewDedupKey("iran", "israel", model.KindBallistic), launch.Add(time.Hour))
	if err != nil || !found || id != "ext-1" {
		t.Fatalf("FindDuplicate = %q, %v, %v", id, found, err)
	}
	if _, found, _ := s.FindDuplicate(ctx, model.NewDedupKey("iran", "israel", model.KindDrone), launch); found {
		t.Fatalf("unexpected duplicate for other kind")
	}
}

func TestRedisDedupDayFollowsStoreLocation(t *testing.T) {
	ctx := context.Background()
	plus3 := time.FixedZone("UTC+3", 3*60*60)
	s := NewRedisTrackStoreWithClient(newRedisClient(t), time.Minute, WithDayLocation(plus3))
	defer s.Close()

	// 23:30 UTC on the 13th is 02:30 on the 14th in UTC+3.
	launch := time.Date(2025, time.June, 13, 23, 30, 0, 0, time.UTC)
	if err := s.SaveTrack(ctx, sampleTrack("ext-late", launch)); err != nil {
		t.Fatalf("SaveTrack: %v", err)
	}
	key := model.NewDedupKey("iran", "israel", model.KindBallistic)

	cases := []struct {
		name string
		day  time.Time
		want bool
	}{
		{"lookup in store zone", launch.In(plus3), true},
		{"lookup in utc", launch, true},
		{"same local day morning", time.Date(2025, time.June, 14, 8, 0, 0, 0, plus3), true},
		{"previous local day", time.Date(2025, time.June, 13, 12, 0, 0, 0, plus3), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, found, err := s.FindDuplicate(ctx, key, tc.day)
			if err != nil {
				t.Fatalf("FindDuplicate: %v", err)
			}
			if found != tc.want || (found && id != "ext-late") {
				t.Fatalf("FindDuplicate(%s) = %q, %v; want found=%v", tc.day, id, found, tc.want)
			}
		})
	}
}
