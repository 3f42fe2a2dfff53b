package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/signalsfoundry/trackcast/model"
)

const (
	redisTrackPrefix = "trackcast:track:"
	redisDedupPrefix = "trackcast:dedup:"
)

// RedisTrackStore keeps the latest snapshot per track under its own key
// and maintains one set per dedup key and day holding the matching ids.
// Days are calendar days in the store's location, for saves and lookups
// alike.
type RedisTrackStore struct {
	client *redis.Client
	ttl    time.Duration
	loc    *time.Location
}

// RedisOption customises a RedisTrackStore.
type RedisOption func(*RedisTrackStore)

// WithDayLocation sets the zone dedup days are cut in. It must match the
// merger's location. Defaults to time.Local.
func WithDayLocation(loc *time.Location) RedisOption {
	return func(s *RedisTrackStore) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// NewRedisTrackStore creates a store backed by Redis. ttl bounds how long
// snapshots and dedup sets are kept; zero means 48h.
func NewRedisTrackStore(addr, password string, db int, ttl time.Duration, opts ...RedisOption) *RedisTrackStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisTrackStoreWithClient(rdb, ttl, opts...)
}

// NewRedisTrackStoreWithClient wraps an existing client.
func NewRedisTrackStoreWithClient(client *redis.Client, ttl time.Duration, opts ...RedisOption) *RedisTrackStore {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	s := &RedisTrackStore{client: client, ttl: ttl, loc: time.Local}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Ping checks connectivity.
func (s *RedisTrackStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// SaveTrack implements TrackStore.
func (s *RedisTrackStore) SaveTrack(ctx context.Context, t *model.Track) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode track %s: %w", t.ID, err)
	}
	dedup := dedupSetKey(t.DedupKey(), t.LaunchTime.In(s.loc))

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisTrackPrefix+t.ID, payload, s.ttl)
	pipe.SAdd(ctx, dedup, t.ID)
	pipe.Expire(ctx, dedup, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save track %s: %w", t.ID, err)
	}
	return nil
}

// FindDuplicate implements DuplicateFinder.
func (s *RedisTrackStore) FindDuplicate(ctx context.Context, key model.DedupKey, day time.Time) (string, bool, error) {
	id, err := s.client.SRandMember(ctx, dedupSetKey(key, day.In(s.loc))).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis find duplicate: %w", err)
	}
	return id, id != "", nil
}

// Close releases the client.
func (s *RedisTrackStore) Close() error {
	return s.client.Close()
}

func dedupSetKey(key model.DedupKey, day time.Time) string {
	return redisDedupPrefix + key.DayString(day)
}
