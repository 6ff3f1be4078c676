// Package redis provides a Redis-backed snapshot store.
//
// Each stream keeps a sorted set of snapshot versions plus one hash per
// snapshot:
//
//	{prefix}:snap:{streamID}            ZSET  member=version score=version
//	{prefix}:snap:{streamID}:{version}  HASH  encoding, data, created_at
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/AshkanYarmoradi/go-locus/adapters"
	"github.com/redis/go-redis/v9"
)

var (
	_ adapters.SnapshotAdapter = (*SnapshotStore)(nil)
	_ adapters.HealthChecker   = (*SnapshotStore)(nil)
)

// SnapshotStore implements adapters.SnapshotAdapter on top of Redis.
type SnapshotStore struct {
	client        redis.UniversalClient
	prefix        string
	keepSnapshots int
	ttl           time.Duration
	now           func() time.Time
}

// Option configures a SnapshotStore.
type Option func(*SnapshotStore)

// WithKeyPrefix sets the key namespace. Default "locus".
func WithKeyPrefix(prefix string) Option {
	return func(s *SnapshotStore) {
		s.prefix = prefix
	}
}

// WithSnapshotRetention keeps at most n snapshots per stream. n <= 0 keeps all.
func WithSnapshotRetention(n int) Option {
	return func(s *SnapshotStore) {
		s.keepSnapshots = n
	}
}

// WithTTL expires snapshot keys after d. Zero disables expiry.
func WithTTL(d time.Duration) Option {
	return func(s *SnapshotStore) {
		s.ttl = d
	}
}

// NewSnapshotStore wraps an existing client.
func NewSnapshotStore(client redis.UniversalClient, opts ...Option) *SnapshotStore {
	s := &SnapshotStore{
		client:        client,
		prefix:        "locus",
		keepSnapshots: 3,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect parses a redis:// URL, applies pool settings and verifies
// connectivity.
func Connect(ctx context.Context, url string, opts ...Option) (*SnapshotStore, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("locus/redis: failed to parse redis URL: %w", err)
	}

	redisOpts.PoolSize = 10
	redisOpts.MinIdleConns = 2
	redisOpts.MaxRetries = 3
	redisOpts.DialTimeout = 5 * time.Second
	redisOpts.ReadTimeout = 3 * time.Second
	redisOpts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, adapters.NewUnavailableError("connect", err)
	}

	return NewSnapshotStore(client, opts...), nil
}

func (s *SnapshotStore) indexKey(streamID string) string {
	return s.prefix + ":snap:" + streamID
}

func (s *SnapshotStore) dataKey(streamID string, version int64) string {
	return s.indexKey(streamID) + ":" + strconv.FormatInt(version, 10)
}

// SaveSnapshot stores the snapshot and prunes the oldest beyond retention.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snapshot adapters.SnapshotRecord) error {
	if snapshot.StreamID == "" {
		return adapters.ErrEmptyStreamID
	}

	createdAt := snapshot.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	index := s.indexKey(snapshot.StreamID)
	dataKey := s.dataKey(snapshot.StreamID, snapshot.Version)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, dataKey,
			"encoding", snapshot.Encoding,
			"data", snapshot.Data,
			"created_at", createdAt.UTC().Format(time.RFC3339Nano),
		)
		pipe.ZAdd(ctx, index, redis.Z{
			Score:  float64(snapshot.Version),
			Member: strconv.FormatInt(snapshot.Version, 10),
		})
		if s.ttl > 0 {
			pipe.Expire(ctx, dataKey, s.ttl)
			pipe.Expire(ctx, index, s.ttl)
		}
		return nil
	})
	if err != nil {
		return adapters.NewUnavailableError("save snapshot", err)
	}

	if s.keepSnapshots > 0 {
		if err := s.prune(ctx, snapshot.StreamID); err != nil {
			return err
		}
	}

	return nil
}

func (s *SnapshotStore) prune(ctx context.Context, streamID string) error {
	index := s.indexKey(streamID)

	stale, err := s.client.ZRevRange(ctx, index, int64(s.keepSnapshots), -1).Result()
	if err != nil {
		return adapters.NewUnavailableError("prune snapshots", err)
	}
	if len(stale) == 0 {
		return nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members := make([]interface{}, 0, len(stale))
		for _, member := range stale {
			pipe.Del(ctx, index+":"+member)
			members = append(members, member)
		}
		pipe.ZRem(ctx, index, members...)
		return nil
	})
	if err != nil {
		return adapters.NewUnavailableError("prune snapshots", err)
	}
	return nil
}

// LoadSnapshot returns the newest snapshot with Version <= maxVersion.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context, streamID string, maxVersion int64) (*adapters.SnapshotRecord, error) {
	upper := "+inf"
	if maxVersion > 0 {
		upper = strconv.FormatInt(maxVersion, 10)
	}

	members, err := s.client.ZRevRangeByScore(ctx, s.indexKey(streamID), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   upper,
		Count: 1,
	}).Result()
	if err != nil {
		return nil, adapters.NewUnavailableError("load snapshot", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	version, err := strconv.ParseInt(members[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("locus/redis: corrupt snapshot index member %q: %w", members[0], err)
	}

	vals, err := s.client.HGetAll(ctx, s.dataKey(streamID, version)).Result()
	if err != nil {
		return nil, adapters.NewUnavailableError("load snapshot", err)
	}
	if len(vals) == 0 {
		// index entry outlived its data (TTL or manual delete)
		return nil, nil
	}

	record := &adapters.SnapshotRecord{
		StreamID: streamID,
		Version:  version,
		Encoding: vals["encoding"],
		Data:     []byte(vals["data"]),
	}
	if ts, err := time.Parse(time.RFC3339Nano, vals["created_at"]); err == nil {
		record.CreatedAt = ts
	}

	return record, nil
}

// DeleteSnapshots removes all snapshots of the stream.
func (s *SnapshotStore) DeleteSnapshots(ctx context.Context, streamID string) error {
	index := s.indexKey(streamID)

	members, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return adapters.NewUnavailableError("delete snapshots", err)
	}

	keys := make([]string, 0, len(members)+1)
	for _, member := range members {
		keys = append(keys, index+":"+member)
	}
	keys = append(keys, index)

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return adapters.NewUnavailableError("delete snapshots", err)
	}
	return nil
}

// Ping checks the Redis connection health.
func (s *SnapshotStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return adapters.NewUnavailableError("ping", err)
	}
	return nil
}

// Close shuts down the underlying client.
func (s *SnapshotStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
