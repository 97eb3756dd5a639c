package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/arena-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Redis failures are
// treated as cache misses. LatestSnapshot is never cached: runs restore
// from it and must not see a pre-run portfolio.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertCompetitor(ctx context.Context, c *model.Competitor) error {
	if err := s.Store.UpsertCompetitor(ctx, c); err != nil {
		return err
	}
	s.invalidate(ctx, competitorsKey)
	return nil
}

func (s *CachedStore) SaveRun(ctx context.Context, run *model.RunLog) error {
	if err := s.Store.SaveRun(ctx, run); err != nil {
		return err
	}
	s.invalidate(ctx, DashboardKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListCompetitors(ctx context.Context) ([]model.Competitor, error) {
	var out []model.Competitor
	if s.get(ctx, competitorsKey, &out) {
		return out, nil
	}
	out, err := s.Store.ListCompetitors(ctx)
	if err != nil {
		return nil, err
	}
	s.set(ctx, competitorsKey, out)
	return out, nil
}

// GetRun entries never go stale: run logs are immutable once saved.
func (s *CachedStore) GetRun(ctx context.Context, runID string) (*model.RunLog, error) {
	var run model.RunLog
	if s.get(ctx, runKey(runID), &run) {
		return &run, nil
	}
	r, err := s.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, runKey(runID), r)
	return r, nil
}

// Document returns the cached bytes under key, or builds, caches and returns
// them. Used for the dashboard export, which is expensive to assemble.
func (s *CachedStore) Document(ctx context.Context, key string, build func(context.Context) ([]byte, error)) ([]byte, error) {
	if b, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		return b, nil
	}
	b, err := build(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.Set(ctx, key, b, s.ttl).Err(); err != nil {
		slog.Debug("cache set failed", "key", key, "error", err)
	}
	return b, nil
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// invalidate drops keys after a committed write. A failed delete leaves a
// stale entry until its TTL expires.
func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "ttl", s.ttl, "error", err)
	}
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		slog.Debug("cache set failed", "key", key, "error", err)
	}
}

// DashboardKey caches the exported dashboard document.
const DashboardKey = "arena:dashboard"

const competitorsKey = "arena:competitors"

func runKey(runID string) string { return fmt.Sprintf("arena:run:%s", runID) }
