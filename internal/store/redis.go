package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teerpro/result-engine/internal/draw"
	"github.com/teerpro/result-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or MongoDB) with a Redis
// read-through cache for result reads. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the primary.
// The conditional declaration always runs against the primary.
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

func (s *CachedStore) EnsureResult(ctx context.Context, game draw.Game, date string) (*model.Result, error) {
	r, err := s.Store.EnsureResult(ctx, game, date)
	if err != nil {
		return nil, err
	}
	// The row may be new; the date listing must pick it up.
	s.rdb.Del(ctx, dateCacheKey(date))
	return r, nil
}

func (s *CachedStore) DeclareRound(ctx context.Context, game draw.Game, date string, round draw.Round, number string, at time.Time) (*model.Result, bool, error) {
	r, declared, err := s.Store.DeclareRound(ctx, game, date, round, number, at)
	if err != nil {
		return nil, false, err
	}
	s.rdb.Del(ctx, resultCacheKey(game, date), dateCacheKey(date))
	return r, declared, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetResult(ctx context.Context, game draw.Game, date string) (*model.Result, error) {
	data, err := s.rdb.Get(ctx, resultCacheKey(game, date)).Bytes()
	if err == nil {
		var r model.Result
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	// Cache miss: read from primary.
	r, err := s.Store.GetResult(ctx, game, date)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, resultCacheKey(game, date), r)
	return r, nil
}

// FreshResult bypasses the cache. A read-through racing a declaration can
// leave a stale row cached until its TTL expires.
func (s *CachedStore) FreshResult(ctx context.Context, game draw.Game, date string) (*model.Result, error) {
	return s.Store.FreshResult(ctx, game, date)
}

func (s *CachedStore) ListResultsByDate(ctx context.Context, date string) ([]model.Result, error) {
	data, err := s.rdb.Get(ctx, dateCacheKey(date)).Bytes()
	if err == nil {
		var results []model.Result
		if json.Unmarshal(data, &results) == nil {
			return results, nil
		}
	}

	results, err := s.Store.ListResultsByDate(ctx, date)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, dateCacheKey(date), results)
	return results, nil
}

// Ping checks both the primary and Redis.
func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.Store.Ping(ctx); err != nil {
		return err
	}
	return wrap("redis ping", s.rdb.Ping(ctx).Err())
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v interface{}) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func resultCacheKey(game draw.Game, date string) string { return fmt.Sprintf("result:%s:%s", game, date) }
func dateCacheKey(date string) string                   { return fmt.Sprintf("results:%s", date) }
