package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/teerpro/result-engine/internal/draw"
	"github.com/teerpro/result-engine/internal/model"
	"github.com/teerpro/result-engine/internal/store"
)

func newCachedEnv(t *testing.T) (*store.CachedStore, *store.MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	primary := store.NewMemoryStore()
	return store.NewCachedStore(primary, rdb, time.Minute), primary, mr
}

func TestCachedStore_DeclareInvalidatesDateListing(t *testing.T) {
	cs, _, _ := newCachedEnv(t)
	ctx := context.Background()

	if _, err := cs.EnsureResult(ctx, draw.Shillong, "2024-01-01"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	before, err := cs.ListResultsByDate(ctx, "2024-01-01")
	if err != nil || len(before) != 1 || before[0].FR != "" {
		t.Fatalf("unexpected listing before declare: %+v err=%v", before, err)
	}

	if _, declared, err := cs.DeclareRound(ctx, draw.Shillong, "2024-01-01", draw.FirstRound, "42", time.Now()); err != nil || !declared {
		t.Fatalf("declare failed: declared=%v err=%v", declared, err)
	}

	after, _ := cs.ListResultsByDate(ctx, "2024-01-01")
	if len(after) != 1 || after[0].FR != "42" {
		t.Errorf("listing should reflect declaration, got %+v", after)
	}
}

func TestCachedStore_ReadsServedFromCache(t *testing.T) {
	cs, primary, mr := newCachedEnv(t)
	ctx := context.Background()

	primary.DeclareRound(ctx, draw.Juwai, "2024-01-01", draw.FirstRound, "11", time.Now())
	if _, err := cs.GetResult(ctx, draw.Juwai, "2024-01-01"); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !mr.Exists("result:juwai:2024-01-01") {
		t.Fatal("expected result to be cached")
	}

	// A write that bypasses the cache is not visible until invalidation.
	primary.DeclareRound(ctx, draw.Juwai, "2024-01-01", draw.SecondRound, "22", time.Now())
	cached, _ := cs.GetResult(ctx, draw.Juwai, "2024-01-01")
	if cached.SR != "" {
		t.Errorf("expected cached copy without SR, got %+v", cached)
	}

	// A write through the cache invalidates.
	cs.DeclareRound(ctx, draw.Juwai, "2024-01-01", draw.SecondRound, "99", time.Now())
	fresh, _ := cs.GetResult(ctx, draw.Juwai, "2024-01-01")
	if fresh.SR != "22" {
		t.Errorf("expected primary state SR=22 after invalidation, got %+v", fresh)
	}
}

func TestCachedStore_Ping(t *testing.T) {
	cs, _, mr := newCachedEnv(t)
	if err := cs.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected ping error: %v", err)
	}
	mr.Close()
	if err := cs.Ping(context.Background()); !store.IsStoreError(err) {
		t.Errorf("expected store error once redis is down, got %v", err)
	}
}

// stallingPrimary parks GetResult after its read until release is closed.
type stallingPrimary struct {
	*store.MemoryStore
	read    chan struct{}
	release chan struct{}
}

func (s *stallingPrimary) GetResult(ctx context.Context, game draw.Game, date string) (*model.Result, error) {
	r, err := s.MemoryStore.GetResult(ctx, game, date)
	close(s.read)
	<-s.release
	return r, err
}

func TestCachedStore_FreshResultSkipsStaleFill(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()

	primary := &stallingPrimary{
		MemoryStore: store.NewMemoryStore(),
		read:        make(chan struct{}),
		release:     make(chan struct{}),
	}
	primary.EnsureResult(ctx, draw.Khanapara, "2024-01-01")
	cs := store.NewCachedStore(primary, rdb, time.Minute)

	done := make(chan struct{})
	go func() {
		defer close(done)
		cs.GetResult(ctx, draw.Khanapara, "2024-01-01")
	}()

	// The read-through has seen the undeclared row; declare before it caches.
	<-primary.read
	if _, declared, err := cs.DeclareRound(ctx, draw.Khanapara, "2024-01-01", draw.FirstRound, "07", time.Now()); err != nil || !declared {
		t.Fatalf("declare failed: declared=%v err=%v", declared, err)
	}
	close(primary.release)
	<-done

	stale, _ := cs.GetResult(ctx, draw.Khanapara, "2024-01-01")
	if stale.FR != "" {
		t.Fatalf("expected the racing fill to leave a stale row, got %+v", stale)
	}
	fresh, err := cs.FreshResult(ctx, draw.Khanapara, "2024-01-01")
	if err != nil || fresh.FR != "07" {
		t.Errorf("expected FR 07 from the primary, got %+v err=%v", fresh, err)
	}
}
