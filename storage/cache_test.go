package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"boardsync-api/domain"
)

type stubSnapshotBackend struct {
	snap  domain.BoardSnapshot
	err   error
	calls int
}

func (s *stubSnapshotBackend) FetchBoardSnapshot(context.Context, string) (domain.BoardSnapshot, error) {
	s.calls++
	return s.snap, s.err
}

func cacheFixture(t *testing.T) (*stubSnapshotBackend, *Cache, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})

	backend := &stubSnapshotBackend{snap: domain.BoardSnapshot{
		BoardID: "b1",
		Columns: []domain.Column{{ID: "col-1", BoardID: "b1", Name: "Todo"}},
		Cards:   []domain.Card{{ID: "c1", ProjectID: "p1", ColumnID: "col-1", Title: "hello", Version: 2}},
	}}
	return backend, NewCache(backend, client, time.Minute), m
}

func TestCacheMissFillsFromBackend(t *testing.T) {
	backend, cache, m := cacheFixture(t)
	ctx := context.Background()

	snap, err := cache.FetchBoardSnapshot(ctx, "p1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.BoardID != "b1" || len(snap.Cards) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if backend.calls != 1 {
		t.Fatalf("expected one backend call, got %d", backend.calls)
	}
	if !m.Exists("board:p1") {
		t.Fatal("expected snapshot to be cached")
	}
}

func TestCacheHitSkipsBackend(t *testing.T) {
	backend, cache, _ := cacheFixture(t)
	ctx := context.Background()

	if _, err := cache.FetchBoardSnapshot(ctx, "p1"); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	snap, err := cache.FetchBoardSnapshot(ctx, "p1")
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if backend.calls != 1 {
		t.Fatalf("second fetch must be served from cache, backend calls: %d", backend.calls)
	}
	if snap.Cards[0].Version != 2 {
		t.Fatalf("unexpected cached snapshot: %+v", snap)
	}
}

func TestCacheEvictForcesRefetch(t *testing.T) {
	backend, cache, m := cacheFixture(t)
	ctx := context.Background()

	if _, err := cache.FetchBoardSnapshot(ctx, "p1"); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	cache.EvictBoard(ctx, "p1")
	if m.Exists("board:p1") {
		t.Fatal("eviction must drop the cached snapshot")
	}

	backend.snap.Cards[0].Version = 3
	snap, err := cache.FetchBoardSnapshot(ctx, "p1")
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if backend.calls != 2 {
		t.Fatalf("expected backend refetch after eviction, calls: %d", backend.calls)
	}
	if snap.Cards[0].Version != 3 {
		t.Fatalf("stale snapshot served after eviction: %+v", snap)
	}
}

func TestCacheCorruptEntryFallsBack(t *testing.T) {
	backend, cache, m := cacheFixture(t)
	ctx := context.Background()

	if err := m.Set("board:p1", "{not json"); err != nil {
		t.Fatalf("seed corrupt entry: %v", err)
	}
	snap, err := cache.FetchBoardSnapshot(ctx, "p1")
	if err != nil {
		t.Fatalf("fetch with corrupt cache: %v", err)
	}
	if backend.calls != 1 {
		t.Fatalf("expected fallback to backend, calls: %d", backend.calls)
	}
	if snap.BoardID != "b1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	// The corrupt entry is replaced by a good one.
	data, err := m.Get("board:p1")
	if err != nil {
		t.Fatalf("read cache: %v", err)
	}
	var cached domain.BoardSnapshot
	if err := json.Unmarshal([]byte(data), &cached); err != nil {
		t.Fatalf("cached entry still corrupt: %v", err)
	}
	if cached.BoardID != "b1" {
		t.Fatalf("unexpected cached snapshot: %+v", cached)
	}
}
