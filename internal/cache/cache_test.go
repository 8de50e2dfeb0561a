package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"chartfeed/models"
	"chartfeed/writer"
)

func bar(ts int64, close float64) models.Bar {
	return models.Bar{Time: models.Timestamp(ts), Open: close, High: close, Low: close, Close: close}
}

func key(symbol string) models.SeriesKey {
	return models.SeriesKey{Symbol: symbol, Interval: models.Interval5m}
}

// memStore is an in-memory writer.Store that can be told to fail.
type memStore struct {
	mu      sync.Mutex
	entries map[models.SeriesKey]*models.CacheEntry
	failPut bool
	puts    int
}

func newMemStore() *memStore {
	return &memStore{entries: map[models.SeriesKey]*models.CacheEntry{}}
}

func (s *memStore) Get(_ context.Context, k models.SeriesKey) (*models.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		return nil, writer.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) Put(_ context.Context, k models.SeriesKey, e *models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return errors.New("disk full")
	}
	s.puts++
	s.entries[k] = e
	return nil
}

func (s *memStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = map[models.SeriesKey]*models.CacheEntry{}
	return nil
}

func (s *memStore) Backend() string { return "memory" }

func (s *memStore) has(k models.SeriesKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[k]
	return ok
}

func assertOrdered(t *testing.T, bars []models.Bar) {
	t.Helper()
	for i := 1; i < len(bars); i++ {
		if bars[i-1].Time >= bars[i].Time {
			t.Fatalf("bars not strictly ascending at %d: %v", i, bars)
		}
	}
}

func TestMergeBarsOrderingAndOverwrite(t *testing.T) {
	existing := []models.Bar{bar(100, 1), bar(200, 2), bar(300, 3)}
	incoming := []models.Bar{bar(400, 4), bar(200, 20), bar(50, 0.5)}

	got := MergeBars(existing, incoming)
	assertOrdered(t, got)
	if len(got) != 5 {
		t.Fatalf("expected 5 bars, got %d", len(got))
	}
	if got[2].Close != 20 {
		t.Fatalf("incoming bar must win on equal time, got %+v", got[2])
	}
	if existing[1].Close != 2 {
		t.Fatalf("input was modified")
	}
}

func TestMergeBarsIdempotent(t *testing.T) {
	a := []models.Bar{bar(100, 1), bar(200, 2)}
	b := []models.Bar{bar(200, 2), bar(300, 3)}

	once := MergeBars(a, b)
	twice := MergeBars(once, b)
	if len(once) != len(twice) {
		t.Fatalf("merge not idempotent: %v vs %v", once, twice)
	}
	for i := range once {
		if once[i] != twice[i] {
			t.Fatalf("merge not idempotent at %d", i)
		}
	}

	// disjoint pages resolve to the same result in either order
	x := MergeBars(MergeBars(nil, a), []models.Bar{bar(500, 5)})
	y := MergeBars(MergeBars(nil, []models.Bar{bar(500, 5)}), a)
	if len(x) != len(y) {
		t.Fatalf("order-dependent merge: %v vs %v", x, y)
	}
	for i := range x {
		if x[i] != y[i] {
			t.Fatalf("order-dependent merge at %d", i)
		}
	}
}

func TestMergeBarsDeduplicatesIncoming(t *testing.T) {
	got := MergeBars(nil, []models.Bar{bar(100, 1), bar(100, 2), bar(50, 3)})
	if len(got) != 2 || got[1].Close != 2 {
		t.Fatalf("unexpected result: %v", got)
	}
}

func TestGetFallsBackToPersistentTier(t *testing.T) {
	store := newMemStore()
	store.entries[key("AAPL")] = &models.CacheEntry{Key: key("AAPL"), Bars: []models.Bar{bar(100, 1)}}

	c, err := New(2, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if c.Contains(key("AAPL")) {
		t.Fatalf("memory tier should start empty")
	}
	entry, ok := c.Get(ctx, key("AAPL"))
	if !ok || len(entry.Bars) != 1 {
		t.Fatalf("expected persistent hit, got %v %v", entry, ok)
	}
	if !c.Contains(key("AAPL")) {
		t.Fatalf("persistent hit must populate memory tier")
	}
	if _, ok := c.Get(ctx, key("MSFT")); ok {
		t.Fatalf("expected miss on both tiers")
	}
}

func TestMergeWritesBothTiers(t *testing.T) {
	store := newMemStore()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC))

	c, err := New(10, store, WithClock(mock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	c.Merge(ctx, key("AAPL"), []models.Bar{bar(200, 2), bar(100, 1)})
	entry := c.Merge(ctx, key("AAPL"), []models.Bar{bar(300, 3), bar(200, 22)})

	assertOrdered(t, entry.Bars)
	if len(entry.Bars) != 3 || entry.Bars[1].Close != 22 {
		t.Fatalf("unexpected merged bars: %v", entry.Bars)
	}
	if !entry.LastWrittenAt.Equal(mock.Now()) {
		t.Fatalf("unexpected write time %v", entry.LastWrittenAt)
	}
	persisted, err := store.Get(ctx, key("AAPL"))
	if err != nil || len(persisted.Bars) != 3 {
		t.Fatalf("persistent tier not updated: %v %v", persisted, err)
	}
}

func TestMergeExtendsPersistedEntryAfterEviction(t *testing.T) {
	store := newMemStore()
	c, _ := New(1, store)
	ctx := context.Background()

	c.Merge(ctx, key("AAPL"), []models.Bar{bar(100, 1), bar(200, 2)})
	c.Merge(ctx, key("MSFT"), []models.Bar{bar(100, 1)}) // evicts AAPL from memory
	entry := c.Merge(ctx, key("AAPL"), []models.Bar{bar(300, 3)})

	if len(entry.Bars) != 3 {
		t.Fatalf("merge after eviction must start from the persisted copy, got %v", entry.Bars)
	}
}

func TestLRUEvictionKeepsPersistentTier(t *testing.T) {
	store := newMemStore()
	c, _ := New(2, store)
	ctx := context.Background()

	c.Merge(ctx, key("A"), []models.Bar{bar(100, 1)})
	c.Merge(ctx, key("B"), []models.Bar{bar(100, 1)})
	c.Get(ctx, key("A")) // B is now least recently used
	c.Merge(ctx, key("C"), []models.Bar{bar(100, 1)})

	if c.Len() != 2 {
		t.Fatalf("expected 2 in-memory entries, got %d", c.Len())
	}
	if c.Contains(key("B")) {
		t.Fatalf("B should have been evicted")
	}
	if !c.Contains(key("A")) || !c.Contains(key("C")) {
		t.Fatalf("unexpected memory keys: %v", c.Keys())
	}
	if !store.has(key("B")) {
		t.Fatalf("eviction must not touch the persistent tier")
	}
}

func TestPersistentWriteFailureIsSwallowed(t *testing.T) {
	store := newMemStore()
	store.failPut = true
	c, _ := New(2, store)
	ctx := context.Background()

	entry := c.Merge(ctx, key("AAPL"), []models.Bar{bar(100, 1)})
	if entry == nil || len(entry.Bars) != 1 {
		t.Fatalf("merge must succeed when persistence fails")
	}
	got, ok := c.Get(ctx, key("AAPL"))
	if !ok || len(got.Bars) != 1 {
		t.Fatalf("memory tier must remain authoritative")
	}
}

func TestOlderNewerTail(t *testing.T) {
	c, _ := New(2, nil)
	ctx := context.Background()
	var bars []models.Bar
	for i := int64(1); i <= 10; i++ {
		bars = append(bars, bar(i*100, float64(i)))
	}
	c.Merge(ctx, key("AAPL"), bars)

	older := c.Older(ctx, key("AAPL"), 500, 3)
	if len(older) != 3 || older[0].Time != 200 || older[2].Time != 400 {
		t.Fatalf("unexpected older slice: %v", older)
	}
	newer := c.Newer(ctx, key("AAPL"), 800, 5)
	if len(newer) != 2 || newer[0].Time != 900 {
		t.Fatalf("unexpected newer slice: %v", newer)
	}
	tail := c.Tail(ctx, key("AAPL"), 4)
	if len(tail) != 4 || tail[3].Time != 1000 {
		t.Fatalf("unexpected tail: %v", tail)
	}
	if got := c.Older(ctx, key("MSFT"), 500, 3); got != nil {
		t.Fatalf("expected nil for unknown key, got %v", got)
	}
}

func TestClearAllWipesBothTiers(t *testing.T) {
	store := newMemStore()
	c, _ := New(2, store)
	ctx := context.Background()

	c.Merge(ctx, key("A"), []models.Bar{bar(100, 1)})
	c.Merge(ctx, key("B"), []models.Bar{bar(100, 1)})

	if err := c.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("memory tier not cleared")
	}
	if store.has(key("A")) || store.has(key("B")) {
		t.Fatalf("persistent tier not cleared")
	}
	if _, ok := c.Get(ctx, key("A")); ok {
		t.Fatalf("expected miss after clear")
	}
}

func TestConcurrentMergesStayOrdered(t *testing.T) {
	c, _ := New(4, newMemStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			var page []models.Bar
			for i := 0; i < 20; i++ {
				page = append(page, bar(int64(g*10+i)*60, float64(g)))
			}
			c.Merge(ctx, key("AAPL"), page)
		}(g)
	}
	wg.Wait()

	entry, ok := c.Get(ctx, key("AAPL"))
	if !ok {
		t.Fatalf("missing entry")
	}
	assertOrdered(t, entry.Bars)
	if len(entry.Bars) != 90 {
		t.Fatalf("expected 90 distinct bars, got %d", len(entry.Bars))
	}
}
