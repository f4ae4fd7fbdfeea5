package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"github.com/BuddyLim/smartfi/pkg/bucket"
	"github.com/BuddyLim/smartfi/pkg/cache"
	"github.com/BuddyLim/smartfi/pkg/cache/memory"
	"github.com/BuddyLim/smartfi/pkg/cache/mock"
	"github.com/BuddyLim/smartfi/pkg/ledger"
	metricsmemory "github.com/BuddyLim/smartfi/pkg/metrics/memory"
)

var keys = cache.NewKeys("")

func newClient(t *testing.T) *Client {
	t.Helper()
	c := New(memory.NewMemoryCache(memory.MemoryCacheConfig{Name: "feed"}), Config{})
	t.Cleanup(func() { c.Close() })
	return c
}

func rec(id int64, date, amount string, kind ledger.EntryKind) ledger.Record {
	return ledger.Record{ID: id, Date: date, Amount: decimal.RequireFromString(amount), Kind: kind}
}

func ids(recs []ledger.Record) []int64 {
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestClient_RecordsMissingKey(t *testing.T) {
	c := newClient(t)

	recs, err := c.Records(context.Background(), keys.Stream())
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("Expected an empty list, got %v", recs)
	}
}

func TestClient_Append(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	key := keys.Stream()

	for _, id := range []int64{1, 2, 1, 3, 2} {
		if _, err := c.Append(ctx, key, ledger.Record{ID: id}); err != nil {
			t.Fatalf("Append(%d) failed: %v", id, err)
		}
	}

	recs, err := c.Records(ctx, key)
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, ids(recs)); diff != "" {
		t.Errorf("Unexpected ids (-want +got):\n%s", diff)
	}
}

func TestClient_AppendWithoutID(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		added, err := c.Append(ctx, keys.Stream(), ledger.Record{Name: "pending"})
		if err != nil || !added {
			t.Fatalf("Append %d: added=%v err=%v", i, added, err)
		}
	}
	recs, _ := c.Records(ctx, keys.Stream())
	if len(recs) != 2 {
		t.Errorf("Expected 2 records without ids, got %d", len(recs))
	}
}

func TestClient_AppendSeedsFilterFromStoredList(t *testing.T) {
	layer := memory.NewMemoryCache(memory.MemoryCacheConfig{Name: "shared"})
	ctx := context.Background()

	first := New(layer, Config{})
	first.Append(ctx, keys.Stream(), ledger.Record{ID: 9})

	second := New(layer, Config{})
	added, err := second.Append(ctx, keys.Stream(), ledger.Record{ID: 9})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if added {
		t.Error("Expected a record stored by another client to be detected as a duplicate")
	}
	layer.Close()
}

func TestClient_SetRecordsAndReset(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	key := keys.Transactions(1)

	if err := c.SetRecords(ctx, key, []ledger.Record{{ID: 4}, {ID: 5}}); err != nil {
		t.Fatalf("SetRecords failed: %v", err)
	}
	// The replaced list drives duplicate detection.
	if added, _ := c.Append(ctx, key, ledger.Record{ID: 5}); added {
		t.Error("Expected id 5 to be a duplicate")
	}

	if err := c.Reset(ctx, key); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	recs, _ := c.Records(ctx, key)
	if len(recs) != 0 {
		t.Errorf("Expected an empty list after Reset, got %v", ids(recs))
	}
	if added, _ := c.Append(ctx, key, ledger.Record{ID: 5}); !added {
		t.Error("Expected id 5 to be accepted after Reset")
	}
}

func TestClient_Invalidate(t *testing.T) {
	mc := metricsmemory.NewMemoryCollector()
	c := New(memory.NewMemoryCache(memory.MemoryCacheConfig{Name: "feed"}), Config{Metrics: mc})
	defer c.Close()
	ctx := context.Background()

	c.SetRecords(ctx, keys.Transactions(1), nil)
	c.SetRecords(ctx, keys.Transaction(1, 7), nil)
	c.SetRecords(ctx, keys.Accounts(1), nil)
	c.SetRecords(ctx, keys.Transactions(2), nil)

	sub := c.Subscribe(4)
	defer sub.Close()

	removed, err := c.Invalidate(ctx, keys.Transactions(1))
	if err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 lists removed, got %d", removed)
	}

	kl := c.Layer().(cache.KeyLister)
	left, _ := kl.Keys(ctx, "")
	if diff := cmp.Diff([]string{"1:account", "2:transaction"}, left); diff != "" {
		t.Errorf("Unexpected remaining keys (-want +got):\n%s", diff)
	}

	select {
	case inv := <-sub.C:
		if inv.Prefix != "1:transaction" || inv.Removed != 2 {
			t.Errorf("Unexpected invalidation %+v", inv)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected an invalidation notification")
	}

	if got := mc.Snapshot().Invalidations["1:transaction"]; got != 1 {
		t.Errorf("Expected one recorded invalidation, got %d", got)
	}
}

func TestClient_InvalidateWithoutPrefixSupport(t *testing.T) {
	var deleted []string
	layer := mock.NewMockLayer("plain")
	layer.GetFunc = func(ctx context.Context, key string) ([]byte, error) {
		if key == "1:transaction" {
			return []byte(`[]`), nil
		}
		return nil, cache.ErrKeyNotFound
	}
	layer.DeletePrefixFunc = func(ctx context.Context, prefix string) (int, error) {
		return 0, cache.ErrUnsupported
	}
	layer.DeleteFunc = func(ctx context.Context, key string) error {
		deleted = append(deleted, key)
		return nil
	}
	c := New(layer, Config{})

	removed, err := c.Invalidate(context.Background(), "1:transaction")
	if err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if removed != 1 || len(deleted) != 1 || deleted[0] != "1:transaction" {
		t.Errorf("Expected the exact key to be deleted, removed=%d deleted=%v", removed, deleted)
	}

	removed, _ = c.Invalidate(context.Background(), "2:transaction")
	if removed != 0 {
		t.Errorf("Expected nothing removed for a missing key, got %d", removed)
	}
}

func TestClient_InvalidateError(t *testing.T) {
	layer := mock.NewMockLayer("down")
	layer.DeletePrefixFunc = func(ctx context.Context, prefix string) (int, error) {
		return 0, cache.ErrLayerUnavailable
	}
	c := New(layer, Config{})
	sub := c.Subscribe(1)

	if _, err := c.Invalidate(context.Background(), "1"); !cache.IsUnavailable(err) {
		t.Errorf("Expected ErrLayerUnavailable, got %v", err)
	}
	select {
	case inv := <-sub.C:
		t.Errorf("Expected no notification on failure, got %+v", inv)
	default:
	}
}

func TestClient_Fetch(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	key := keys.Transactions(1)

	var loads atomic.Int32
	release := make(chan struct{})
	loader := func(ctx context.Context) ([]ledger.Record, error) {
		loads.Add(1)
		<-release
		return []ledger.Record{{ID: 1}, {ID: 2}}, nil
	}

	var wg sync.WaitGroup
	results := make([][]ledger.Record, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs, err := c.Fetch(ctx, key, loader)
			if err != nil {
				t.Errorf("Fetch failed: %v", err)
			}
			results[i] = recs
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := loads.Load(); n != 1 {
		t.Errorf("Expected a single load, got %d", n)
	}
	for i, recs := range results {
		if diff := cmp.Diff([]int64{1, 2}, ids(recs)); diff != "" {
			t.Errorf("Result %d (-want +got):\n%s", i, diff)
		}
	}

	// Now cached: the loader is not consulted.
	recs, err := c.Fetch(ctx, key, func(ctx context.Context) ([]ledger.Record, error) {
		return nil, errors.New("should not load")
	})
	if err != nil || len(recs) != 2 {
		t.Errorf("Expected the cached list, got %v, %v", ids(recs), err)
	}
}

func TestClient_FetchLoaderError(t *testing.T) {
	c := newClient(t)
	boom := errors.New("upstream down")

	_, err := c.Fetch(context.Background(), keys.Transactions(1), func(ctx context.Context) ([]ledger.Record, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected the loader error, got %v", err)
	}
	if recs, _ := c.Records(context.Background(), keys.Transactions(1)); len(recs) != 0 {
		t.Errorf("Expected nothing cached after a failed load, got %v", ids(recs))
	}
}

func TestClient_RenderList(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	c.SetRecords(ctx, keys.Stream(), []ledger.Record{
		rec(1, "2025-03-02T08:00:00Z", "10", ledger.Expense),
		rec(2, "2025-03-01T08:00:00Z", "100", ledger.Income),
		rec(3, "2025-03-02T09:00:00Z", "5", ledger.Expense),
	})

	entries, err := c.RenderList(ctx, keys.Stream())
	if err != nil {
		t.Fatalf("RenderList failed: %v", err)
	}

	var got []string
	for _, e := range entries {
		if e.Type == bucket.TypeHeader {
			got = append(got, e.Header.Date+" "+e.Header.Total.String())
		}
	}
	if diff := cmp.Diff([]string{"2025-03-02 -15", "2025-03-01 100"}, got); diff != "" {
		t.Errorf("Unexpected headers (-want +got):\n%s", diff)
	}
	if len(entries) != 5 {
		t.Errorf("Expected 2 headers and 3 items, got %d entries", len(entries))
	}
}

func TestSubscription_Close(t *testing.T) {
	c := New(memory.NewMemoryCache(memory.MemoryCacheConfig{}), Config{})
	sub := c.Subscribe(1)
	sub.Close()
	sub.Close()
	if _, ok := <-sub.C; ok {
		t.Error("Expected a closed channel")
	}

	other := c.Subscribe(1)
	c.Close()
	if _, ok := <-other.C; ok {
		t.Error("Expected Close to end subscriptions")
	}
	if _, ok := <-c.Subscribe(1).C; ok {
		t.Error("Expected subscribing to a closed client to yield a closed channel")
	}
	other.Close()
}

func TestStreamPublisher(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	c.SetRecords(ctx, keys.Transactions(42), []ledger.Record{{ID: 100}})
	sub := c.Subscribe(4)
	defer sub.Close()

	pub := NewStreamPublisher(c, keys, 42)
	if err := pub.Publish(ctx, ledger.Record{ID: 1}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	recs, _ := c.Records(ctx, keys.Stream())
	if diff := cmp.Diff([]int64{1}, ids(recs)); diff != "" {
		t.Errorf("Unexpected stream ids (-want +got):\n%s", diff)
	}
	if recs, _ := c.Records(ctx, keys.Transactions(42)); len(recs) != 0 {
		t.Errorf("Expected the transaction list to be invalidated, got %v", ids(recs))
	}
	if inv := <-sub.C; inv.Prefix != "42:transaction" {
		t.Errorf("Expected invalidation of 42:transaction, got %+v", inv)
	}
}

func TestStreamPublisher_InvalidateFailureKeepsRecord(t *testing.T) {
	var mu sync.Mutex
	store := map[string][]byte{}
	layer := mock.NewMockLayer("flaky")
	layer.GetFunc = func(ctx context.Context, key string) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		v, ok := store[key]
		if !ok {
			return nil, cache.ErrKeyNotFound
		}
		return v, nil
	}
	layer.SetFunc = func(ctx context.Context, key string, value []byte, ttl time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		store[key] = value
		return nil
	}
	layer.DeletePrefixFunc = func(ctx context.Context, prefix string) (int, error) {
		return 0, cache.ErrLayerUnavailable
	}
	c := New(layer, Config{})
	ctx := context.Background()

	pub := NewStreamPublisher(c, keys, 42)
	if err := pub.Publish(ctx, ledger.Record{Name: "no id"}); err != nil {
		t.Fatalf("Expected the publish to succeed once appended, got %v", err)
	}

	recs, err := c.Records(ctx, keys.Stream())
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("Expected 1 record in the stream list, got %d", len(recs))
	}
}
