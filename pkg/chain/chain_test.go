package chain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/multierr"

	"github.com/BuddyLim/smartfi/pkg/cache"
	"github.com/BuddyLim/smartfi/pkg/cache/memory"
	"github.com/BuddyLim/smartfi/pkg/cache/mock"
	metricsmemory "github.com/BuddyLim/smartfi/pkg/metrics/memory"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		layers      []cache.CacheLayer
		expectError bool
		expectedLen int
	}{
		{
			name:        "empty layers",
			layers:      []cache.CacheLayer{},
			expectError: true,
		},
		{
			name:        "single layer",
			layers:      []cache.CacheLayer{mock.NewMockLayer("L1")},
			expectedLen: 1,
		},
		{
			name: "multiple layers",
			layers: []cache.CacheLayer{
				mock.NewMockLayer("L1"),
				mock.NewMockLayer("L2"),
				mock.NewMockLayer("L3"),
			},
			expectedLen: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain, err := New(Config{}, tt.layers...)

			if tt.expectError {
				if !errors.Is(err, ErrNoLayers) {
					t.Errorf("Expected ErrNoLayers, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if chain.Len() != tt.expectedLen {
				t.Errorf("Expected length %d, got %d", tt.expectedLen, chain.Len())
			}
		})
	}
}

func TestChain_String(t *testing.T) {
	chain, err := New(Config{Name: "feed"}, mock.NewMockLayer("L1"), mock.NewMockLayer("L2"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := chain.String(), "chain(2 layers): L1 -> L2"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if chain.Name() != "feed" {
		t.Errorf("Name() = %q, want feed", chain.Name())
	}
	if layers := chain.Layers(); len(layers) != 2 || layers[0].Name() != "L1" {
		t.Errorf("Layers() = %v, want L1 first of 2", layers)
	}
}

func TestChain_Get_L1Hit(t *testing.T) {
	l1 := mock.NewMockLayer("L1")
	l1.GetFunc = func(ctx context.Context, key string) ([]byte, error) {
		return []byte("from-l1"), nil
	}
	l2 := mock.NewMockLayer("L2")

	chain, err := New(Config{}, l1, l2)
	if err != nil {
		t.Fatal(err)
	}
	defer chain.Close()

	value, err := chain.Get(context.Background(), "1:transaction")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "from-l1" {
		t.Errorf("Expected from-l1, got %q", value)
	}
	if l2.GetCalls() != 0 {
		t.Errorf("L2 should not be called, got %d calls", l2.GetCalls())
	}
}

func TestChain_Get_L2HitWarmsL1(t *testing.T) {
	var warmedTTL time.Duration
	l1 := mock.NewMockLayer("L1")
	l1.SetFunc = func(ctx context.Context, key string, value []byte, ttl time.Duration) error {
		if string(value) != "from-l2" {
			t.Errorf("L1 warm-up: expected from-l2, got %q", value)
		}
		warmedTTL = ttl
		return nil
	}
	l2 := mock.NewMockLayer("L2")
	l2.GetFunc = func(ctx context.Context, key string) ([]byte, error) {
		return []byte("from-l2"), nil
	}

	chain, err := New(Config{TTL: DecayingTTL{Factor: 0.5}, WarmTTL: time.Hour}, l1, l2)
	if err != nil {
		t.Fatal(err)
	}
	defer chain.Close()

	value, err := chain.Get(context.Background(), "1:transaction")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "from-l2" {
		t.Errorf("Expected from-l2, got %q", value)
	}
	if l1.SetCalls() != 1 {
		t.Fatalf("Expected L1 to be warmed once, got %d sets", l1.SetCalls())
	}
	if warmedTTL != 30*time.Minute {
		t.Errorf("Expected warm-up TTL 30m, got %v", warmedTTL)
	}
}

func TestChain_Get_AllMiss(t *testing.T) {
	chain, err := New(Config{}, mock.NewMockLayer("L1"), mock.NewMockLayer("L2"))
	if err != nil {
		t.Fatal(err)
	}
	defer chain.Close()

	_, err = chain.Get(context.Background(), "1:transaction")
	if !cache.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestChain_Get_SkipsFailingLayer(t *testing.T) {
	l1 := mock.NewMockLayer("L1")
	l1.GetFunc = func(ctx context.Context, key string) ([]byte, error) {
		return nil, cache.ErrLayerUnavailable
	}
	l2 := memory.NewMemoryCache(memory.MemoryCacheConfig{Name: "L2"})

	chain, err := New(Config{}, l1, l2)
	if err != nil {
		t.Fatal(err)
	}
	defer chain.Close()

	ctx := context.Background()
	if err := l2.Set(ctx, "stream", []byte("[]"), time.Minute); err != nil {
		t.Fatal(err)
	}
	value, err := chain.Get(ctx, "stream")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "[]" {
		t.Errorf("Expected [], got %q", value)
	}
}

func TestChain_Get_ReportsLastError(t *testing.T) {
	l1 := mock.NewMockLayer("L1")
	l2 := mock.NewMockLayer("L2")
	l2.GetFunc = func(ctx context.Context, key string) ([]byte, error) {
		return nil, cache.ErrLayerUnavailable
	}

	chain, err := New(Config{}, l1, l2)
	if err != nil {
		t.Fatal(err)
	}
	defer chain.Close()

	if _, err := chain.Get(context.Background(), "stream"); !cache.IsUnavailable(err) {
		t.Errorf("Expected unavailable, got %v", err)
	}
}

func TestChain_Get_Cancelled(t *testing.T) {
	l1 := mock.NewMockLayer("L1")
	chain, err := New(Config{}, l1)
	if err != nil {
		t.Fatal(err)
	}
	defer chain.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := chain.Get(ctx, "stream"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if l1.GetCalls() != 0 {
		t.Errorf("Expected no layer call, got %d", l1.GetCalls())
	}
}

func TestChain_Get_SingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	l1 := mock.NewMockLayer("L1")
	l1.GetFunc = func(ctx context.Context, key string) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("shared"), nil
	}

	chain, err := New(Config{FirstLayerTimeout: 5 * time.Second}, l1)
	if err != nil {
		t.Fatal(err)
	}
	defer chain.Close()

	var wg sync.WaitGroup
	results := make([][]byte, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = chain.Get(context.Background(), "stream")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("Expected one layer read, got %d", n)
	}
	results[0][0] = 'X'
	for i := 1; i < len(results); i++ {
		if string(results[i]) != "shared" {
			t.Errorf("result %d = %q, want shared", i, results[i])
		}
	}
}

func TestChain_Set(t *testing.T) {
	var ttls []time.Duration
	var mu sync.Mutex
	record := func(ctx context.Context, key string, value []byte, ttl time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		ttls = append(ttls, ttl)
		return nil
	}
	l1, l2 := mock.NewMockLayer("L1"), mock.NewMockLayer("L2")
	l1.SetFunc, l2.SetFunc = record, record

	chain, err := New(Config{TTL: FixedTTL{TTLs: []time.Duration{time.Minute}}}, l1, l2)
	if err != nil {
		t.Fatal(err)
	}
	defer chain.Close()

	if err := chain.Set(context.Background(), "stream", []byte("[]"), time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if diff := cmp.Diff([]time.Duration{time.Minute, time.Hour}, ttls); diff != "" {
		t.Errorf("TTLs mismatch (-want +got):\n%s", diff)
	}
}

func TestChain_Set_CombinesErrors(t *testing.T) {
	l1, l2, l3 := mock.NewMockLayer("L1"), mock.NewMockLayer("L2"), mock.NewMockLayer("L3")
	errL1 := errors.New("l1 down")
	errL3 := errors.New("l3 down")
	l1.SetFunc = func(context.Context, string, []byte, time.Duration) error { return errL1 }
	l3.SetFunc = func(context.Context, string, []byte, time.Duration) error { return errL3 }

	chain, err := New(Config{}, l1, l2, l3)
	if err != nil {
		t.Fatal(err)
	}
	defer chain.Close()

	err = chain.Set(context.Background(), "stream", []byte("[]"), time.Minute)
	if !errors.Is(err, errL1) || !errors.Is(err, errL3) {
		t.Errorf("Expected both layer errors, got %v", err)
	}
	if n := len(multierr.Errors(err)); n != 2 {
		t.Errorf("Expected 2 errors, got %d", n)
	}
	if l2.SetCalls() != 1 {
		t.Errorf("Expected L2 to be written despite L1 failing")
	}
}

func TestChain_Delete(t *testing.T) {
	l1, l2 := mock.NewMockLayer("L1"), mock.NewMockLayer("L2")
	chain, err := New(Config{}, l1, l2)
	if err != nil {
		t.Fatal(err)
	}
	defer chain.Close()

	if err := chain.Delete(context.Background(), "stream"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if l1.DeleteCalls() != 1 || l2.DeleteCalls() != 1 {
		t.Errorf("Expected one delete per layer, got %d and %d", l1.DeleteCalls(), l2.DeleteCalls())
	}
}

// exactLayer hides the optional capabilities of its layer.
type exactLayer struct {
	cache.CacheLayer
}

func TestChain_DeletePrefix(t *testing.T) {
	ctx := context.Background()
	l1 := memory.NewMemoryCache(memory.MemoryCacheConfig{Name: "L1"})
	l2 := memory.NewMemoryCache(memory.MemoryCacheConfig{Name: "L2"})
	for _, key := range []string{"1:transaction", "1:transaction:9", "1:transactions", "1:account"} {
		if err := l2.Set(ctx, key, []byte("[]"), time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	if err := l1.Set(ctx, "1:transaction", []byte("[]"), time.Minute); err != nil {
		t.Fatal(err)
	}

	chain, err := New(Config{}, l1, l2)
	if err != nil {
		t.Fatal(err)
	}
	defer chain.Close()

	removed, err := chain.DeletePrefix(ctx, "1:transaction")
	if err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}

	keys, err := chain.Keys(ctx, "1")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if diff := cmp.Diff([]string{"1:account", "1:transactions"}, keys); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}
}

func TestChain_DeletePrefix_FallsBackToExactKey(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewMemoryCache(memory.MemoryCacheConfig{Name: "L1"})
	for _, key := range []string{"1:transaction", "1:transaction:9"} {
		if err := inner.Set(ctx, key, []byte("[]"), time.Minute); err != nil {
			t.Fatal(err)
		}
	}

	chain, err := New(Config{}, exactLayer{inner})
	if err != nil {
		t.Fatal(err)
	}
	defer chain.Close()

	if _, err := chain.DeletePrefix(ctx, "1:transaction"); err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}
	if _, err := inner.Get(ctx, "1:transaction"); !cache.IsNotFound(err) {
		t.Errorf("Expected the exact key to be gone, got %v", err)
	}
	if _, err := inner.Get(ctx, "1:transaction:9"); err != nil {
		t.Errorf("Expected the nested key to survive, got %v", err)
	}
	if _, err := chain.Keys(ctx, ""); !errors.Is(err, cache.ErrUnsupported) {
		t.Errorf("Expected ErrUnsupported from Keys, got %v", err)
	}
}

func TestChain_Close(t *testing.T) {
	l1, l2 := mock.NewMockLayer("L1"), mock.NewMockLayer("L2")
	errClose := errors.New("close failed")
	l1.CloseFunc = func() error { return errClose }

	chain, err := New(Config{}, l1, l2)
	if err != nil {
		t.Fatal(err)
	}
	if err := chain.Close(); !errors.Is(err, errClose) {
		t.Errorf("Expected close error, got %v", err)
	}
	if l2.CloseCalls() != 1 {
		t.Error("Expected L2 to be closed despite L1 failing")
	}
}

func TestChain_Metrics(t *testing.T) {
	mc := metricsmemory.NewMemoryCollector()
	l1 := memory.NewMemoryCache(memory.MemoryCacheConfig{Name: "L1"})
	l2 := memory.NewMemoryCache(memory.MemoryCacheConfig{Name: "L2"})

	chain, err := New(Config{Metrics: mc}, l1, l2)
	if err != nil {
		t.Fatal(err)
	}
	defer chain.Close()

	ctx := context.Background()
	if _, err := chain.Get(ctx, "stream"); !cache.IsNotFound(err) {
		t.Fatalf("Expected miss, got %v", err)
	}
	if err := l2.Set(ctx, "stream", []byte("[]"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := chain.Get(ctx, "stream"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	got1, got2 := mc.Layer("L1"), mc.Layer("L2")
	if got1 == nil || got2 == nil {
		t.Fatal("Expected metrics for both layers")
	}
	if got1.Misses != 2 || got1.Sets != 1 {
		t.Errorf("L1: expected 2 misses and 1 warm-up set, got %+v", got1)
	}
	if got2.Misses != 1 || got2.Hits != 1 {
		t.Errorf("L2: expected 1 miss and 1 hit, got %+v", got2)
	}
}
