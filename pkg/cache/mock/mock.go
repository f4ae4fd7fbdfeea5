package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/BuddyLim/smartfi/pkg/cache"
)

// MockLayer is a CacheLayer whose behaviour is set per method through the
// Func hooks. Calls are counted.
type MockLayer struct {
	GetFunc          func(ctx context.Context, key string) ([]byte, error)
	SetFunc          func(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteFunc       func(ctx context.Context, key string) error
	DeletePrefixFunc func(ctx context.Context, prefix string) (int, error)
	NameFunc         func() string
	CloseFunc        func() error

	getCalls          int64
	setCalls          int64
	deleteCalls       int64
	deletePrefixCalls int64
	closeCalls        int64
}

// Get implements CacheLayer.Get. Without a hook it reports a miss.
func (m *MockLayer) Get(ctx context.Context, key string) ([]byte, error) {
	atomic.AddInt64(&m.getCalls, 1)
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	return nil, cache.ErrKeyNotFound
}

func (m *MockLayer) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	atomic.AddInt64(&m.setCalls, 1)
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, value, ttl)
	}
	return nil
}

func (m *MockLayer) Delete(ctx context.Context, key string) error {
	atomic.AddInt64(&m.deleteCalls, 1)
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, key)
	}
	return nil
}

// DeletePrefix implements cache.PrefixDeleter.
func (m *MockLayer) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	atomic.AddInt64(&m.deletePrefixCalls, 1)
	if m.DeletePrefixFunc != nil {
		return m.DeletePrefixFunc(ctx, prefix)
	}
	return 0, nil
}

func (m *MockLayer) Name() string {
	if m.NameFunc != nil {
		return m.NameFunc()
	}
	return "mock"
}

func (m *MockLayer) Close() error {
	atomic.AddInt64(&m.closeCalls, 1)
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockLayer) GetCalls() int          { return int(atomic.LoadInt64(&m.getCalls)) }
func (m *MockLayer) SetCalls() int          { return int(atomic.LoadInt64(&m.setCalls)) }
func (m *MockLayer) DeleteCalls() int       { return int(atomic.LoadInt64(&m.deleteCalls)) }
func (m *MockLayer) DeletePrefixCalls() int { return int(atomic.LoadInt64(&m.deletePrefixCalls)) }
func (m *MockLayer) CloseCalls() int        { return int(atomic.LoadInt64(&m.closeCalls)) }

// NewMockLayer creates a MockLayer with the given name and default behaviour.
func NewMockLayer(name string) *MockLayer {
	return &MockLayer{
		NameFunc: func() string { return name },
	}
}
