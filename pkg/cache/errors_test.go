package cache

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorPredicates(t *testing.T) {
	tests := []struct {
		name string
		err  error
		is   func(error) bool
		want bool
	}{
		{"not found", ErrKeyNotFound, IsNotFound, true},
		{"wrapped not found", WrapError(ErrKeyNotFound, "memory", "get"), IsNotFound, true},
		{"miss alias", ErrCacheMiss, IsNotFound, true},
		{"not found nil", nil, IsNotFound, false},
		{"timeout", WrapError(ErrTimeout, "redis", "set"), IsTimeout, true},
		{"custom timeout text", errors.New("network timeout"), IsTimeout, false},
		{"unavailable", ErrLayerUnavailable, IsUnavailable, true},
		{"closed is unavailable", ErrClosed, IsUnavailable, true},
		{"circuit open", fmt.Errorf("get: %w", ErrCircuitOpen), IsCircuitOpen, true},
		{"circuit other", ErrTimeout, IsCircuitOpen, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.is(tt.err); got != tt.want {
				t.Errorf("Expected %v for %v, got %v", tt.want, tt.err, got)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{ErrCircuitOpen, "circuit_breaker_open"},
		{WrapError(ErrTimeout, "redis", "get"), "timeout"},
		{ErrKeyNotFound, "key_not_found"},
		{ErrClosed, "closed"},
		{ErrLayerUnavailable, "unavailable"},
		{ErrInvalidKey, "invalid_key"},
		{ErrInvalidValue, "invalid_value"},
		{errors.New("dial tcp: Connection refused"), "connection"},
		{errors.New("failed to unmarshal feed"), "serialization"},
		{errors.New("redis: READONLY"), "backend"},
		{errors.New("boom"), "other"},
	}

	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestWrapErrorNil(t *testing.T) {
	if err := WrapError(nil, "memory", "get"); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}
