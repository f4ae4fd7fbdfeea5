package chain

import (
	"testing"
	"time"
)

func TestUniformTTL(t *testing.T) {
	base := time.Hour
	for i := 0; i < 3; i++ {
		if ttl := (UniformTTL{}).TTL(i, 3, base); ttl != base {
			t.Errorf("Layer %d: expected %v, got %v", i, base, ttl)
		}
	}
}

func TestDecayingTTL(t *testing.T) {
	tests := []struct {
		name   string
		factor float64
		index  int
		count  int
		want   time.Duration
	}{
		{"last layer keeps base", 0.5, 2, 3, 8 * time.Hour},
		{"one above last", 0.5, 1, 3, 4 * time.Hour},
		{"first of three", 0.5, 0, 3, 2 * time.Hour},
		{"single layer", 0.5, 0, 1, 8 * time.Hour},
		{"factor out of range", 1.5, 0, 3, 8 * time.Hour},
		{"zero factor", 0, 0, 3, 8 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecayingTTL{Factor: tt.factor}.TTL(tt.index, tt.count, 8*time.Hour)
			if got != tt.want {
				t.Errorf("TTL(%d, %d) = %v, want %v", tt.index, tt.count, got, tt.want)
			}
		})
	}
}

func TestDecayingTTL_NonIncreasingUpward(t *testing.T) {
	s := DecayingTTL{Factor: 0.8}
	prev := s.TTL(3, 4, time.Hour)
	for i := 2; i >= 0; i-- {
		ttl := s.TTL(i, 4, time.Hour)
		if ttl <= 0 || ttl > prev {
			t.Errorf("Layer %d: expected 0 < ttl <= %v, got %v", i, prev, ttl)
		}
		prev = ttl
	}
}

func TestFixedTTL(t *testing.T) {
	s := FixedTTL{TTLs: []time.Duration{5 * time.Minute, 0}}
	base := 10 * time.Hour

	if ttl := s.TTL(0, 3, base); ttl != 5*time.Minute {
		t.Errorf("Layer 0: expected 5m, got %v", ttl)
	}
	if ttl := s.TTL(1, 3, base); ttl != base {
		t.Errorf("Layer 1: zero entry should keep base, got %v", ttl)
	}
	if ttl := s.TTL(2, 3, base); ttl != base {
		t.Errorf("Layer 2: beyond range should keep base, got %v", ttl)
	}
	if ttl := (FixedTTL{}).TTL(0, 1, base); ttl != base {
		t.Errorf("Empty strategy: expected base, got %v", ttl)
	}
}
