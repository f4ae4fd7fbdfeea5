package chain

import (
	"math"
	"time"
)

// TTLStrategy picks the TTL of each layer from the TTL a caller asked for.
type TTLStrategy interface {
	// TTL returns the TTL of layer index out of count layers.
	TTL(index, count int, base time.Duration) time.Duration
}

// UniformTTL gives every layer the base TTL.
type UniformTTL struct{}

func (UniformTTL) TTL(index, count int, base time.Duration) time.Duration {
	return base
}

// DecayingTTL shortens the TTL of faster layers so a list cached in process
// goes stale no later than its shared copy. The last layer keeps the base
// TTL and each layer above it gets Factor times the TTL of the one below.
type DecayingTTL struct {
	Factor float64 `mapstructure:"factor"`
}

func (s DecayingTTL) TTL(index, count int, base time.Duration) time.Duration {
	if s.Factor <= 0 || s.Factor >= 1 || base <= 0 || index >= count-1 {
		return base
	}
	return time.Duration(float64(base) * math.Pow(s.Factor, float64(count-1-index)))
}

// FixedTTL uses one explicit TTL per layer. Layers past the end of TTLs, and
// zero entries, keep the base TTL.
type FixedTTL struct {
	TTLs []time.Duration `mapstructure:"ttls"`
}

func (s FixedTTL) TTL(index, count int, base time.Duration) time.Duration {
	if index < len(s.TTLs) && s.TTLs[index] > 0 {
		return s.TTLs[index]
	}
	return base
}
