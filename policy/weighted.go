// Package policy provides Selector implementations beyond the uniform
// default.
package policy

import (
	"math/rand/v2"
	"sync"

	"github.com/ineyio/inferpool"
)

// MinWeight keeps providers without a score selectable.
const MinWeight = 1.0

// weighted draws an index with probability proportional to weight. It owns
// one generator for its lifetime, guarded by a mutex.
type weighted struct {
	mu     sync.Mutex
	rng    *rand.Rand
	weight func(inferpool.Provider) float64
}

func (w *weighted) Select(candidates []inferpool.Provider) int {
	weights := make([]float64, len(candidates))
	var total float64
	for i, p := range candidates {
		v := w.weight(p)
		if v < MinWeight {
			v = MinWeight
		}
		weights[i] = v
		total += v
	}

	w.mu.Lock()
	x := w.rng.Float64() * total
	w.mu.Unlock()

	for i, v := range weights {
		if x < v {
			return i
		}
		x -= v
	}
	return len(candidates) - 1
}

// CapabilityWeighted prefers providers with higher capability scores.
type CapabilityWeighted struct {
	weighted
}

var _ inferpool.Selector = (*CapabilityWeighted)(nil)

// NewCapabilityWeighted creates a CapabilityWeighted selector seeded from
// crypto/rand.
func NewCapabilityWeighted() *CapabilityWeighted {
	return NewCapabilityWeightedWithSeed(nil)
}

// NewCapabilityWeightedWithSeed creates a deterministic selector. A nil seed
// draws one from crypto/rand.
func NewCapabilityWeightedWithSeed(seed *[32]byte) *CapabilityWeighted {
	return &CapabilityWeighted{weighted{
		rng:    newRand(seed),
		weight: func(p inferpool.Provider) float64 { return p.CapabilityScore },
	}}
}

// CapacityWeighted prefers providers holding more capacity units.
type CapacityWeighted struct {
	weighted
}

var _ inferpool.Selector = (*CapacityWeighted)(nil)

// NewCapacityWeighted creates a CapacityWeighted selector seeded from
// crypto/rand.
func NewCapacityWeighted() *CapacityWeighted {
	return NewCapacityWeightedWithSeed(nil)
}

// NewCapacityWeightedWithSeed creates a deterministic selector. A nil seed
// draws one from crypto/rand.
func NewCapacityWeightedWithSeed(seed *[32]byte) *CapacityWeighted {
	return &CapacityWeighted{weighted{
		rng:    newRand(seed),
		weight: func(p inferpool.Provider) float64 { return float64(p.CapacityUnits) },
	}}
}

func newRand(seed *[32]byte) *rand.Rand {
	if seed == nil {
		return inferpool.NewRand()
	}
	return rand.New(rand.NewChaCha8(*seed))
}
