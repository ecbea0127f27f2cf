package inferpool

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

// Selector picks one provider among eligible candidates.
type Selector interface {
	// Select returns the index of the chosen provider. candidates is never
	// empty.
	Select(candidates []Provider) int
}

// UniformSelector picks uniformly at random. It owns one generator seeded
// once from crypto/rand; concurrent callers share it under a mutex, so
// near-simultaneous calls draw from one stream instead of correlated seeds.
type UniformSelector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

var _ Selector = (*UniformSelector)(nil)

// NewUniformSelector creates a UniformSelector seeded from crypto/rand.
func NewUniformSelector() *UniformSelector {
	return &UniformSelector{rng: NewRand()}
}

// NewUniformSelectorWithSeed creates a deterministic UniformSelector.
func NewUniformSelectorWithSeed(seed [32]byte) *UniformSelector {
	return &UniformSelector{rng: rand.New(rand.NewChaCha8(seed))}
}

func (s *UniformSelector) Select(candidates []Provider) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(len(candidates))
}

// NewRand returns a ChaCha8 generator seeded from crypto/rand. Callers must
// keep and reuse it.
func NewRand() *rand.Rand {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic("inferpool: seed generator: " + err.Error())
	}
	return rand.New(rand.NewChaCha8(seed))
}

// SeedFromUint64 expands a small seed for tests and reproducible runs.
func SeedFromUint64(v uint64) [32]byte {
	var seed [32]byte
	binary.LittleEndian.PutUint64(seed[:], v)
	return seed
}
