package driver

import (
	"math/rand"
	"sync"
)

// SharedRand serialises access to one generator shared by all workers.
//
// The lock is a plain sync.Mutex and is not reentrant: fn must not call
// Draw on the same SharedRand, and it must contain only the random draw,
// never a refit.
type SharedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSharedRand wraps rng.
func NewSharedRand(rng *rand.Rand) *SharedRand {
	return &SharedRand{rng: rng}
}

// Draw runs fn with exclusive access to the generator.
func (s *SharedRand) Draw(fn func(*rand.Rand)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.rng)
}
