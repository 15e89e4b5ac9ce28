// Package rng provides the seeded generators consumed by the replicate driver.
package rng

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Source implements ports.RNGPort from a single base seed.
type Source struct {
	seed   int64
	once   sync.Once
	shared *rand.Rand
}

// NewSource creates a source whose shared stream and derived streams are all
// determined by seed.
func NewSource(seed int64) *Source {
	return &Source{seed: seed}
}

// NewTimeSeededSource creates a source seeded from the wall clock.
func NewTimeSeededSource() *Source {
	return NewSource(time.Now().UnixNano())
}

// Seed returns the base seed.
func (s *Source) Seed() int64 {
	return s.seed
}

// Shared returns the single generator of this source. Every call returns the
// same instance; it is not safe for concurrent use on its own.
func (s *Source) Shared(ctx context.Context) (*rand.Rand, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.once.Do(func() {
		s.shared = rand.New(rand.NewSource(s.seed))
	})
	return s.shared, nil
}

// Stream returns a fresh generator for replicate index of a run seeded with
// runSeed. Streams for different indices are decorrelated by mixing the
// index into the seed.
func (s *Source) Stream(ctx context.Context, runSeed int64, index int) (*rand.Rand, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return rand.New(rand.NewSource(DeriveSeed(runSeed, index))), nil
}

// DeriveSeed mixes a replicate index into a base seed (splitmix64 finaliser).
func DeriveSeed(seed int64, index int) int64 {
	z := uint64(seed) + uint64(index+1)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return int64(z ^ (z >> 31))
}
