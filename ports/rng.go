package ports

import (
	"context"
	"math/rand"
)

// RNGPort provides seeded random number generation for deterministic operations
type RNGPort interface {
	// Shared returns the single generator all workers of a run draw from.
	// Callers must serialise access to it.
	Shared(ctx context.Context) (*rand.Rand, error)

	// Stream creates a deterministic RNG stream for one replicate of a run.
	// The same (runSeed, index) pair always yields the same stream.
	Stream(ctx context.Context, runSeed int64, index int) (*rand.Rand, error)

	// Seed returns the base seed the port was created with.
	Seed() int64
}
