package sampler

import "math/rand/v2"

// NewRand returns a PCG generator for the given seed. Distinct stream values
// give independent sequences for the same seed, one per goroutine.
func NewRand(seed, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, stream))
}
