// Package sequence produces the number sequences players must sum.
package sequence

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

const (
	MinMagnitude = 1
	MaxMagnitude = 20

	// Sentinel is submitted in place of an answer when a player runs out of
	// time. No sequence can sum to it.
	Sentinel = -999999
)

// Source produces sequences of a requested length.
type Source interface {
	Generate(length int) []int
}

// Generator draws each value with a magnitude in [MinMagnitude, MaxMagnitude]
// and an independent random sign. It is safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator returns a generator seeded from crypto/rand.
func NewGenerator() *Generator {
	var b [16]byte
	if _, err := crand.Read(b[:]); err != nil {
		return NewSeededGenerator(rand.Uint64(), rand.Uint64())
	}
	return NewSeededGenerator(binary.LittleEndian.Uint64(b[:8]), binary.LittleEndian.Uint64(b[8:]))
}

// NewSeededGenerator returns a deterministic generator.
func NewSeededGenerator(seed1, seed2 uint64) *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(seed1, seed2))}
}

// Generate returns length values. A non-positive length yields an empty slice.
func (g *Generator) Generate(length int) []int {
	if length <= 0 {
		return []int{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int, length)
	for i := range out {
		v := MinMagnitude + g.rng.IntN(MaxMagnitude-MinMagnitude+1)
		if g.rng.IntN(2) == 0 {
			v = -v
		}
		out[i] = v
	}
	return out
}

// Sum returns the arithmetic sum of seq.
func Sum(seq []int) int {
	total := 0
	for _, v := range seq {
		total += v
	}
	return total
}

// Fixed replays the same values, truncated or cycled to the requested length.
// It is meant for tests and demos.
type Fixed []int

// Generate implements Source.
func (f Fixed) Generate(length int) []int {
	out := make([]int, 0, max(length, 0))
	for i := 0; i < length && len(f) > 0; i++ {
		out = append(out, f[i%len(f)])
	}
	return out
}
