// Package rng provides the randomness abstraction used to draw puzzle shapes.
package rng

import (
	"crypto/rand"
	"math/big"
	mrand "math/rand/v2"
	"sync"
)

// Source is the randomness provider for shape draws.
//
// Implementations MUST be safe for concurrent use.
type Source interface {
	// Intn returns a non-negative random int in [0, n).
	//
	// Precondition: n > 0.
	Intn(n int) int
}

// cryptoSource implements Source using crypto/rand.
//
// Invariant: All values produced are uniformly distributed in [0, n) for any n > 0.
type cryptoSource struct{}

// NewCryptoSource returns a Source backed by crypto/rand.
//
// Postcondition: Every value returned by Intn is in [0, n).
func NewCryptoSource() Source {
	return &cryptoSource{}
}

// Intn returns a cryptographically secure random int in [0, n).
//
// Precondition: n > 0. Panics with "rng: Intn called with n <= 0" if n <= 0.
// Panics with "rng: crypto/rand failure: <err>" if crypto/rand fails.
func (c *cryptoSource) Intn(n int) int {
	if n <= 0 {
		panic("rng: Intn called with n <= 0")
	}
	val, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("rng: crypto/rand failure: " + err.Error())
	}
	return int(val.Int64())
}

// seededSource is a deterministic Source guarded by a mutex.
type seededSource struct {
	mu  sync.Mutex
	rnd *mrand.Rand
}

// NewSeededSource returns a deterministic Source for reproducible shape sequences.
//
// Postcondition: Two sources built from the same seed yield the same sequence.
func NewSeededSource(seed uint64) Source {
	return &seededSource{rnd: mrand.New(mrand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Intn returns a pseudo-random int in [0, n).
//
// Precondition: n > 0.
func (s *seededSource) Intn(n int) int {
	if n <= 0 {
		panic("rng: Intn called with n <= 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.IntN(n)
}

// Fixed is a Source that replays a scripted sequence of values, wrapping around
// when exhausted. Values are reduced modulo n. Intended for tests.
type Fixed struct {
	mu     sync.Mutex
	values []int
	next   int
}

// NewFixed returns a Fixed source replaying values.
//
// Precondition: len(values) > 0.
func NewFixed(values ...int) *Fixed {
	if len(values) == 0 {
		panic("rng: NewFixed requires at least one value")
	}
	return &Fixed{values: values}
}

// Intn returns the next scripted value modulo n.
func (f *Fixed) Intn(n int) int {
	if n <= 0 {
		panic("rng: Intn called with n <= 0")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.values[f.next%len(f.values)]
	f.next++
	return ((v % n) + n) % n
}
