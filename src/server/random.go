package server

import (
	"hash/fnv"
	"math/rand"
	"sync"

	"github.com/oklog/ulid/v2"
)

const unmistakableChars = "23456789ABCDEFGHJKLMNPQRSTWXYZabcdefghijkmnopqrstuvwxyz"

// RandomStream is a deterministic pseudo-random sequence derived from a
// method's randomSeed, so that a client simulating the method can generate
// the same ids as the server.
type RandomStream struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomStream seeds a stream. An empty seed gets a fresh random one.
func NewRandomStream(seed string) *RandomStream {
	if seed == "" {
		seed = ulid.Make().String()
	}
	h := fnv.New64a()
	h.Write([]byte(seed))
	return &RandomStream{rnd: rand.New(rand.NewSource(int64(h.Sum64())))}
}

// Fraction returns a number in [0,1).
func (r *RandomStream) Fraction() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}

// ID returns a 17 character document id.
func (r *RandomStream) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := make([]byte, 17)
	for i := range b {
		b[i] = unmistakableChars[r.rnd.Intn(len(unmistakableChars))]
	}
	return string(b)
}
