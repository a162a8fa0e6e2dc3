package quantum

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
)

// Source supplies the randomness consumed by one protocol run. It is the only
// source of non-determinism in the simulator, so a session bound to a seeded
// Source replays bit for bit.
//
// Implementations need not be safe for concurrent use; every session owns its
// own instance.
type Source interface {
	// NextBit returns a uniformly random bit.
	NextBit() Bit
	// NextBasis returns a uniformly random basis.
	NextBasis() Basis
	// Intn returns a uniformly random integer in [0, n). It panics if n <= 0.
	Intn(n int) int
	// Float64 returns a uniformly random float in [0.0, 1.0).
	Float64() float64
}

// RandSource is a Source backed by a math/rand generator.
type RandSource struct {
	rng *rand.Rand
}

// NewSeededSource returns a deterministic Source for the given seed.
func NewSeededSource(seed int64) *RandSource {
	return &RandSource{rng: rand.New(rand.NewSource(seed))}
}

// NewSource returns a Source seeded from crypto/rand.
func NewSource() *RandSource {
	return NewSeededSource(RandomSeed())
}

// RandomSeed draws a seed from the operating system's CSPRNG.
func RandomSeed() int64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		panic("quantum: reading seed from crypto/rand: " + err.Error())
	}
	return int64(binary.BigEndian.Uint64(buf[:]) >> 1)
}

// NextBit implements Source.
func (s *RandSource) NextBit() Bit {
	return Bit(s.rng.Intn(2))
}

// NextBasis implements Source.
func (s *RandSource) NextBasis() Basis {
	return Basis(s.rng.Intn(2))
}

// Intn implements Source.
func (s *RandSource) Intn(n int) int {
	return s.rng.Intn(n)
}

// Float64 implements Source.
func (s *RandSource) Float64() float64 {
	return s.rng.Float64()
}

// GenerateRandomBits generates a slice of random classical bits
func GenerateRandomBits(src Source, length int) []Bit {
	bits := make([]Bit, length)
	for i := 0; i < length; i++ {
		bits[i] = src.NextBit()
	}
	return bits
}
