package quantum

import (
	"fmt"
)

// Basis represents the measurement basis in BB84 protocol
type Basis int

const (
	// RectilinearBasis represents the computational basis (Z-basis): |0⟩, |1⟩
	RectilinearBasis Basis = 0
	// DiagonalBasis represents the Hadamard basis (X-basis): |+⟩, |−⟩
	DiagonalBasis Basis = 1
)

func (b Basis) String() string {
	switch b {
	case RectilinearBasis:
		return "Rectilinear(+)"
	case DiagonalBasis:
		return "Diagonal(×)"
	default:
		return "Unknown"
	}
}

// Symbol returns the short "+" / "×" notation for the basis.
func (b Basis) Symbol() string {
	switch b {
	case RectilinearBasis:
		return "+"
	case DiagonalBasis:
		return "×"
	default:
		return "?"
	}
}

// Valid reports whether b is one of the two BB84 bases.
func (b Basis) Valid() bool {
	return b == RectilinearBasis || b == DiagonalBasis
}

// ParseBasis accepts "+", "x", "×", "rectilinear" or "diagonal".
func ParseBasis(s string) (Basis, error) {
	switch s {
	case "+", "rectilinear", "Rectilinear", "Z":
		return RectilinearBasis, nil
	case "x", "×", "diagonal", "Diagonal", "X":
		return DiagonalBasis, nil
	default:
		return 0, fmt.Errorf("unknown basis %q", s)
	}
}

// Bit represents a classical bit (0 or 1)
type Bit int

const (
	Zero Bit = 0
	One  Bit = 1
)

// Flip returns the complementary bit.
func (b Bit) Flip() Bit {
	return 1 - b
}

// Qubit represents a quantum bit state in flight.
//
// The encoding is unexported: the only way to learn anything about it is to
// Measure it, which collapses the state into the measurement basis.
type Qubit struct {
	basis Basis
	bit   Bit
}

// PrepareQubit prepares a qubit in a specific state using the given basis
func PrepareQubit(bit Bit, basis Basis) Qubit {
	return Qubit{
		basis: basis,
		bit:   bit,
	}
}

// MeasureOutcome is the collapse rule for a single measurement. A matched
// basis returns the prepared bit; a mismatched basis returns fresh, which
// must be a uniformly random bit drawn by the caller.
func MeasureOutcome(prepared Basis, bit Bit, measurement Basis, fresh Bit) Bit {
	if measurement == prepared {
		return bit
	}
	return fresh
}

// Measure measures the qubit in the given basis and collapses it: afterwards
// the qubit is the eigenstate of basis corresponding to the returned bit.
func (q *Qubit) Measure(basis Basis, fresh Bit) Bit {
	result := MeasureOutcome(q.basis, q.bit, basis, fresh)
	q.basis = basis
	q.bit = result
	return result
}

// BitsToBytes converts a slice of Bits to a byte array
func BitsToBytes(bits []Bit) []byte {
	numBytes := (len(bits) + 7) / 8
	bytes := make([]byte, numBytes)

	for i, bit := range bits {
		if bit == One {
			byteIndex := i / 8
			bitIndex := uint(7 - (i % 8))
			bytes[byteIndex] |= (1 << bitIndex)
		}
	}

	return bytes
}

// HammingDistance counts the positions where a and b differ.
func HammingDistance(a, b []Bit) (int, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("hamming distance of %d and %d bits: lengths differ", len(a), len(b))
	}
	n := 0
	for i := range a {
		if a[i] != b[i] {
			n++
		}
	}
	return n, nil
}

// CalculateBitError is the fraction of positions where a and b differ, or 0
// for two empty sequences.
func CalculateBitError(a, b []Bit) (float64, error) {
	n, err := HammingDistance(a, b)
	if err != nil || len(a) == 0 {
		return 0, err
	}
	return float64(n) / float64(len(a)), nil
}
