package crypto

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/jaskrrish/bb84sim/internal/models/qkd"
	"github.com/jaskrrish/bb84sim/internal/qkd/quantum"
)

const (
	// keyDomain separates derived keys from any other use of the same
	// FinalKey material.
	keyDomain = "bb84sim/v1/derived-key"

	// MaxDerivedBytes bounds a single derivation.
	MaxDerivedBytes = 1 << 20
)

// DeriveKey stretches or compresses a FinalKey into outputLen bytes with
// SHAKE-256. The domain and the packed key are each length-prefixed, and the
// key prefix carries the bit length so keys that differ only in trailing
// zero bits derive differently.
func DeriveKey(key []quantum.Bit, outputLen int) ([]byte, error) {
	if len(key) == 0 {
		return nil, qkd.ErrEmptyKey
	}
	if outputLen <= 0 || outputLen > MaxDerivedBytes {
		return nil, fmt.Errorf("derived key length %d out of range: %w", outputLen, qkd.ErrInvalidKeySize)
	}

	h := sha3.NewShake256()
	writeLengthPrefixed(h, []byte(keyDomain), len(keyDomain))
	writeLengthPrefixed(h, quantum.BitsToBytes(key), len(key))

	out := make([]byte, outputLen)
	if _, err := h.Read(out); err != nil {
		return nil, fmt.Errorf("read shake output: %w", err)
	}
	return out, nil
}

func writeLengthPrefixed(h sha3.ShakeHash, data []byte, length int) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(length))
	h.Write(prefix[:])
	h.Write(data)
}
