package crypto

import (
	gocipher "crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"

	"github.com/jaskrrish/bb84sim/internal/models/qkd"
	"github.com/jaskrrish/bb84sim/internal/qkd/quantum"
)

// Cipher protects messages with key material from one established session.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	Mode() qkd.CipherMode
	// Key returns a copy of the shared key material.
	Key() []byte
}

// NewCipher builds the cipher for mode over a FinalKey. keyBytes is the
// length of the derived key in stream mode; the pad of a one-time pad is
// always every whole byte of finalKey.
func NewCipher(mode qkd.CipherMode, finalKey []quantum.Bit, keyBytes int) (Cipher, error) {
	switch mode {
	case qkd.CipherOneTimePad:
		return NewOneTimePad(finalKey)
	case qkd.CipherStream:
		material, err := DeriveKey(finalKey, keyBytes)
		if err != nil {
			return nil, err
		}
		return NewStreamCipher(material)
	default:
		return nil, fmt.Errorf("%q: %w", mode, qkd.ErrUnknownCipherMode)
	}
}

// padHeaderSize is the big-endian pad offset that prefixes each OTP ciphertext.
const padHeaderSize = 8

// OneTimePad XORs messages with unused bytes of the raw FinalKey. Pad bytes
// are consumed by Encrypt and never reused; Decrypt reads the offset from
// the ciphertext and consumes nothing.
type OneTimePad struct {
	pad []byte

	mu     sync.Mutex
	offset int
}

// NewOneTimePad packs the whole bytes of finalKey into a pad. Trailing bits
// that do not fill a byte are dropped.
func NewOneTimePad(finalKey []quantum.Bit) (*OneTimePad, error) {
	whole := len(finalKey) / 8 * 8
	if whole == 0 {
		return nil, qkd.NewCipherError("otp", qkd.ErrEmptyKey)
	}
	return &OneTimePad{pad: quantum.BitsToBytes(finalKey[:whole])}, nil
}

// Encrypt returns offset || plaintext XOR pad[offset:]. It fails with a
// CipherError wrapping a KeyExhaustionError, consuming nothing, when the pad
// is too short.
func (p *OneTimePad) Encrypt(plaintext []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	available := len(p.pad) - p.offset
	if len(plaintext) > available {
		return nil, qkd.NewCipherError("otp encrypt", &qkd.KeyExhaustionError{Needed: len(plaintext), Available: available})
	}

	out := make([]byte, padHeaderSize+len(plaintext))
	binary.BigEndian.PutUint64(out[:padHeaderSize], uint64(p.offset))
	xorBytes(out[padHeaderSize:], plaintext, p.pad[p.offset:])
	p.offset += len(plaintext)
	return out, nil
}

// Decrypt reverses Encrypt.
func (p *OneTimePad) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < padHeaderSize {
		return nil, qkd.NewCipherError("otp decrypt", qkd.ErrCiphertextTooShort)
	}
	offset := binary.BigEndian.Uint64(ciphertext[:padHeaderSize])
	body := ciphertext[padHeaderSize:]
	if offset > uint64(len(p.pad)) || uint64(len(body)) > uint64(len(p.pad))-offset {
		return nil, qkd.NewCipherError("otp decrypt", qkd.ErrPadOutOfRange)
	}

	out := make([]byte, len(body))
	xorBytes(out, body, p.pad[offset:])
	return out, nil
}

// Mode returns qkd.CipherOneTimePad.
func (p *OneTimePad) Mode() qkd.CipherMode {
	return qkd.CipherOneTimePad
}

// Key returns a copy of the pad.
func (p *OneTimePad) Key() []byte {
	return append([]byte(nil), p.pad...)
}

// Remaining returns the number of unused pad bytes.
func (p *OneTimePad) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pad) - p.offset
}

func xorBytes(dst, a, b []byte) {
	for i := range a {
		dst[i] = a[i] ^ b[i]
	}
}

// StreamCipher is XChaCha20-Poly1305 under a key compressed from the shared
// material. Ciphertext is nonce || sealed, with a random 24-byte nonce per
// message.
type StreamCipher struct {
	material []byte
	aead     gocipher.AEAD
}

// NewStreamCipher creates a stream cipher from at least 16 bytes of key
// material.
func NewStreamCipher(material []byte) (*StreamCipher, error) {
	if len(material) < 16 {
		return nil, qkd.NewCipherError("stream", qkd.ErrInvalidKeySize)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	sha3.ShakeSum256(key, material)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, qkd.NewCipherError("stream", err)
	}
	return &StreamCipher{
		material: append([]byte(nil), material...),
		aead:     aead,
	}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *StreamCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, qkd.NewCipherError("stream encrypt", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens nonce || sealed.
func (c *StreamCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.NonceSize()+c.aead.Overhead() {
		return nil, qkd.NewCipherError("stream decrypt", qkd.ErrCiphertextTooShort)
	}
	nonce := ciphertext[:c.aead.NonceSize()]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext[c.aead.NonceSize():], nil)
	if err != nil {
		return nil, qkd.NewCipherError("stream decrypt", qkd.ErrAuthenticationFailed)
	}
	return plaintext, nil
}

// Mode returns qkd.CipherStream.
func (c *StreamCipher) Mode() qkd.CipherMode {
	return qkd.CipherStream
}

// Key returns a copy of the derived key material.
func (c *StreamCipher) Key() []byte {
	return append([]byte(nil), c.material...)
}
