package qkd

import (
	"errors"
	"fmt"
)

// QKDError is a plain sentinel error for session bookkeeping failures.
type QKDError struct {
	Message string
}

func (e *QKDError) Error() string {
	return e.Message
}

var (
	ErrInvalidSessionID = &QKDError{"invalid session ID"}
	ErrInvalidKeyID     = &QKDError{"invalid key ID"}
	ErrInvalidTTL       = &QKDError{"TTL must be between 1 and 10080 minutes"}
	ErrSessionNotFound  = &QKDError{"session not found"}
	ErrKeyNotFound      = &QKDError{"key not found"}
	ErrKeyExpired       = &QKDError{"key has expired"}
	ErrKeyRevoked       = &QKDError{"key has been revoked"}
	ErrInvalidState     = &QKDError{"session is not in a state that allows this operation"}
)

// Sentinel errors for the cipher layer
var (
	// ErrEmptyKey indicates there is no key material to derive from
	ErrEmptyKey = errors.New("cipher: empty key material")

	// ErrInvalidKeySize indicates a key of unusable length
	ErrInvalidKeySize = errors.New("cipher: invalid key size")

	// ErrCiphertextTooShort indicates ciphertext is too short to be valid
	ErrCiphertextTooShort = errors.New("cipher: ciphertext too short")

	// ErrAuthenticationFailed indicates AEAD authentication/decryption failed
	ErrAuthenticationFailed = errors.New("cipher: authentication failed")

	// ErrUnknownCipherMode indicates an unsupported cipher strategy
	ErrUnknownCipherMode = errors.New("cipher: unknown mode")

	// ErrPadOutOfRange indicates a one-time-pad ciphertext that points past
	// the end of the pad
	ErrPadOutOfRange = errors.New("cipher: pad offset out of range")
)

// ConfigurationError reports a protocol parameter outside its domain. It is
// returned before any randomness is drawn.
type ConfigurationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s=%v: %s", e.Field, e.Value, e.Reason)
}

// InsufficientSampleError reports a non-empty sifted key checked against an
// empty sample. Security cannot be validated from zero samples.
type InsufficientSampleError struct {
	SiftedLength int
}

func (e *InsufficientSampleError) Error() string {
	return fmt.Sprintf("insufficient sample: 0 of %d sifted bits revealed", e.SiftedLength)
}

// EveDetectedError is the expected protocol outcome when the estimated error
// rate exceeds the threshold. All key material of the run is discarded.
type EveDetectedError struct {
	ErrorRate  float64
	Threshold  float64
	SampleSize int
}

func (e *EveDetectedError) Error() string {
	return fmt.Sprintf("eavesdropping detected: error rate %.2f%% exceeds threshold %.2f%% (%d sampled bits)",
		e.ErrorRate*100, e.Threshold*100, e.SampleSize)
}

// InsufficientKeyError reports a run that passed the disturbance check but
// left no secret bits after the sample was removed.
type InsufficientKeyError struct {
	SiftedLength int
	SampleSize   int
}

func (e *InsufficientKeyError) Error() string {
	return fmt.Sprintf("insufficient key material: %d sifted bits, %d revealed for estimation",
		e.SiftedLength, e.SampleSize)
}

// KeyExhaustionError reports a cipher that needs more key material than is
// left. Nothing is encrypted when it is returned.
type KeyExhaustionError struct {
	Needed    int // bytes
	Available int // bytes
}

func (e *KeyExhaustionError) Error() string {
	return fmt.Sprintf("key exhausted: need %d bytes, %d available", e.Needed, e.Available)
}

// CipherError wraps a cipher failure with the operation that failed.
type CipherError struct {
	Op  string
	Err error
}

func (e *CipherError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CipherError) Unwrap() error {
	return e.Err
}

// NewCipherError creates a new CipherError.
func NewCipherError(op string, err error) *CipherError {
	return &CipherError{Op: op, Err: err}
}

// IsEveDetected reports whether err carries an EveDetectedError.
func IsEveDetected(err error) bool {
	var eve *EveDetectedError
	return errors.As(err, &eve)
}
