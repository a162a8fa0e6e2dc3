package qkd

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// SessionState represents the lifecycle of one BB84 run
type SessionState string

const (
	StateCreated             SessionState = "created"
	StateTransmitting        SessionState = "transmitting"
	StateReconciling         SessionState = "reconciling"
	StateEstimating          SessionState = "estimating"
	StateKeyEstablished      SessionState = "key_established"
	StateAbortedEveDetected  SessionState = "aborted_eve_detected"
	StateAbortedInsufficient SessionState = "aborted_insufficient_key"
)

// Terminal reports whether no further transition is possible from s.
func (s SessionState) Terminal() bool {
	switch s {
	case StateKeyEstablished, StateAbortedEveDetected, StateAbortedInsufficient:
		return true
	default:
		return false
	}
}

// Aborted reports whether s is one of the aborted terminal states.
func (s SessionState) Aborted() bool {
	return s == StateAbortedEveDetected || s == StateAbortedInsufficient
}

// CipherMode selects how the distilled key protects messages
type CipherMode string

const (
	// CipherOneTimePad XORs messages with raw FinalKey bytes; each pad byte
	// is used once and encryption fails once the pad runs out.
	CipherOneTimePad CipherMode = "otp"
	// CipherStream uses XChaCha20-Poly1305 keyed by a SHAKE-256 derivation
	// of FinalKey. There is no coupling between message and key length.
	CipherStream CipherMode = "stream"
)

const (
	DefaultNumQubits      = 1024
	DefaultSampleFraction = 0.5
	// DefaultErrorThreshold is the ~11% disturbance bound of BB84.
	DefaultErrorThreshold = 0.11
	// MaxQubits bounds a single run.
	MaxQubits = 1 << 20

	DefaultKeyBytes   = 32
	DefaultTTLMinutes = 1440
	MaxTTLMinutes     = 10080
)

// Config holds the protocol parameters of one run
type Config struct {
	NumQubits           int     `json:"num_qubits"`
	SampleFraction      float64 `json:"sample_fraction"`
	ErrorThreshold      float64 `json:"error_threshold"`
	EavesdropperPresent bool    `json:"eavesdropper_present"`
}

// DefaultConfig returns the default protocol parameters.
func DefaultConfig() Config {
	return Config{
		NumQubits:      DefaultNumQubits,
		SampleFraction: DefaultSampleFraction,
		ErrorThreshold: DefaultErrorThreshold,
	}
}

// Validate checks every parameter against its domain.
func (c Config) Validate() error {
	if c.NumQubits < 1 || c.NumQubits > MaxQubits {
		return &ConfigurationError{Field: "num_qubits", Value: c.NumQubits, Reason: "must be between 1 and 1048576"}
	}
	if math.IsNaN(c.SampleFraction) || c.SampleFraction <= 0 || c.SampleFraction > 1 {
		return &ConfigurationError{Field: "sample_fraction", Value: c.SampleFraction, Reason: "must be in (0, 1]"}
	}
	if math.IsNaN(c.ErrorThreshold) || c.ErrorThreshold < 0 || c.ErrorThreshold > 1 {
		return &ConfigurationError{Field: "error_threshold", Value: c.ErrorThreshold, Reason: "must be in [0, 1]"}
	}
	return nil
}

// QKDSession is the externally visible summary of a key-establishment run
type QKDSession struct {
	SessionID           uuid.UUID    `json:"session_id"`
	Status              SessionState `json:"status"`
	NumQubits           int          `json:"num_qubits"`
	SampleFraction      float64      `json:"sample_fraction"`
	ErrorThreshold      float64      `json:"error_threshold"`
	EavesdropperPresent bool         `json:"eavesdropper_present"`
	ErrorRate           float64      `json:"error_rate"`
	SiftedKeyLength     int          `json:"sifted_key_length"`
	SampleSize          int          `json:"sample_size"`
	FinalKeyLength      int          `json:"final_key_length"`
	EveDetected         bool         `json:"eavesdropping_detected"`
	KeyID               *uuid.UUID   `json:"key_id,omitempty"`
	Message             string       `json:"message,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
	ExpiresAt           time.Time    `json:"expires_at"`
}

// QuantumKey represents a key distilled from a successful session
type QuantumKey struct {
	KeyID       uuid.UUID  `json:"key_id"`
	SessionID   uuid.UUID  `json:"session_id"`
	Mode        CipherMode `json:"mode"`
	KeyMaterial []byte     `json:"-"`
	KeyLength   int        `json:"key_length"`
	GeneratedAt time.Time  `json:"generated_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
	IsActive    bool       `json:"is_active"`
}

// SessionCreateRequest asks for a new key. Omitted protocol parameters fall
// back to the server defaults; explicit values are validated as given.
type SessionCreateRequest struct {
	NumQubits           *int       `json:"num_qubits,omitempty"`
	SampleFraction      *float64   `json:"sample_fraction,omitempty"`
	ErrorThreshold      *float64   `json:"error_threshold,omitempty"`
	EavesdropperPresent bool       `json:"eavesdropper_present,omitempty"`
	CipherMode          CipherMode `json:"cipher_mode,omitempty"`
	KeyBytes            int        `json:"key_bytes,omitempty"`
	TTLMinutes          int        `json:"ttl_minutes,omitempty"`
	Seed                *int64     `json:"seed,omitempty"`
}

// Resolve merges the request over defaults.
func (r *SessionCreateRequest) Resolve(defaults Config) Config {
	cfg := defaults
	if r.NumQubits != nil {
		cfg.NumQubits = *r.NumQubits
	}
	if r.SampleFraction != nil {
		cfg.SampleFraction = *r.SampleFraction
	}
	if r.ErrorThreshold != nil {
		cfg.ErrorThreshold = *r.ErrorThreshold
	}
	cfg.EavesdropperPresent = cfg.EavesdropperPresent || r.EavesdropperPresent
	return cfg
}

// RequestDefaults are the server-side values for the non-protocol fields a
// SessionCreateRequest may omit
type RequestDefaults struct {
	CipherMode CipherMode
	KeyBytes   int
	TTLMinutes int
}

// DefaultRequestDefaults returns the built-in cipher mode, key size and TTL.
func DefaultRequestDefaults() RequestDefaults {
	return RequestDefaults{
		CipherMode: CipherStream,
		KeyBytes:   DefaultKeyBytes,
		TTLMinutes: DefaultTTLMinutes,
	}
}

// Validate checks d with the same rules as an explicit request.
func (d RequestDefaults) Validate() error {
	r := SessionCreateRequest{CipherMode: d.CipherMode, KeyBytes: d.KeyBytes, TTLMinutes: d.TTLMinutes}
	return r.Validate()
}

// ApplyDefaults fills an omitted cipher mode, key size or TTL from d.
func (r *SessionCreateRequest) ApplyDefaults(d RequestDefaults) {
	if r.CipherMode == "" {
		r.CipherMode = d.CipherMode
	}
	if r.KeyBytes == 0 {
		r.KeyBytes = d.KeyBytes
	}
	if r.TTLMinutes == 0 {
		r.TTLMinutes = d.TTLMinutes
	}
}

// Validate validates the non-protocol fields of a request and fills in
// the built-in defaults for any still unset.
func (r *SessionCreateRequest) Validate() error {
	switch r.CipherMode {
	case "":
		r.CipherMode = CipherStream
	case CipherStream, CipherOneTimePad:
	default:
		return &ConfigurationError{Field: "cipher_mode", Value: r.CipherMode, Reason: "must be otp or stream"}
	}

	if r.KeyBytes == 0 {
		r.KeyBytes = DefaultKeyBytes
	}
	if r.KeyBytes < 16 || r.KeyBytes > 64 {
		return &ConfigurationError{Field: "key_bytes", Value: r.KeyBytes, Reason: "must be between 16 and 64"}
	}

	if r.TTLMinutes == 0 {
		r.TTLMinutes = DefaultTTLMinutes
	}
	if r.TTLMinutes < 1 || r.TTLMinutes > MaxTTLMinutes {
		return ErrInvalidTTL
	}

	return nil
}

// SessionResponse represents the response when creating or querying a session
type SessionResponse struct {
	Session *QKDSession  `json:"session"`
	Key     *KeyResponse `json:"key,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// KeyResponse describes a stored key. KeyHex is only filled on creation.
type KeyResponse struct {
	KeyID     string     `json:"key_id"`
	SessionID string     `json:"session_id"`
	Mode      CipherMode `json:"mode"`
	KeyHex    string     `json:"key_hex,omitempty"`
	KeyLength int        `json:"key_length"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// MessageRequest carries a base64 payload to encrypt or decrypt
type MessageRequest struct {
	Message string `json:"message"`
}

// MessageResponse carries a base64 payload
type MessageResponse struct {
	KeyID   string `json:"key_id"`
	Message string `json:"message"`
}
