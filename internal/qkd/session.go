package qkd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jaskrrish/bb84sim/internal/models/qkd"
	"github.com/jaskrrish/bb84sim/internal/qkd/crypto"
	"github.com/jaskrrish/bb84sim/internal/qkd/quantum"
)

const tracerName = "github.com/jaskrrish/bb84sim/internal/qkd"

// SessionManager runs key establishment on demand and keeps the resulting
// keys and ciphers for the chat layer. It never retries an aborted run.
type SessionManager struct {
	sessions map[uuid.UUID]*qkd.QKDSession
	keys     map[uuid.UUID]*qkd.QuantumKey
	ciphers  map[uuid.UUID]crypto.Cipher
	mutex    sync.RWMutex

	defaults  qkd.Config
	requests  qkd.RequestDefaults
	detector  *Detector
	newSource func(seed *int64) quantum.Source
	now       func() time.Time
	logger    logr.Logger
	tracer    trace.Tracer
}

// Option configures a SessionManager
type Option func(*SessionManager)

// WithDefaults sets the protocol parameters used when a request omits them.
func WithDefaults(cfg qkd.Config) Option {
	return func(sm *SessionManager) {
		sm.defaults = cfg
	}
}

// WithRequestDefaults sets the cipher mode, key size and TTL used when a
// request omits them.
func WithRequestDefaults(d qkd.RequestDefaults) Option {
	return func(sm *SessionManager) {
		sm.requests = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(sm *SessionManager) {
		sm.logger = logger
	}
}

// WithClock replaces time.Now, mostly for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(sm *SessionManager) {
		sm.now = now
	}
}

// WithSourceFactory replaces how a session's random source is built from
// the optional request seed.
func WithSourceFactory(f func(seed *int64) quantum.Source) Option {
	return func(sm *SessionManager) {
		sm.newSource = f
	}
}

// NewSessionManager creates a new session manager
func NewSessionManager(opts ...Option) *SessionManager {
	sm := &SessionManager{
		sessions:  make(map[uuid.UUID]*qkd.QKDSession),
		keys:      make(map[uuid.UUID]*qkd.QuantumKey),
		ciphers:   make(map[uuid.UUID]crypto.Cipher),
		detector:  NewDetector(),
		defaults:  qkd.DefaultConfig(),
		requests:  qkd.DefaultRequestDefaults(),
		newSource: defaultSource,
		now:       time.Now,
		logger:    logr.Discard(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

func defaultSource(seed *int64) quantum.Source {
	if seed != nil {
		return quantum.NewSeededSource(*seed)
	}
	return quantum.NewSource()
}

// Defaults returns the protocol parameters applied to omitted request fields.
func (sm *SessionManager) Defaults() qkd.Config {
	return sm.defaults
}

// Detector exposes the history of every estimate made by this manager.
func (sm *SessionManager) Detector() *Detector {
	return sm.detector
}

// EstablishKey runs one BB84 session for req. On success it stores a key
// and its cipher and returns both views. When the run aborts the session
// view is still returned and stored, together with the abort error; an
// EveDetectedError means no key material from the run was kept.
func (sm *SessionManager) EstablishKey(ctx context.Context, req *qkd.SessionCreateRequest) (*qkd.QKDSession, *qkd.QuantumKey, error) {
	req.ApplyDefaults(sm.requests)
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	cfg := req.Resolve(sm.defaults)
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	_, span := sm.tracer.Start(ctx, "qkd.EstablishKey", trace.WithAttributes(
		attribute.Int("qkd.num_qubits", cfg.NumQubits),
		attribute.Float64("qkd.sample_fraction", cfg.SampleFraction),
		attribute.Float64("qkd.error_threshold", cfg.ErrorThreshold),
		attribute.Bool("qkd.eavesdropper_present", cfg.EavesdropperPresent),
		attribute.String("qkd.cipher_mode", string(req.CipherMode)),
	))
	defer span.End()

	now := sm.now()
	view := &qkd.QKDSession{
		SessionID:           uuid.New(),
		Status:              qkd.StateCreated,
		NumQubits:           cfg.NumQubits,
		SampleFraction:      cfg.SampleFraction,
		ErrorThreshold:      cfg.ErrorThreshold,
		EavesdropperPresent: cfg.EavesdropperPresent,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(req.TTLMinutes) * time.Minute),
	}
	span.SetAttributes(attribute.String("qkd.session_id", view.SessionID.String()))

	sm.mutex.Lock()
	sm.sessions[view.SessionID] = view
	sm.mutex.Unlock()

	session := NewBB84Session(sm.newSource(req.Seed))
	runErr := session.Run(cfg, nil)
	report := session.Report()
	if session.State() == qkd.StateKeyEstablished || session.State() == qkd.StateAbortedEveDetected {
		sm.detector.Record(report)
	}

	log := sm.logger.WithValues("session_id", view.SessionID, "num_qubits", cfg.NumQubits)
	summary := sessionSummary{
		state:      session.State(),
		errorRate:  report.ErrorRate,
		sifted:     len(session.SiftedKey()),
		sampleSize: len(session.SampleSet()),
	}

	if runErr != nil {
		summary.eveDetected = qkd.IsEveDetected(runErr)
		summary.message = runErr.Error()
		if summary.eveDetected {
			log.Info("WARNING: eavesdropping detected, key discarded",
				"error_rate", report.ErrorRate, "threshold", cfg.ErrorThreshold, "p_value", report.PValue)
		} else {
			log.Info("key establishment aborted", "state", session.State(), "reason", runErr.Error())
		}
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		return sm.finish(view, summary), nil, runErr
	}

	finalKey := session.FinalKey()
	cipher, err := crypto.NewCipher(req.CipherMode, finalKey.Bits(), req.KeyBytes)
	if err != nil {
		summary.state = qkd.StateAbortedInsufficient
		summary.message = err.Error()
		log.Error(err, "cannot build cipher from final key", "final_key_bits", len(finalKey))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return sm.finish(view, summary), nil, fmt.Errorf("build %s cipher: %w", req.CipherMode, err)
	}

	material := cipher.Key()
	key := &qkd.QuantumKey{
		KeyID:       uuid.New(),
		SessionID:   view.SessionID,
		Mode:        cipher.Mode(),
		KeyMaterial: material,
		KeyLength:   len(material) * 8,
		GeneratedAt: sm.now(),
		ExpiresAt:   view.ExpiresAt,
		IsActive:    true,
	}

	sm.mutex.Lock()
	sm.keys[key.KeyID] = key
	sm.ciphers[key.KeyID] = cipher
	sm.mutex.Unlock()

	summary.finalKey = len(finalKey)
	summary.keyID = &key.KeyID
	summary.message = fmt.Sprintf("key established: error rate %.2f%%, %d final key bits", report.ErrorRate*100, len(finalKey))
	log.Info("key established", "key_id", key.KeyID, "mode", key.Mode,
		"error_rate", report.ErrorRate, "final_key_bits", len(finalKey))
	span.SetAttributes(attribute.Float64("qkd.error_rate", report.ErrorRate), attribute.Int("qkd.final_key_bits", len(finalKey)))
	span.SetStatus(codes.Ok, "")

	keyCopy := *key
	keyCopy.KeyMaterial = append([]byte(nil), material...)
	return sm.finish(view, summary), &keyCopy, nil
}

type sessionSummary struct {
	state       qkd.SessionState
	errorRate   float64
	sifted      int
	sampleSize  int
	finalKey    int
	eveDetected bool
	keyID       *uuid.UUID
	message     string
}

// finish writes the run outcome into view and returns a copy. view may
// already have been dropped from the store by CleanupExpiredSessions.
func (sm *SessionManager) finish(view *qkd.QKDSession, s sessionSummary) *qkd.QKDSession {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	view.Status = s.state
	view.ErrorRate = s.errorRate
	view.SiftedKeyLength = s.sifted
	view.SampleSize = s.sampleSize
	view.FinalKeyLength = s.finalKey
	view.EveDetected = s.eveDetected
	view.KeyID = s.keyID
	view.Message = s.message
	completed := sm.now()
	view.CompletedAt = &completed

	out := *view
	return &out
}

// GetSession retrieves a session by ID
func (sm *SessionManager) GetSession(sessionID uuid.UUID) (*qkd.QKDSession, error) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	session, exists := sm.sessions[sessionID]
	if !exists {
		return nil, qkd.ErrSessionNotFound
	}

	out := *session
	return &out, nil
}

// GetKey retrieves a generated key by ID. Revoked and expired keys are
// reported as errors.
func (sm *SessionManager) GetKey(keyID uuid.UUID) (*qkd.QuantumKey, error) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	key, err := sm.usableKeyLocked(keyID)
	if err != nil {
		return nil, err
	}

	out := *key
	out.KeyMaterial = append([]byte(nil), key.KeyMaterial...)
	return &out, nil
}

// usableKeyLocked must be called with the write lock held; it deactivates
// keys found to be expired.
func (sm *SessionManager) usableKeyLocked(keyID uuid.UUID) (*qkd.QuantumKey, error) {
	key, exists := sm.keys[keyID]
	if !exists {
		return nil, qkd.ErrKeyNotFound
	}
	if !key.IsActive {
		if sm.now().After(key.ExpiresAt) {
			return nil, qkd.ErrKeyExpired
		}
		return nil, qkd.ErrKeyRevoked
	}
	if sm.now().After(key.ExpiresAt) {
		key.IsActive = false
		return nil, qkd.ErrKeyExpired
	}
	return key, nil
}

// Encrypt protects plaintext with the cipher of keyID.
func (sm *SessionManager) Encrypt(keyID uuid.UUID, plaintext []byte) ([]byte, error) {
	cipher, err := sm.cipherFor(keyID)
	if err != nil {
		return nil, err
	}

	ciphertext, err := cipher.Encrypt(plaintext)
	if err != nil {
		var exhausted *qkd.KeyExhaustionError
		if errors.As(err, &exhausted) {
			sm.logger.Info("one-time pad exhausted", "key_id", keyID,
				"needed", exhausted.Needed, "available", exhausted.Available)
		}
		return nil, err
	}
	return ciphertext, nil
}

// Decrypt reverses Encrypt for keyID.
func (sm *SessionManager) Decrypt(keyID uuid.UUID, ciphertext []byte) ([]byte, error) {
	cipher, err := sm.cipherFor(keyID)
	if err != nil {
		return nil, err
	}
	return cipher.Decrypt(ciphertext)
}

func (sm *SessionManager) cipherFor(keyID uuid.UUID) (crypto.Cipher, error) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	key, err := sm.usableKeyLocked(keyID)
	if err != nil {
		return nil, err
	}
	used := sm.now()
	key.UsedAt = &used
	return sm.ciphers[keyID], nil
}

// RevokeKey marks a key as inactive and drops its cipher
func (sm *SessionManager) RevokeKey(keyID uuid.UUID) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	key, exists := sm.keys[keyID]
	if !exists {
		return qkd.ErrKeyNotFound
	}

	key.IsActive = false
	delete(sm.ciphers, keyID)
	sm.logger.Info("key revoked", "key_id", keyID, "session_id", key.SessionID)
	return nil
}

// CleanupExpiredSessions removes expired sessions and keys and returns how
// many entries were removed.
func (sm *SessionManager) CleanupExpiredSessions() int {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	now := sm.now()
	removed := 0

	for id, session := range sm.sessions {
		if now.After(session.ExpiresAt) {
			delete(sm.sessions, id)
			removed++
		}
	}

	for id, key := range sm.keys {
		if now.After(key.ExpiresAt) {
			delete(sm.keys, id)
			delete(sm.ciphers, id)
			removed++
		}
	}

	if removed > 0 {
		sm.logger.V(1).Info("cleaned up expired entries", "removed", removed)
	}
	return removed
}

// Stats is a point-in-time view of the manager
type Stats struct {
	Sessions      int     `json:"sessions"`
	ActiveKeys    int     `json:"active_keys"`
	Estimates     int     `json:"estimates"`
	Detections    int     `json:"detections"`
	MeanErrorRate float64 `json:"mean_error_rate"`
}

// Stats counts stored sessions and keys and summarizes estimate history.
func (sm *SessionManager) Stats() Stats {
	sm.mutex.RLock()
	stats := Stats{Sessions: len(sm.sessions)}
	now := sm.now()
	for _, key := range sm.keys {
		if key.IsActive && !now.After(key.ExpiresAt) {
			stats.ActiveKeys++
		}
	}
	sm.mutex.RUnlock()

	stats.Estimates = len(sm.detector.History())
	stats.Detections = sm.detector.Detections()
	stats.MeanErrorRate = sm.detector.MeanErrorRate()
	return stats
}
