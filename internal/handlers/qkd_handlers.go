package handlers

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jaskrrish/bb84sim/internal/models/qkd"
	qkdcore "github.com/jaskrrish/bb84sim/internal/qkd"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// QKDHandler manages QKD-related HTTP requests
type QKDHandler struct {
	sessionManager *qkdcore.SessionManager
	logger         logr.Logger
}

// NewQKDHandler creates a new QKD handler over a session manager
func NewQKDHandler(sm *qkdcore.SessionManager, logger logr.Logger) *QKDHandler {
	return &QKDHandler{
		sessionManager: sm,
		logger:         logger,
	}
}

// Register installs every route on mux.
func (h *QKDHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/", HomeHandler)
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/api/v1/qkd/health", h.HealthCheckHandler)
	mux.HandleFunc("/api/v1/qkd/session", h.EstablishSessionHandler)
	mux.HandleFunc("/api/v1/qkd/session/", h.GetSessionHandler)
	mux.HandleFunc("/api/v1/qkd/key/", h.handleKey)
}

// handleKey routes /api/v1/qkd/key/{id}[/encrypt|/decrypt]
func (h *QKDHandler) handleKey(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case strings.HasSuffix(path, "/encrypt"):
		h.EncryptHandler(w, r)
	case strings.HasSuffix(path, "/decrypt"):
		h.DecryptHandler(w, r)
	case r.Method == http.MethodDelete:
		h.RevokeKeyHandler(w, r)
	default:
		h.GetKeyHandler(w, r)
	}
}

// EstablishSessionHandler handles POST /api/v1/qkd/session
// Runs BB84 and, on success, returns the new key once
func (h *QKDHandler) EstablishSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req qkd.SessionCreateRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, key, err := h.sessionManager.EstablishKey(r.Context(), &req)
	if err != nil {
		if session == nil {
			h.fail(w, r, err)
			return
		}
		// The run happened and aborted; report it, never with a key.
		respondWithJSON(w, http.StatusConflict, qkd.SessionResponse{
			Session: session,
			Error:   err.Error(),
		})
		return
	}

	resp := keyResponse(key)
	resp.KeyHex = hex.EncodeToString(key.KeyMaterial)
	respondWithJSON(w, http.StatusCreated, qkd.SessionResponse{
		Session: session,
		Key:     resp,
	})
}

// GetSessionHandler handles GET /api/v1/qkd/session/{id}
func (h *QKDHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID, ok := pathID(w, r, "Invalid session ID")
	if !ok {
		return
	}

	session, err := h.sessionManager.GetSession(sessionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, qkd.SessionResponse{
		Session: session,
	})
}

// GetKeyHandler handles GET /api/v1/qkd/key/{id}
// Returns key metadata; key material is only disclosed on creation
func (h *QKDHandler) GetKeyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	keyID, ok := pathID(w, r, "Invalid key ID")
	if !ok {
		return
	}

	key, err := h.sessionManager.GetKey(keyID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, keyResponse(key))
}

// EncryptHandler handles POST /api/v1/qkd/key/{id}/encrypt
// Both message and result are base64
func (h *QKDHandler) EncryptHandler(w http.ResponseWriter, r *http.Request) {
	h.transform(w, r, h.sessionManager.Encrypt)
}

// DecryptHandler handles POST /api/v1/qkd/key/{id}/decrypt
func (h *QKDHandler) DecryptHandler(w http.ResponseWriter, r *http.Request) {
	h.transform(w, r, h.sessionManager.Decrypt)
}

func (h *QKDHandler) transform(w http.ResponseWriter, r *http.Request, op func(uuid.UUID, []byte) ([]byte, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	keyID, ok := pathID(w, r, "Invalid key ID")
	if !ok {
		return
	}

	var req qkd.MessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	input, err := base64.StdEncoding.DecodeString(req.Message)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Message must be base64")
		return
	}

	output, err := op(keyID, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, qkd.MessageResponse{
		KeyID:   keyID.String(),
		Message: base64.StdEncoding.EncodeToString(output),
	})
}

// RevokeKeyHandler handles DELETE /api/v1/qkd/key/{id}
func (h *QKDHandler) RevokeKeyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	keyID, ok := pathID(w, r, "Invalid key ID")
	if !ok {
		return
	}

	if err := h.sessionManager.RevokeKey(keyID); err != nil {
		h.fail(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{
		"message": "Key revoked successfully",
	})
}

// HealthCheckHandler handles GET /api/v1/qkd/health
// Reports service status, protocol defaults and detection history
func (h *QKDHandler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"service":  "Quantum Key Distribution",
		"protocol": "BB84",
		"version":  serviceVersion,
		"defaults": h.sessionManager.Defaults(),
		"stats":    h.sessionManager.Stats(),
	})
}

// pathID parses the UUID at /api/v1/qkd/{kind}/{id}
func pathID(w http.ResponseWriter, r *http.Request, invalid string) (uuid.UUID, bool) {
	pathParts := strings.Split(r.URL.Path, "/")
	if len(pathParts) < 6 {
		respondWithError(w, http.StatusBadRequest, "Invalid URL format")
		return uuid.Nil, false
	}

	id, err := uuid.Parse(pathParts[5])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, invalid)
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody decodes a JSON body; an empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func keyResponse(key *qkd.QuantumKey) *qkd.KeyResponse {
	return &qkd.KeyResponse{
		KeyID:     key.KeyID.String(),
		SessionID: key.SessionID.String(),
		Mode:      key.Mode,
		KeyLength: key.KeyLength,
		ExpiresAt: key.ExpiresAt,
	}
}

// fail responds with the status for err, logging server-side failures.
func (h *QKDHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(err, "request failed", "method", r.Method, "path", r.URL.Path)
	} else {
		h.logger.V(1).Info("request rejected", "path", r.URL.Path, "status", status, "reason", err.Error())
	}
	respondWithError(w, status, err.Error())
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		cfgErr    *qkd.ConfigurationError
		exhausted *qkd.KeyExhaustionError
		cipherErr *qkd.CipherError
	)
	switch {
	case errors.As(err, &cfgErr), errors.Is(err, qkd.ErrInvalidTTL):
		return http.StatusBadRequest
	case errors.Is(err, qkd.ErrSessionNotFound), errors.Is(err, qkd.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, qkd.ErrKeyExpired), errors.Is(err, qkd.ErrKeyRevoked):
		return http.StatusGone
	case errors.As(err, &exhausted):
		return http.StatusUnprocessableEntity
	case errors.As(err, &cipherErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// respondWithError sends an error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
