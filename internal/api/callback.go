package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	internalTokenHeader     = "X-Internal-Token"
	callbackHashIterations  = 120000
	callbackHashKeyLength   = 32
	callbackDerivationScope = "opqo-media/encode-callback"
)

// CallbackVerifier holds only a derived digest of the shared callback
// secret, never the secret itself, and compares candidates in constant
// time.
type CallbackVerifier struct {
	digest []byte
}

// NewCallbackVerifier derives the comparison digest for the shared secret.
// An empty secret yields a nil verifier, which disables the callback route.
func NewCallbackVerifier(secret string) *CallbackVerifier {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	derived := pbkdf2.Key([]byte(secret), []byte(callbackDerivationScope), callbackHashIterations, callbackHashKeyLength, sha256.New)
	return &CallbackVerifier{digest: derived}
}

// Verify reports whether the presented token matches the configured secret.
func (v *CallbackVerifier) Verify(token string) bool {
	if v == nil || len(v.digest) == 0 {
		return false
	}
	candidate := pbkdf2.Key([]byte(strings.TrimSpace(token)), []byte(callbackDerivationScope), callbackHashIterations, callbackHashKeyLength, sha256.New)
	return subtle.ConstantTimeCompare(candidate, v.digest) == 1
}

type encodeCompleteRequest struct {
	VideoID string `json:"videoId"`
	Target  string `json:"target"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// EncodeComplete handles POST /internal/v1/encodes/complete, the signal an
// external encoder fleet sends when one rendition finishes.
func (h *Handler) EncodeComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if h.Callback == nil {
		WriteError(w, http.StatusNotFound, fmt.Errorf("encode callback is not configured"))
		return
	}
	if !h.Callback.Verify(r.Header.Get(internalTokenHeader)) {
		WriteError(w, http.StatusUnauthorized, fmt.Errorf("invalid internal token"))
		return
	}

	var req encodeCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}
	var succeeded bool
	switch strings.ToLower(strings.TrimSpace(req.Status)) {
	case "succeeded":
		succeeded = true
	case "failed":
		succeeded = false
	default:
		WriteError(w, http.StatusBadRequest, fmt.Errorf("status must be succeeded or failed"))
		return
	}
	if strings.TrimSpace(req.VideoID) == "" || strings.TrimSpace(req.Target) == "" {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("videoId and target are required"))
		return
	}

	if err := h.Pipeline.HandleEncodeCompletion(r.Context(), req.VideoID, req.Target, succeeded, req.Message); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"videoId": req.VideoID, "target": req.Target, "status": "accepted"})
}
