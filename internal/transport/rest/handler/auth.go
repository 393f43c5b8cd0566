package handler

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"codeground/internal/merr"
	"codeground/internal/model"
	"codeground/internal/service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authSvc *service.AuthService
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authSvc *service.AuthService) *AuthHandler {
	return &AuthHandler{authSvc: authSvc}
}

// IssueToken handles POST /v1/sessions/{id}/token
func (h *AuthHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	if h.authSvc == nil || !h.authSvc.Enabled() {
		writeError(w, http.StatusNotFound, "participant tokens are disabled")
		return
	}

	var req model.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.authSvc.GenerateParticipantToken(mux.Vars(r)["id"], req.Username)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, merr.ErrInvalidSession), errors.Is(err, merr.ErrInvalidUsername):
		return http.StatusBadRequest
	case errors.Is(err, merr.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, merr.ErrPersistenceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Helper functions
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
