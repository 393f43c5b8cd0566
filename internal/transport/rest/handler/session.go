package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"codeground/internal/model"
	"codeground/internal/registry"
	"codeground/internal/transport/rest/middleware"
)

// SnapshotStore reads and deletes persisted snapshots of sessions that are
// not live.
type SnapshotStore interface {
	Load(ctx context.Context, sessionID string) (*model.Snapshot, error)
	Delete(ctx context.Context, sessionID string) error
}

// SessionHandler exposes read-only views of sessions
type SessionHandler struct {
	registry *registry.Registry
	loader   SnapshotStore
	log      *zap.Logger
}

// NewSessionHandler creates a new session handler. loader may be nil.
func NewSessionHandler(reg *registry.Registry, loader SnapshotStore, log *zap.Logger) *SessionHandler {
	return &SessionHandler{
		registry: reg,
		loader:   loader,
		log:      log,
	}
}

// SessionResponse is a session snapshot plus where it was read from
type SessionResponse struct {
	model.Snapshot
	Live bool `json:"live"`
}

// List handles GET /v1/sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Summaries())
}

// Get handles GET /v1/sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := registry.ValidateSessionID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if snap, ok := h.registry.Snapshot(id); ok {
		writeJSON(w, http.StatusOK, SessionResponse{Snapshot: snap, Live: true})
		return
	}

	if h.loader == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	snap, err := h.loader.Load(r.Context(), id)
	if err != nil {
		h.log.Error("snapshot load failed", zap.String("session", id), zap.Error(err))
		writeError(w, statusFor(err), "failed to load session")
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	snap.Participants = []model.Participant{}
	writeJSON(w, http.StatusOK, SessionResponse{Snapshot: *snap})
}

// Delete handles DELETE /v1/sessions/{id}. Live sessions cannot be deleted.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := registry.ValidateSessionID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.registry.Exists(id) {
		writeError(w, http.StatusConflict, "session is live")
		return
	}
	if h.loader == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	if err := h.loader.Delete(r.Context(), id); err != nil {
		h.log.Error("snapshot delete failed", zap.String("session", id), zap.Error(err))
		writeError(w, statusFor(err), "failed to delete session")
		return
	}
	h.log.Info("archived session deleted",
		zap.String("session", id),
		zap.String("by", middleware.GetUsername(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}
