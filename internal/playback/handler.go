package playback

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the manager to the hosting UI over HTTP using go-chi.
type Handler struct {
	mgr *Manager
	log *slog.Logger
}

// NewHandler returns a Handler for mgr.
func NewHandler(mgr *Manager, log *slog.Logger) *Handler {
	return &Handler{mgr: mgr, log: log}
}

// Routes mounts the session endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Post("/", h.CreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Put("/", h.ReplaceSession)
			r.Delete("/", h.RemoveSession)
			r.Post("/retry", h.action((*Manager).Retry))
			r.Post("/reconnect", h.action((*Manager).Reconnect))
			r.Post("/play", h.action((*Manager).Play))
			r.Post("/pause", h.action((*Manager).Pause))
		})
	})
}

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.ListSessions())
}

// GetSession handles GET /sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.mgr.Session(chi.URLParam(r, "id"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.Summary())
}

// CreateSession handles POST /sessions with a StreamDescriptor body.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var d StreamDescriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		h.log.Debug("invalid descriptor body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s, err := h.mgr.CreateSession(d)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.Summary())
}

// ReplaceSession handles PUT /sessions/{id}: destroy-then-create with the
// body's descriptor. The path id wins over any id in the body.
func (h *Handler) ReplaceSession(w http.ResponseWriter, r *http.Request) {
	var d StreamDescriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	d.ID = chi.URLParam(r, "id")

	s, err := h.mgr.ReplaceSession(d)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Summary())
}

// RemoveSession handles DELETE /sessions/{id}. Unknown ids still get 204.
func (h *Handler) RemoveSession(w http.ResponseWriter, r *http.Request) {
	h.mgr.RemoveSession(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) action(op func(*Manager, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := op(h.mgr, id); err != nil {
			h.writeError(w, err)
			return
		}
		s, ok := h.mgr.Session(id)
		if !ok {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeJSON(w, http.StatusAccepted, s.Summary())
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidDescriptor):
		status = http.StatusBadRequest
	case errors.Is(err, ErrDuplicateID), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrSessionDestroyed):
		status = http.StatusConflict
	case errors.Is(err, ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrManagerClosed):
		status = http.StatusServiceUnavailable
	default:
		h.log.Error("session request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
