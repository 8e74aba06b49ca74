package httpsession

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/whisper/kvsessions/internal/session"
)

// sessionView is the JSON form of a session returned by the routes.
type sessionView struct {
	ID                 string         `json:"id"`
	NodeID             string         `json:"node_id"`
	New                bool           `json:"new"`
	CreatedAt          time.Time      `json:"created_at"`
	LastAccessedAt     time.Time      `json:"last_accessed_at"`
	MaxInactiveSeconds int64          `json:"max_inactive_seconds"`
	Attributes         map[string]any `json:"attributes"`
}

func viewOf(s *session.Session) sessionView {
	attrs := make(map[string]any)
	for _, name := range s.AttributeNames() {
		v, _ := s.Attribute(name)
		attrs[name] = v
	}
	return sessionView{
		ID:                 s.ID(),
		NodeID:             s.NodeID(),
		New:                s.IsNew(),
		CreatedAt:          s.CreatedAt(),
		LastAccessedAt:     s.LastAccessedAt(),
		MaxInactiveSeconds: int64(s.MaxInactiveInterval() / time.Second),
		Attributes:         attrs,
	}
}

// Routes returns the session API of one context, wrapped in mw:
//
//	GET    /session                    current session
//	PUT    /session/attributes/{name}  set attribute from JSON body
//	DELETE /session/attributes/{name}  remove attribute
//	PUT    /session/max-inactive       set idle timeout, body {"seconds": n}
//	POST   /session/renew              move the session to a new id
//	POST   /session/invalidate         end the session everywhere
func Routes(mw *Middleware) http.Handler {
	h := &handlers{mgr: mw.mgr}
	r := chi.NewRouter()
	r.Use(mw.Wrap)

	r.Get("/session", h.show)
	r.Put("/session/attributes/{name}", h.setAttribute)
	r.Delete("/session/attributes/{name}", h.removeAttribute)
	r.Put("/session/max-inactive", h.setMaxInactive)
	r.Post("/session/renew", h.renew)
	r.Post("/session/invalidate", h.invalidate)
	return r
}

type handlers struct {
	mgr *session.Manager
}

func current(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, ok := FromContext(r.Context())
	if !ok {
		http.Error(w, "no session", http.StatusInternalServerError)
	}
	return s, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handlers) show(w http.ResponseWriter, r *http.Request) {
	s, ok := current(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s))
}

func (h *handlers) setAttribute(w http.ResponseWriter, r *http.Request) {
	s, ok := current(w, r)
	if !ok {
		return
	}
	var value any
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.SetAttribute(chi.URLParam(r, "name"), value); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s))
}

func (h *handlers) removeAttribute(w http.ResponseWriter, r *http.Request) {
	s, ok := current(w, r)
	if !ok {
		return
	}
	if err := s.RemoveAttribute(chi.URLParam(r, "name")); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) setMaxInactive(w http.ResponseWriter, r *http.Request) {
	s, ok := current(w, r)
	if !ok {
		return
	}
	var body struct {
		Seconds int `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.SetMaxInactiveInterval(time.Duration(body.Seconds) * time.Second); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s))
}

func (h *handlers) renew(w http.ResponseWriter, r *http.Request) {
	s, ok := current(w, r)
	if !ok {
		return
	}
	if err := h.mgr.Renew(r.Context(), s, requestSeed(r)); err != nil {
		http.Error(w, "renew failed", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s))
}

func (h *handlers) invalidate(w http.ResponseWriter, r *http.Request) {
	s, ok := current(w, r)
	if !ok {
		return
	}
	s.Invalidate(r.Context())
	w.WriteHeader(http.StatusNoContent)
}
