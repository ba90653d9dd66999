package gstream

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// debugHandler serves the session introspection and fault injection routes:
//
//	GET  /debug/sessions             list every session
//	POST /debug/sessions/{id}/mute   silence a session without closing it
//	POST /debug/sessions/{id}/unmute restore a muted session
//	POST /debug/sessions/{id}/drop   close and forget a session
type debugHandler struct {
	log *slog.Logger

	srv *Server
}

func setDebugRoutes(log *slog.Logger, srv *Server, r *mux.Router) {
	h := debugHandler{
		log: log,
		srv: srv,
	}

	r.HandleFunc("/debug/sessions", h.HandleSessions).Methods("GET")
	r.HandleFunc("/debug/sessions/{id}/mute", h.muteHandler(true)).Methods("POST")
	r.HandleFunc("/debug/sessions/{id}/unmute", h.muteHandler(false)).Methods("POST")
	r.HandleFunc("/debug/sessions/{id}/drop", h.HandleDrop).Methods("POST")
}

func (h debugHandler) HandleSessions(w http.ResponseWriter, req *http.Request) {
	summaries, ok := h.srv.Sessions(req.Context())
	if !ok {
		h.log.Warn("Failed to list sessions; server shutting down", "route", "sessions")
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	if err := json.NewEncoder(w).Encode(summaries); err != nil {
		h.log.Warn("Failed to encode session list", "err", err)
	}
}

func (h debugHandler) muteHandler(muted bool) http.HandlerFunc {
	route := "mute"
	if !muted {
		route = "unmute"
	}

	return func(w http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]

		found, ok := h.srv.SetSessionMuted(req.Context(), id, muted)
		if !ok {
			h.log.Warn("Failed to set mute state; server shutting down", "route", route)
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}

		if !found {
			// This is fine from the server's perspective, no need to log.
			http.Error(w, "no such session", http.StatusNotFound)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func (h debugHandler) HandleDrop(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]

	found, ok := h.srv.DropSession(req.Context(), id)
	if !ok {
		h.log.Warn("Failed to drop session; server shutting down", "route", "drop")
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	if !found {
		// This is fine from the server's perspective, no need to log.
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
