package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SetupRoutes wires the WebSocket subscription endpoint and a registry
// inspection endpoint behind chi's router plus LoggingMiddleware, following
// the teacher's internal/api/routes.go shape.
func (s *Server) SetupRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/live", s.handleLiveQueries)
	})
	r.Get("/ws", s.HandleWS)

	return r
}

// handleLiveQueries reports every currently registered live query, adapted
// from the teacher's internal/api/live.go.
func (s *Server) handleLiveQueries(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	entries := s.Reg.Snapshot()
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{"id": e.ID, "tableOrdinal": e.TableOrdinal})
	}
	_ = json.NewEncoder(w).Encode(out)
}
