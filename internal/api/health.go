package api

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports whether the backing datastore is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthOut struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
	Mode   string    `json:"mode"`
}

// health handles GET /health. Mode names the active LLM backend.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthOut{
		Status: "ok",
		Time:   time.Now().UTC(),
		Mode:   s.mode,
	}, s.logger)
}

// ready handles GET /ready. It fails when the database is unreachable
// so load balancers can pull the instance out of rotation.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "not_ready", "database unreachable", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}
