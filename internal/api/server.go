package api

import (
	"net/http"

	"github.com/docstral/docstral/internal/log"
)

// ServerConfig carries the dependencies and settings for NewServer.
type ServerConfig struct {
	Logger log.Logger
	Auth   Authenticator
	Chats  ChatStore
	Turner Turner
	DB     Pinger

	// Mode names the active LLM backend, reported by /health.
	Mode string

	// CORSOrigins lists allowed origins. Empty disables CORS headers.
	CORSOrigins []string

	// TrustProxy enables X-Real-IP / X-Forwarded-For for client IPs.
	TrustProxy bool

	// RatePerSecond and RateBurst configure the per-IP limiter.
	// Zero values fall back to 10 req/s with a burst of 30.
	RatePerSecond float64
	RateBurst     int
}

// Server is the HTTP front of docstral. All /api/v1 routes require a
// bearer token; /health and /ready are open for probes.
type Server struct {
	logger  log.Logger
	chats   ChatStore
	turner  Turner
	db      Pinger
	mode    string
	handler http.Handler
}

// NewServer builds the route table and middleware stack.
func NewServer(cfg ServerConfig) *Server {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 30
	}

	s := &Server{
		logger: cfg.Logger,
		chats:  cfg.Chats,
		turner: cfg.Turner,
		db:     cfg.DB,
		mode:   cfg.Mode,
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/auth/verify", s.verifyToken)
	api.HandleFunc("GET /api/v1/chats", s.listChats)
	api.HandleFunc("POST /api/v1/chats", s.createChat)
	api.HandleFunc("GET /api/v1/chats/{id}", s.getChat)
	api.HandleFunc("PUT /api/v1/chats/{id}", s.updateChat)
	api.HandleFunc("DELETE /api/v1/chats/{id}", s.deleteChat)
	api.HandleFunc("POST /api/v1/chats/{id}/stream", s.streamChat)

	limiter := newRateLimiter(cfg.RatePerSecond, cfg.RateBurst)

	var protected http.Handler = api
	protected = authMiddleware(cfg.Auth, cfg.Logger)(protected)
	protected = rateLimitMiddleware(limiter, cfg.TrustProxy, cfg.Logger)(protected)
	protected = corsMiddleware(cfg.CORSOrigins)(protected)
	protected = loggingMiddleware(cfg.Logger)(protected)
	protected = requestIDMiddleware()(protected)
	protected = recoveryMiddleware(cfg.Logger)(protected)

	// Probe endpoints bypass auth and rate limiting so orchestration
	// never gets throttled out of its own health checks.
	root := http.NewServeMux()
	root.HandleFunc("GET /health", s.health)
	root.HandleFunc("GET /ready", s.ready)
	root.Handle("/api/v1/", protected)

	s.handler = root
	return s
}

// Handler returns the fully assembled HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}
