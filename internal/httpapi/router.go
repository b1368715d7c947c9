package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/collabdraw/docsync/internal/engine"
	"github.com/collabdraw/docsync/internal/live"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	Push *engine.Processor
	Pull *engine.Differ
	Live *live.Registry
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes a JSON error body. The request's correlation ID is
// included so a client can quote it when reporting the failure.
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	body := map[string]string{"error": msg}
	if id := GetCorrelationID(r.Context()); id != "" {
		body["correlation_id"] = id
	}
	writeJSON(w, code, body)
}

// Routes creates the HTTP router with all sync endpoints
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Recoverer)

	// Health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	// Sync protocol
	r.Post("/push", s.HandlePush)
	r.Post("/pull", s.HandlePull)
	r.Get("/pull", s.HandlePull)

	// Live connection (poke channel, optionally mirrors push/pull)
	r.Get("/ws/d/{docID}", s.HandleSocket)

	log.Info().Msg("HTTP routes registered")
	return r
}
