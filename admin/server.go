// Package admin serves the operational HTTP surface: replication status
// and prometheus metrics. Read-only; replication control stays with the
// process lifecycle.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/translicate/translicate/telemetry"
)

// Status is the payload of GET /status.
type Status struct {
	Streaming      bool   `json:"streaming"`
	LastAckedLSN   string `json:"last_acked_lsn"`
	LastAppliedDDL string `json:"last_applied_ddl_lsn"`
	BufferDepth    int    `json:"buffer_depth"`
}

// StatusProvider supplies a point-in-time replication status.
type StatusProvider interface {
	ReplicationStatus() Status
}

// Server is the admin HTTP listener.
type Server struct {
	httpServer *http.Server
}

// NewRouter builds the admin route tree.
func NewRouter(provider StatusProvider) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(provider.ReplicationStatus()); err != nil {
			log.Warn().Err(err).Msg("Failed to write status response")
		}
	})
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	return r
}

// NewServer builds the admin server on addr.
func NewServer(addr string, provider StatusProvider) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(provider),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.httpServer.Addr).Msg("Admin API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin API server failed")
		}
	}()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown admin server: %w", err)
	}
	return nil
}
