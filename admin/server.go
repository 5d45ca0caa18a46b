package admin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/repubsub/store"
	"github.com/maxpert/repubsub/telemetry"
)

// Server serves the admin API, pprof and optionally Prometheus metrics on
// a single port
type Server struct {
	addr   string
	server *http.Server
}

// NewServer builds the admin HTTP server over the given store
func NewServer(addr string, st store.Store, nodeID uint64) *Server {
	mux := http.NewServeMux()

	// Register pprof handlers for profiling
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// Optionally add metrics handler
	if h := telemetry.GetMetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	RegisterRoutes(mux, NewAdminHandlers(st, nodeID))

	return &Server{
		addr:   addr,
		server: &http.Server{Handler: mux},
	}
}

// Start listens and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	log.Info().Str("address", s.addr).Msg("Starting admin HTTP server")

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin HTTP server failed")
		}
	}()

	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping admin HTTP server")
	return s.server.Shutdown(ctx)
}
