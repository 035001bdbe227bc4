package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ignite/segment-engine/internal/config"
)

// Server represents the API server
type Server struct {
	config   config.ServerConfig
	handler  http.Handler
	segments *SegmentHandlers
	server   *http.Server
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, rt Routes) *Server {
	return &Server{
		config:   cfg,
		handler:  SetupRoutes(cfg, rt),
		segments: rt.Segments,
	}
}

// ListenAndServe starts the HTTP server. WriteTimeout stays zero so SSE
// streams are not cut off; recalculations with ?wait=true are bounded by the
// engine's phase timeouts instead.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests and then cancels background
// recalculations started by the API.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	if s.segments != nil {
		s.segments.Close()
	}
	return err
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
