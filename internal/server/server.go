package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/streamvault/streamvault/internal/logx"
	"github.com/streamvault/streamvault/internal/stream"
)

// Server owns the HTTP surface: the stream gateway plus health and metrics.
type Server struct {
	http  *http.Server
	ready func() bool
	log   zerolog.Logger
}

func New(addr string, gateway *stream.Gateway, ready func() bool) *Server {
	log := logx.Get("http_server")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(log))
	r.Use(metricsMiddleware)

	s := &Server{ready: ready, log: log}
	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	gateway.Register(r)

	s.http = &http.Server{
		Addr:    addr,
		Handler: r,
		// No WriteTimeout: streams legitimately run for hours.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.http.Addr).Msg("HTTP server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("error running HTTP server: %v", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info().Msg("Shutting down HTTP server")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error shutting down HTTP server: %v", err)
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"Online","service":"StreamVault"}`)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.ready != nil && !s.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"degraded","platform":"disconnected"}`)
		return
	}
	fmt.Fprint(w, `{"status":"ok"}`)
}
