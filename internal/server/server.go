// Package server exposes RC interfaces over HTTP while driving them.
//
// Routes:
//   - /metrics: Prometheus metrics
//   - /caps: capability report of every interface (JSON, or YAML with ?format=yaml)
//   - /healthz: health status, 503 once an interface failed
//   - /health/live: liveness probe
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/rcverbs/internal/health"
	"github.com/piwi3910/rcverbs/internal/progress"
	"github.com/piwi3910/rcverbs/internal/transport/rc"
)

// Config holds the server settings.
type Config struct {
	// Listen is the HTTP listen address
	Listen string
	// IdleRate paces the progress driver when idle
	IdleRate int
	// ShutdownTimeout bounds the HTTP graceful shutdown
	ShutdownTimeout time.Duration
}

// IfaceCaps is one entry of the /caps report.
type IfaceCaps struct {
	ID        string  `json:"id" yaml:"id"`
	Device    string  `json:"device" yaml:"device"`
	MaxInline int     `json:"max_inline" yaml:"max_inline"`
	Atomic    string  `json:"atomic_reply" yaml:"atomic_reply"`
	Attr      rc.Attr `json:"attr" yaml:"attr"`
}

// CapsOf reports the capabilities of iface.
func CapsOf(iface *rc.Iface) IfaceCaps {
	return IfaceCaps{
		ID:        iface.ID(),
		Device:    iface.Device().Name(),
		MaxInline: iface.MaxInline(),
		Atomic:    iface.AtomicReply().String(),
		Attr:      iface.Query(),
	}
}

// Server drives interfaces and serves their state.
type Server struct {
	cfg        Config
	ifaces     []*rc.Iface
	caps       []IfaceCaps
	checker    *health.Checker
	router     chi.Router
	httpServer *http.Server
	listener   net.Listener
}

// New creates a server for ifaces. The interfaces must not be used by the
// caller once Start runs.
func New(cfg Config, ifaces []*rc.Iface) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		ifaces:  ifaces,
		checker: health.NewChecker(),
	}

	// capabilities never change after creation
	for _, iface := range ifaces {
		s.caps = append(s.caps, CapsOf(iface))
		s.checker.Report(iface.ID(), nil)
	}

	s.setupRouter()

	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	healthHandler := health.NewHandler(s.checker)
	r.Get("/healthz", healthHandler.HealthHandler)
	r.Get("/health/live", healthHandler.LivenessHandler)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/caps", s.handleCaps)

	s.router = r
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Checker returns the health checker fed by the driver.
func (s *Server) Checker() *health.Checker { return s.checker }

// Addr returns the bound listen address once Start is running.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

func (s *Server) handleCaps(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "yaml" {
		w.Header().Set("Content-Type", "application/yaml")
		_ = yaml.NewEncoder(w).Encode(s.caps)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.caps)
}

// Listen binds the listen address. Start calls it when needed.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}

	s.listener = ln

	return nil
}

// Start serves HTTP and drives the interfaces until ctx is cancelled. A
// failed interface is reported unhealthy; the server keeps serving.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.drive(ctx)
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", s.listener.Addr().String()).Msg("Starting HTTP server")
		log.Info().Msg("Prometheus metrics available at /metrics")

		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error shutting down HTTP server")
		}

		return nil
	})

	return g.Wait()
}

func (s *Server) drive(ctx context.Context) {
	if len(s.ifaces) == 0 {
		return
	}

	d := &progress.Driver{Ifaces: s.ifaces, IdleRate: s.cfg.IdleRate}

	err := d.Run(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	// the driver has returned, so interface state is safe to read here
	for _, iface := range s.ifaces {
		if ifaceErr := iface.Err(); ifaceErr != nil {
			s.checker.Report(iface.ID(), ifaceErr)
		}
	}

	log.Error().Err(err).Msg("Progress driver stopped")
}
