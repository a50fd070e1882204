// Package server exposes a loaded application over HTTP: one-shot flow
// invocations as JSON, streaming invocations as server-sent events, plus
// health and metrics endpoints. Authentication is optional bearer-token
// verification against a JWKS endpoint.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qtype-ai/qtype/pkg/auth"
	"github.com/qtype-ai/qtype/pkg/logger"
	"github.com/qtype-ai/qtype/pkg/runtime"
	"github.com/qtype-ai/qtype/pkg/telemetry"
)

// Options configures the HTTP surface.
type Options struct {
	// Addr is the listen address. Defaults to ":8080".
	Addr string

	// Verifier guards the flow endpoints with bearer-token auth when set.
	Verifier *auth.Verifier

	// EnableMetrics mounts the Prometheus handler at /metrics.
	EnableMetrics bool

	// Logger, Telemetry, and Metrics. Telemetry and Metrics feed the
	// request middleware; either may be nil.
	Logger    *slog.Logger
	Telemetry *telemetry.Telemetry
	Metrics   *telemetry.Metrics
}

// Server serves one loaded runtime.
type Server struct {
	rt   *runtime.Runtime
	opts Options
	log  *slog.Logger
	mux  *chi.Mux
}

func New(rt *runtime.Runtime, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetLogger()
	}
	s := &Server{rt: rt, opts: opts, log: log}
	s.mux = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(telemetry.Middleware(s.opts.Telemetry, s.opts.Metrics))

	r.Get("/healthz", s.health)
	if s.opts.EnableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/flows", func(r chi.Router) {
		if s.opts.Verifier != nil {
			r.Use(s.opts.Verifier.Middleware)
		}
		r.Get("/", s.listFlows)
		r.Post("/{id}", s.runFlow)
		r.Post("/{id}/stream", s.streamFlow)
	})
	return r
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("server listening", "addr", s.opts.Addr, "app", s.rt.App().ID())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
