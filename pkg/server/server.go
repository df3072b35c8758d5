// Package server hosts the HTTP listener and the /admin/* introspection
// surface. It dispatches proxy traffic to the pipeline and admin traffic to
// its own router table.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tinkermonkey/apibuddy/pkg/config"
	"github.com/tinkermonkey/apibuddy/pkg/logging"
	"github.com/tinkermonkey/apibuddy/pkg/monitoring"
	"github.com/tinkermonkey/apibuddy/pkg/pipeline"
	"github.com/tinkermonkey/apibuddy/pkg/telemetry"
)

// Server wraps net/http.Server with the proxy/admin split and graceful
// shutdown: Start spawns an acceptor goroutine when non-blocking, Stop
// unblocks Accept and waits for in-flight handlers.
type Server struct {
	cfg      *config.Config
	pipeline pipeline.Handler
	facade   *monitoring.Facade
	logger   *logging.Logger
	metrics  *telemetry.Metrics

	limiter *adminLimiter

	httpServer *http.Server
	wg         sync.WaitGroup
}

// New wires a Server from its components. facade may be nil if admin is
// disabled. metrics may be nil if telemetry is disabled.
func New(cfg *config.Config, p pipeline.Handler, facade *monitoring.Facade, logger *logging.Logger, metrics *telemetry.Metrics) *Server {
	s := &Server{
		cfg:      cfg,
		pipeline: p,
		facade:   facade,
		logger:   logger,
		metrics:  metrics,
	}

	if cfg.Admin.Enabled {
		s.limiter = newAdminLimiter(cfg.Admin.RateLimitPerMinute)
	}

	mux := http.NewServeMux()
	s.registerAdminRoutes(mux)
	mux.HandleFunc("/", s.handleProxy)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	s.wg.Add(1)
	defer s.wg.Done()

	result := s.pipeline.Handle(r.Context(), r)
	writeResult(w, result)
}

func writeResult(w http.ResponseWriter, result pipeline.Result) {
	header := w.Header()
	for k, vv := range result.Headers {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	w.WriteHeader(result.Status)
	if len(result.Body) > 0 {
		_, _ = w.Write(result.Body)
	}
}

// Start begins serving. If blocking is false, it spawns an acceptor
// goroutine and returns immediately; if true, it blocks until Stop is
// called (or the listener fails).
func (s *Server) Start(blocking bool) error {
	serve := func() error {
		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}

	if !blocking {
		go func() {
			if err := serve(); err != nil && s.logger != nil {
				s.logger.Error("server stopped unexpectedly", "error", err)
			}
		}()
		return nil
	}
	return serve()
}

// Stop closes the listen socket and then waits for in-flight requests to
// finish (or ctx to end). It does not cancel in-flight pipelines.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	s.wg.Wait()
	return nil
}
