// Package server builds the relay's HTTP router and its middleware chain.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server owns the router and the HTTP listener.
type Server struct {
	Router *chi.Mux
	Port   int

	logger      *slog.Logger
	corsOrigins []string
	limiter     *RateLimiter
	serviceName string
	httpServer  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithCORSOrigins allows browser clients from the given origins. "*" allows
// any origin.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// WithRateLimit enables per-client rate limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = NewRateLimiter(rps, burst)
		}
	}
}

// WithServiceName names the otelhttp server spans.
func WithServiceName(name string) Option {
	return func(s *Server) {
		s.serviceName = name
	}
}

// New creates a server with the middleware chain applied. Routes are added
// to Router by the caller.
func New(port int, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		Router:      chi.NewRouter(),
		Port:        port,
		logger:      logger,
		serviceName: "agent-relay",
	}
	for _, opt := range opts {
		opt(s)
	}

	r := s.Router
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	if len(s.corsOrigins) > 0 {
		r.Use(CORSMiddleware(s.corsOrigins))
	}
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, s.serviceName)
	})

	// Streaming routes run as long as the turn does, so no request timeout
	// is applied here; the coordinator's stream timeout bounds them.
	return s
}

// Start serves until ctx is cancelled, then drains in-flight requests for up
// to the grace period.
func (s *Server) Start(ctx context.Context, grace time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.limiter != nil {
		go s.pruneLimiter(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.Int("port", s.Port))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}

func (s *Server) pruneLimiter(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Prune(); n > 0 {
				s.logger.Debug("pruned rate limiters", slog.Int("count", n))
			}
		}
	}
}
