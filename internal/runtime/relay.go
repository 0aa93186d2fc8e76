// Package runtime assembles a runnable relay: configuration, conversation
// store, agent runtime client, turn coordinator and HTTP server.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tjfontaine/agent-relay/internal/core/ports"
	"github.com/tjfontaine/agent-relay/internal/frontdoor"
	"github.com/tjfontaine/agent-relay/internal/frontdoor/chat"
	"github.com/tjfontaine/agent-relay/internal/pkg/config"
	"github.com/tjfontaine/agent-relay/internal/server"
	"github.com/tjfontaine/agent-relay/internal/storage"
	"github.com/tjfontaine/agent-relay/internal/tokens"
	"github.com/tjfontaine/agent-relay/internal/turn"
)

const (
	shutdownGrace = 15 * time.Second
	sweepInterval = 5 * time.Minute
)

// Relay is the main entry point for running the relay. It can be embedded
// in a larger application through Handler, or run standalone with Start and
// Shutdown.
type Relay struct {
	// Dependencies (injected via options)
	cfg     *config.Config
	store   ports.ConversationStore
	agent   ports.AgentRuntime
	logger  *slog.Logger
	version string

	coord  *turn.Coordinator
	server *server.Server

	// Lifecycle management
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// New creates a Relay. Without WithConfig or WithFileConfig the
// configuration is loaded from config.yaml and the environment; without
// WithStore or WithAgentRuntime they are built from it.
func New(opts ...Option) (*Relay, error) {
	r := &Relay{
		logger:  slog.Default(),
		version: "dev",
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if r.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		r.cfg = cfg
	}

	if r.agent == nil {
		agent, err := newAgentRuntime(r.cfg.Agent, r.logger)
		if err != nil {
			return nil, err
		}
		r.agent = agent
	}

	if r.store == nil {
		store, err := storage.Open(context.Background(), r.cfg.Storage)
		if err != nil {
			return nil, err
		}
		r.store = store
		r.logger.Info("conversation store opened", slog.String("type", r.cfg.Storage.Type))
	}

	r.coord = turn.New(r.store, r.agent,
		turn.WithLogger(r.logger),
		turn.WithStreamTimeout(r.cfg.Turn.StreamTimeout),
		turn.WithConsentTTL(r.cfg.Turn.ConsentTTL),
		turn.WithTokenCounter(tokens.NewTiktokenCounter("")),
	)

	serviceName := r.cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = "agent-relay"
	}
	r.server = server.New(r.cfg.Server.Port, r.logger,
		server.WithCORSOrigins(r.cfg.Server.CORSOrigins),
		server.WithRateLimit(r.cfg.Server.RateLimit.RPS, r.cfg.Server.RateLimit.Burst),
		server.WithServiceName(serviceName),
	)
	frontdoor.Mount(r.server.Router, chat.NewHandler(r.coord, r.logger, serviceName, r.version).Routes(), r.logger)

	return r, nil
}

// Handler returns the relay's HTTP handler with all middleware applied.
func (r *Relay) Handler() http.Handler {
	return r.server.Router
}

// Coordinator returns the turn coordinator.
func (r *Relay) Coordinator() *turn.Coordinator {
	return r.coord
}

// Start begins serving in the background. Listener failures are reported on
// Done.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return errors.New("relay already started")
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan error, 1)

	go storage.RunSweeper(ctx, r.store, r.cfg.Storage.Retention, sweepInterval, r.logger)
	go func() {
		defer close(r.done)
		if err := r.server.Start(ctx, shutdownGrace); err != nil {
			r.done <- err
		}
	}()

	r.logger.Info("relay started",
		slog.Int("port", r.cfg.Server.Port),
		slog.String("storage", r.cfg.Storage.Type),
		slog.String("version", r.version))
	return nil
}

// Done is closed when the server stops. It carries the listener error, if
// any.
func (r *Relay) Done() <-chan error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Shutdown stops the server, waits for in-flight streams to drain (bounded
// by ctx) and closes the store.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	r.logger.Info("shutting down relay")

	var serverErr error
	if cancel != nil {
		cancel()
		select {
		case serverErr = <-done:
		case <-ctx.Done():
			serverErr = ctx.Err()
		}
	}

	if err := r.store.Close(); err != nil {
		r.logger.Error("failed to close store", slog.String("error", err.Error()))
	}

	r.logger.Info("relay shutdown complete")
	return serverErr
}
