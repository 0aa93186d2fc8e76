package runtime

import (
	"fmt"
	"log/slog"

	"github.com/tjfontaine/agent-relay/internal/core/ports"
	"github.com/tjfontaine/agent-relay/internal/pkg/config"
)

// Option is a functional option for configuring a Relay.
type Option func(*Relay) error

// WithConfig uses an already loaded configuration.
func WithConfig(cfg *config.Config) Option {
	return func(r *Relay) error {
		if cfg == nil {
			return fmt.Errorf("config must not be nil")
		}
		r.cfg = cfg
		return nil
	}
}

// WithFileConfig loads configuration from path and the environment.
func WithFileConfig(path string) Option {
	return func(r *Relay) error {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		r.cfg = cfg
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) error {
		r.logger = logger
		return nil
	}
}

// WithStore sets the conversation store, overriding storage config. The
// relay closes it on Shutdown.
func WithStore(store ports.ConversationStore) Option {
	return func(r *Relay) error {
		r.store = store
		return nil
	}
}

// WithAgentRuntime sets the agent runtime, overriding agent config.
func WithAgentRuntime(agent ports.AgentRuntime) Option {
	return func(r *Relay) error {
		r.agent = agent
		return nil
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(version string) Option {
	return func(r *Relay) error {
		r.version = version
		return nil
	}
}
