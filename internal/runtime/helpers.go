package runtime

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tjfontaine/agent-relay/internal/backend/foundry"
	"github.com/tjfontaine/agent-relay/internal/core/ports"
	"github.com/tjfontaine/agent-relay/internal/pkg/config"
)

// newAgentRuntime builds the Foundry client from agent config. The timeout
// bounds connecting and waiting for response headers; streams themselves
// are bounded by the coordinator.
func newAgentRuntime(cfg config.AgentConfig, logger *slog.Logger) (ports.AgentRuntime, error) {
	if cfg.Endpoint == "" || cfg.AgentID == "" {
		return nil, errors.New("agent.endpoint and agent.agent_id must be set (or PROJECT_ENDPOINT and AGENT_ID)")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	transport.ResponseHeaderTimeout = timeout

	return foundry.NewClient(cfg.Endpoint, cfg.AgentID, cfg.APIKey,
		foundry.WithHTTPClient(&http.Client{Transport: transport}),
		foundry.WithAPIVersion(cfg.APIVersion),
		foundry.WithLogger(logger),
	), nil
}
