package ports

import (
	"context"

	"github.com/tjfontaine/agent-relay/internal/codec/events"
	"github.com/tjfontaine/agent-relay/internal/core/domain"
)

// RunRequest is one upstream agent invocation. A start carries UserMessage
// and, after the first turn, PreviousResponseID. A resume carries only
// PreviousResponseID.
type RunRequest struct {
	Mode               domain.RunMode
	UserMessage        string
	PreviousResponseID string
}

// RunStream is an open upstream run. Events arrive in upstream order; the
// channel closes after the run's terminal event or when the stream ends.
type RunStream interface {
	Events() <-chan events.Result
	// Close abandons the upstream connection. It is safe to call more than
	// once.
	Close() error
}

// AgentRuntime opens streamed agent runs. An error from StartRun means no
// event was received (transport failure); application failures arrive as
// events.RunErrored inside the stream.
type AgentRuntime interface {
	StartRun(ctx context.Context, req RunRequest) (RunStream, error)
}
