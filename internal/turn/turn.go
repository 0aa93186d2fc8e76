package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/agent-relay/internal/codec/events"
	"github.com/tjfontaine/agent-relay/internal/core/domain"
	"github.com/tjfontaine/agent-relay/internal/core/ports"
)

// ErrAlreadyStreamed is returned when Stream is called on a finished turn.
var ErrAlreadyStreamed = errors.New("turn already streamed")

// releaseTimeout bounds the store write made when a turn is released after
// its request context is gone.
const releaseTimeout = 5 * time.Second

const errUnresumableConsent = "agent requested consent without a resumable response id"

// Turn is one open run owned by the coordinator. The caller must either
// Stream it to completion or Close it.
type Turn struct {
	c       *Coordinator
	conv    *domain.Conversation
	mode    domain.RunMode
	stream  ports.RunStream
	span    trace.Span
	started time.Time

	recovered bool

	mu        sync.Mutex
	finished  bool
	outcome   domain.Outcome
	toolCalls int
	text      strings.Builder
}

// ConversationID returns the conversation this turn belongs to.
func (t *Turn) ConversationID() string { return t.conv.ID }

// Mode reports whether this is a start or a resume.
func (t *Turn) Mode() domain.RunMode { return t.mode }

// Recovered reports whether starting this turn reset a stale streaming turn.
func (t *Turn) Recovered() bool { return t.recovered }

// Stream forwards the run's events to emit in upstream order, stopping after
// the first terminal event. The conversation record is updated before the
// terminal event is emitted, so a client reacting to a consent request always
// finds it stored.
//
// If emit fails or ctx ends before a terminal event, the turn is released to
// idle and OutcomeAbandoned is returned with the cause.
func (t *Turn) Stream(ctx context.Context, emit func(events.Event) error) (domain.Outcome, error) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return t.outcome, ErrAlreadyStreamed
	}
	t.mu.Unlock()

	defer t.stream.Close()

	results := t.stream.Events()
	for {
		var (
			res events.Result
			ok  bool
		)
		select {
		case <-ctx.Done():
			t.abandon(ctx.Err().Error())
			return domain.OutcomeAbandoned, ctx.Err()
		case res, ok = <-results:
		}

		var ev events.Event
		switch {
		case !ok:
			ev = events.RunErrored{Message: "upstream stream ended without a terminal event"}
		case res.Err != nil:
			ev = events.RunErrored{Message: res.Err.Error()}
		default:
			ev = res.Event
		}

		if !events.IsTerminal(ev) {
			t.observe(ev)
			if err := emit(ev); err != nil {
				t.abandon("emit failed: " + err.Error())
				return domain.OutcomeAbandoned, err
			}
			continue
		}

		ev, outcome := t.finish(ev)
		return outcome, emit(ev)
	}
}

// Close releases the turn if it has not finished. It is safe to call more
// than once and after Stream.
func (t *Turn) Close() error {
	t.abandon("closed before completion")
	return t.stream.Close()
}

func (t *Turn) observe(ev events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e := ev.(type) {
	case events.ToolStarted:
		t.toolCalls++
	case events.TextDelta:
		t.text.WriteString(e.Text)
	}
}

// finish persists the terminal transition and returns the event to emit.
func (t *Turn) finish(ev events.Event) (events.Event, domain.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A consent request without a response id can never be resumed; storing
	// it would hold the conversation until the consent TTL.
	if e, ok := ev.(events.ConsentRequired); ok && e.ResponseID == "" {
		t.c.logger.Warn("consent request without a response id; ending run",
			slog.String("conversation_id", t.conv.ID),
			slog.String("connection", e.ConnectionName))
		ev = events.RunErrored{Message: errUnresumableConsent}
	}

	var outcome domain.Outcome
	next := t.conv.Clone()
	next.StreamingSince = time.Time{}
	next.Pending = nil

	switch e := ev.(type) {
	case events.RunCompleted:
		outcome = domain.OutcomeCompleted
		next.State = domain.TurnStateIdle
		next.LastResponseID = e.ResponseID
		next.LastError = ""
	case events.ConsentRequired:
		outcome = domain.OutcomeInterrupted
		next.State = domain.TurnStateAwaitingConsent
		next.Pending = &domain.PendingConsent{
			ConsentURL:     e.ConsentURL,
			ConnectionName: e.ConnectionName,
			ResponseID:     e.ResponseID,
			CreatedAt:      t.c.now(),
		}
		next.LastError = ""
	case events.RunErrored:
		outcome = domain.OutcomeErrored
		next.State = domain.TurnStateIdle
		next.LastError = e.Message
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := t.c.store.CompareAndSwap(ctx, next, t.conv.Version); err != nil {
		// A newer turn recovered this conversation as stale; this run no
		// longer owns it.
		t.c.logger.Warn("turn lost ownership of conversation",
			slog.String("conversation_id", t.conv.ID),
			slog.String("error", err.Error()))
		ev = events.RunErrored{Message: "turn was superseded by a newer turn"}
		outcome = domain.OutcomeAbandoned
	}

	t.end(outcome, ev)
	return ev, outcome
}

// abandon releases an unfinished turn to idle, leaving lastResponseId as is.
func (t *Turn) abandon(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}

	next := t.conv.Clone()
	next.State = domain.TurnStateIdle
	next.Pending = nil
	next.StreamingSince = time.Time{}
	next.LastError = lastErrorAbandoned

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := t.c.store.CompareAndSwap(ctx, next, t.conv.Version); err != nil {
		t.c.logger.Warn("failed to release abandoned turn",
			slog.String("conversation_id", t.conv.ID),
			slog.String("error", err.Error()))
	}
	t.c.logger.Info("turn abandoned",
		slog.String("conversation_id", t.conv.ID),
		slog.String("reason", reason))

	t.end(domain.OutcomeAbandoned, nil)
}

// end records the outcome and closes the span. Callers hold t.mu.
func (t *Turn) end(outcome domain.Outcome, terminal events.Event) {
	t.finished = true
	t.outcome = outcome

	outputTokens := t.c.counter.Count(t.text.String())
	t.span.SetAttributes(
		attribute.String("relay.outcome", string(outcome)),
		attribute.Int("relay.tool_calls", t.toolCalls),
		attribute.Int("relay.output_tokens", outputTokens),
	)
	if e, ok := terminal.(events.RunErrored); ok {
		t.span.SetStatus(codes.Error, e.Message)
	}
	t.span.End()

	attrs := []any{
		slog.String("conversation_id", t.conv.ID),
		slog.String("run_mode", string(t.mode)),
		slog.String("outcome", string(outcome)),
		slog.Int("tool_calls", t.toolCalls),
		slog.Int("output_tokens", outputTokens),
		slog.Duration("duration", t.c.now().Sub(t.started)),
	}
	if e, ok := terminal.(events.ConsentRequired); ok {
		// Never log the consent link.
		attrs = append(attrs,
			slog.String("connection", e.ConnectionName),
			slog.String("response_id", e.ResponseID))
	}
	if e, ok := terminal.(events.RunCompleted); ok {
		attrs = append(attrs, slog.String("response_id", e.ResponseID))
	}
	t.c.logger.Info("turn finished", attrs...)
}
