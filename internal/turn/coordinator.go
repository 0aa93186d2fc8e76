// Package turn implements the per-conversation turn state machine: starting
// runs, pausing them on OAuth consent requests and resuming them from the
// stored response id.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/agent-relay/internal/core/domain"
	"github.com/tjfontaine/agent-relay/internal/core/ports"
	"github.com/tjfontaine/agent-relay/internal/tokens"
)

const (
	DefaultStreamTimeout = 10 * time.Minute
	DefaultConsentTTL    = time.Hour

	// maxTransitionAttempts bounds CAS retries for one transition.
	maxTransitionAttempts = 8

	lastErrorTimedOut  = "previous turn timed out"
	lastErrorAbandoned = "turn abandoned"
	lastErrorExpired   = "consent expired"
)

// Coordinator owns conversation records and drives agent runs against them.
// Every state change is a compare-and-swap on the store, so concurrent
// requests for one conversation resolve to a single winner.
type Coordinator struct {
	store   ports.ConversationStore
	runtime ports.AgentRuntime
	logger  *slog.Logger
	tracer  trace.Tracer
	counter tokens.Counter

	streamTimeout time.Duration
	consentTTL    time.Duration
	now           func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithStreamTimeout sets how long a conversation may stay streaming before a
// new turn is allowed to take it over.
func WithStreamTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.streamTimeout = d
		}
	}
}

// WithConsentTTL sets how long a pending consent stays resumable.
func WithConsentTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.consentTTL = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithTokenCounter sets the counter used for the output-token span attribute.
func WithTokenCounter(counter tokens.Counter) Option {
	return func(c *Coordinator) {
		c.counter = counter
	}
}

// New creates a coordinator.
func New(store ports.ConversationStore, runtime ports.AgentRuntime, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:         store,
		runtime:       runtime,
		logger:        slog.Default(),
		tracer:        otel.Tracer("agent-relay/turn"),
		counter:       tokens.Estimator{},
		streamTimeout: DefaultStreamTimeout,
		consentTTL:    DefaultConsentTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartTurn begins a new turn with a user message. It fails with
// ConflictingTurn while a consent is pending and TurnInProgress while another
// run is streaming.
func (c *Coordinator) StartTurn(ctx context.Context, conversationID, userMessage string) (*Turn, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, domain.ErrInvalidRequest("conversationId is required")
	}
	if strings.TrimSpace(userMessage) == "" {
		return nil, domain.ErrInvalidRequest("userMessage must not be empty")
	}

	var (
		prev      *domain.Conversation
		next      *domain.Conversation
		recovered bool
	)
	err := c.transition(ctx, conversationID, func(conv *domain.Conversation) (*domain.Conversation, error) {
		now := c.now()
		recovered = false
		lastError := ""

		switch conv.State {
		case domain.TurnStateAwaitingConsent:
			if !c.consentExpired(conv, now) {
				return nil, domain.ErrConflictingTurn("conversation is awaiting OAuth consent; continue or wait for it to expire")
			}
			c.logger.Info("abandoning expired consent",
				slog.String("conversation_id", conv.ID),
				slog.String("response_id", conv.Pending.ResponseID))
		case domain.TurnStateStreaming:
			if now.Sub(conv.StreamingSince) <= c.streamTimeout {
				return nil, domain.ErrTurnInProgress("a turn is already streaming for this conversation")
			}
			recovered = true
			lastError = lastErrorTimedOut
			c.logger.Warn("recovering stale streaming turn",
				slog.String("conversation_id", conv.ID),
				slog.Time("streaming_since", conv.StreamingSince))
		}

		prev = conv
		next = conv.Clone()
		next.State = domain.TurnStateStreaming
		next.Pending = nil
		next.StreamingSince = now
		next.LastError = lastError
		return next, nil
	})
	if err != nil {
		return nil, err
	}

	req := ports.RunRequest{
		Mode:               domain.RunModeStart,
		UserMessage:        userMessage,
		PreviousResponseID: prev.LastResponseID,
	}
	t, err := c.open(ctx, next, req, func(cur *domain.Conversation) {
		cur.State = domain.TurnStateIdle
		cur.StreamingSince = time.Time{}
	})
	if err != nil {
		return nil, err
	}
	t.recovered = recovered
	return t, nil
}

// ResumeTurn continues the run paused on the conversation's pending consent.
// The upstream request carries only the stored response id.
func (c *Coordinator) ResumeTurn(ctx context.Context, conversationID string) (*Turn, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, domain.ErrInvalidRequest("conversationId is required")
	}

	var (
		pending domain.PendingConsent
		next    *domain.Conversation
		expired bool
	)
	err := c.transition(ctx, conversationID, func(conv *domain.Conversation) (*domain.Conversation, error) {
		now := c.now()
		expired = false
		if conv.State != domain.TurnStateAwaitingConsent || conv.Pending == nil || conv.Pending.ResponseID == "" {
			return nil, domain.ErrNoPendingConsent("no pending consent to continue")
		}

		next = conv.Clone()
		if c.consentExpired(conv, now) {
			expired = true
			next.State = domain.TurnStateIdle
			next.Pending = nil
			next.LastError = lastErrorExpired
			return next, nil
		}

		// The pending consent is cleared before the upstream call so a second
		// resume cannot pass this check.
		pending = *conv.Pending
		next.State = domain.TurnStateStreaming
		next.Pending = nil
		next.StreamingSince = now
		next.LastError = ""
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		c.logger.Info("pending consent expired",
			slog.String("conversation_id", conversationID))
		return nil, domain.ErrConsentExpired("pending consent has expired; start a new turn")
	}

	req := ports.RunRequest{
		Mode:               domain.RunModeResume,
		PreviousResponseID: pending.ResponseID,
	}
	return c.open(ctx, next, req, func(cur *domain.Conversation) {
		p := pending
		cur.State = domain.TurnStateAwaitingConsent
		cur.Pending = &p
		cur.StreamingSince = time.Time{}
	})
}

// Snapshot returns the public view of a conversation.
func (c *Coordinator) Snapshot(ctx context.Context, conversationID string) (domain.Snapshot, error) {
	conv, err := c.store.Get(ctx, conversationID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if conv.Version == 0 {
		return domain.Snapshot{}, domain.ErrNotFound(fmt.Sprintf("conversation %q not found", conversationID))
	}
	return conv.Snapshot(), nil
}

func (c *Coordinator) consentExpired(conv *domain.Conversation, now time.Time) bool {
	if conv.Pending == nil || conv.Pending.CreatedAt.IsZero() {
		return false
	}
	return now.Sub(conv.Pending.CreatedAt) > c.consentTTL
}

// transition reads the record, lets fn compute the successor and stores it
// with a CAS, retrying on version conflicts. fn may return an error to abort.
// On success the stored successor (with its new version) is left in the value
// fn returned.
func (c *Coordinator) transition(ctx context.Context, id string, fn func(*domain.Conversation) (*domain.Conversation, error)) error {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		conv, err := c.store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load conversation: %w", err)
		}
		next, err := fn(conv)
		if err != nil {
			return err
		}
		err = c.store.CompareAndSwap(ctx, next, conv.Version)
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to store conversation: %w", err)
		}
		return nil
	}
	return domain.ErrTurnInProgress("conversation is being modified concurrently")
}

// open starts the upstream run for a record already moved to streaming. If
// the runtime cannot be reached, rollback is applied to restore the prior
// state.
func (c *Coordinator) open(ctx context.Context, owned *domain.Conversation, req ports.RunRequest, rollback func(*domain.Conversation)) (*Turn, error) {
	spanName := "turn.start"
	if req.Mode == domain.RunModeResume {
		spanName = "turn.resume"
	}
	ctx, span := c.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("relay.conversation_id", owned.ID),
		attribute.String("relay.run_mode", string(req.Mode)),
	))

	stream, err := c.runtime.StartRun(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.End()

		restored := owned.Clone()
		rollback(restored)
		if cerr := c.store.CompareAndSwap(context.WithoutCancel(ctx), restored, owned.Version); cerr != nil {
			c.logger.Error("failed to roll back turn",
				slog.String("conversation_id", owned.ID),
				slog.String("error", cerr.Error()))
		}
		c.logger.Warn("agent runtime unavailable",
			slog.String("conversation_id", owned.ID),
			slog.String("run_mode", string(req.Mode)),
			slog.String("error", err.Error()))

		var apiErr *domain.APIError
		if errors.As(err, &apiErr) {
			return nil, err
		}
		return nil, domain.ErrUpstream(err.Error())
	}

	c.logger.Info("turn started",
		slog.String("conversation_id", owned.ID),
		slog.String("run_mode", string(req.Mode)),
		slog.String("previous_response_id", req.PreviousResponseID))

	return &Turn{
		c:       c,
		conv:    owned,
		mode:    req.Mode,
		stream:  stream,
		span:    span,
		started: c.now(),
	}, nil
}
