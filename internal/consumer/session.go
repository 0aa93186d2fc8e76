// Package consumer projects a conversation's event streams onto chat UI
// state: the assistant messages, the tool-call log and the consent prompt.
//
// A Session is driven by one reader at a time. BeginTurn or BeginResume
// opens a new assistant message, Apply (or Consume) feeds it events until a
// terminal event, and Fail renders a transport error inline.
package consumer

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/agent-relay/internal/codec/events"
	"github.com/tjfontaine/agent-relay/internal/core/domain"
)

// Phase is the UI's presentation state.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseStreaming       Phase = "streaming"
	PhaseAwaitingConsent Phase = "awaiting_consent"
)

// ToolStatus is the state of one tool-call log entry.
type ToolStatus string

const (
	ToolRunning ToolStatus = "running"
	ToolDone    ToolStatus = "done"
	ToolError   ToolStatus = "error"
)

var (
	// ErrBusy is returned while a response is still streaming.
	ErrBusy = errors.New("a response is still streaming")
	// ErrConsentPending is returned for free text while the consent prompt
	// is showing.
	ErrConsentPending = errors.New("complete the pending consent and continue first")
	// ErrNotAwaitingConsent is returned by BeginResume without a consent
	// prompt.
	ErrNotAwaitingConsent = errors.New("no consent is awaiting continuation")
	// ErrEmptyMessage is returned by BeginTurn for blank input.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrStreamTruncated is returned by Consume when the stream ends without
	// a terminal event.
	ErrStreamTruncated = errors.New("stream ended before the response finished")
)

// UserMessage is one submitted prompt.
type UserMessage struct {
	Text   string
	SentAt time.Time
}

// AssistantMessage is one streamed reply bubble. A turn interrupted for
// consent renders as two bubbles with the consent prompt between them.
type AssistantMessage struct {
	Mode      domain.RunMode
	Text      string
	Streaming bool
	// Error is rendered inline under the text.
	Error string
}

// ToolCallEntry is one row of the tool panel. Entries are never removed.
type ToolCallEntry struct {
	ID        string
	ToolName  string
	CallID    string
	Status    ToolStatus
	Error     string
	StartedAt time.Time
}

// ConsentPrompt is the consent card shown while awaiting OAuth consent.
type ConsentPrompt struct {
	ConsentURL     string
	ConnectionName string
}

// Session is the client-side state of one conversation.
type Session struct {
	ConversationID string

	mu               sync.Mutex
	phase            Phase
	userMessages     []UserMessage
	messages         []*AssistantMessage
	toolLog          []ToolCallEntry
	toolPanelVisible bool
	consent          *ConsentPrompt
	// resuming keeps the prompt a resume consumed so it can be restored if
	// the resume request never reaches the agent.
	resuming *ConsentPrompt

	now      func() time.Time
	newID    func() string
	observer func(events.Event)
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides time.Now for tool-log timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// WithObserver is called after each applied event, outside the session lock.
func WithObserver(fn func(events.Event)) Option {
	return func(s *Session) {
		s.observer = fn
	}
}

// NewSession creates an idle session. An empty conversationID gets a fresh
// UUID.
func NewSession(conversationID string, opts ...Option) *Session {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	s := &Session{
		ConversationID: conversationID,
		phase:          PhaseIdle,
		now:            time.Now,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BeginTurn records a user message and opens a streaming assistant message.
func (s *Session) BeginTurn(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case PhaseStreaming:
		return ErrBusy
	case PhaseAwaitingConsent:
		return ErrConsentPending
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	s.userMessages = append(s.userMessages, UserMessage{Text: text, SentAt: s.now()})
	s.open(domain.RunModeStart)
	return nil
}

// BeginResume dismisses the consent prompt and opens a new streaming
// assistant message for the resumed run.
func (s *Session) BeginResume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.phase == PhaseStreaming:
		return ErrBusy
	case s.phase != PhaseAwaitingConsent || s.consent == nil:
		return ErrNotAwaitingConsent
	}

	s.resuming = s.consent
	s.consent = nil
	s.open(domain.RunModeResume)
	return nil
}

func (s *Session) open(mode domain.RunMode) {
	s.messages = append(s.messages, &AssistantMessage{Mode: mode, Streaming: true})
	s.phase = PhaseStreaming
}

// Apply projects one event onto the session and reports whether it ended
// the current response.
func (s *Session) Apply(e events.Event) bool {
	done := s.apply(e)
	if s.observer != nil {
		s.observer(e)
	}
	return done
}

func (s *Session) apply(e events.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.current()
	switch ev := e.(type) {
	case events.TextDelta:
		if msg != nil {
			msg.Text += ev.Text
		}
	case events.ToolStarted:
		s.toolLog = append(s.toolLog, ToolCallEntry{
			ID:        s.newID(),
			ToolName:  ev.ToolName,
			CallID:    ev.CallID,
			Status:    ToolRunning,
			StartedAt: s.now(),
		})
		s.toolPanelVisible = true
	case events.ToolCompleted:
		if entry := s.findTool(ev.CallID); entry != nil {
			entry.Status = ToolDone
		}
	case events.ToolFailed:
		if entry := s.findTool(ev.CallID); entry != nil {
			entry.Status = ToolError
			entry.Error = ev.ErrorMessage
		}
	case events.ConsentRequired:
		s.finalize(msg)
		s.consent = &ConsentPrompt{ConsentURL: ev.ConsentURL, ConnectionName: ev.ConnectionName}
		s.phase = PhaseAwaitingConsent
		return true
	case events.RunCompleted:
		s.finalize(msg)
		s.phase = PhaseIdle
		return true
	case events.RunErrored:
		if msg != nil {
			msg.Error = ev.Message
		}
		s.finalize(msg)
		s.phase = PhaseIdle
		return true
	}
	return false
}

// findTool returns the most recent running-or-resolved entry for callID.
// Unknown ids return nil.
func (s *Session) findTool(callID string) *ToolCallEntry {
	for i := len(s.toolLog) - 1; i >= 0; i-- {
		if s.toolLog[i].CallID == callID {
			return &s.toolLog[i]
		}
	}
	return nil
}

func (s *Session) current() *AssistantMessage {
	if len(s.messages) == 0 {
		return nil
	}
	return s.messages[len(s.messages)-1]
}

func (s *Session) finalize(msg *AssistantMessage) {
	if msg != nil {
		msg.Streaming = false
	}
	s.resuming = nil
}

// Fail ends the current response with err rendered inline. A resume whose
// request was rejected by the agent runtime before streaming keeps its
// consent prompt so the user can try again.
func (s *Session) Fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.current()
	if msg != nil && msg.Streaming {
		msg.Error = err.Error()
		msg.Streaming = false
	}

	var apiErr *domain.APIError
	if s.resuming != nil && errors.As(err, &apiErr) && apiErr.Type == domain.ErrorTypeUpstream {
		s.consent = s.resuming
		s.resuming = nil
		s.phase = PhaseAwaitingConsent
		return
	}
	s.resuming = nil
	s.phase = PhaseIdle
}

// Consume applies events decoded from r until a terminal event. Read
// failures, cancellation and truncated streams are rendered with Fail and
// returned. The caller owns r and should close it to release a read blocked
// on a cancelled stream.
func (s *Session) Consume(ctx context.Context, r io.Reader) error {
	decodeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := events.Decode(decodeCtx, r)
	for {
		select {
		case <-ctx.Done():
			s.Fail(ctx.Err())
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				if err := ctx.Err(); err != nil {
					s.Fail(err)
					return err
				}
				s.Fail(ErrStreamTruncated)
				return ErrStreamTruncated
			}
			if res.Err != nil {
				s.Fail(res.Err)
				return res.Err
			}
			if s.Apply(res.Event) {
				return nil
			}
		}
	}
}

// Phase returns the presentation state.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Consent returns the showing consent prompt, if any.
func (s *Session) Consent() *ConsentPrompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consent == nil {
		return nil
	}
	c := *s.consent
	return &c
}

// Messages returns copies of the assistant messages in order.
func (s *Session) Messages() []AssistantMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AssistantMessage, len(s.messages))
	for i, m := range s.messages {
		out[i] = *m
	}
	return out
}

// UserMessages returns the submitted prompts in order.
func (s *Session) UserMessages() []UserMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UserMessage(nil), s.userMessages...)
}

// ToolLog returns a copy of the tool-call log.
func (s *Session) ToolLog() []ToolCallEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ToolCallEntry(nil), s.toolLog...)
}

// ToolPanelVisible reports whether the tool panel is shown.
func (s *Session) ToolPanelVisible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolPanelVisible
}

// SetToolPanelVisible shows or hides the tool panel. A later tool start
// reveals it again.
func (s *Session) SetToolPanelVisible(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolPanelVisible = v
}

// RestoreConsent shows a consent prompt recovered from the server, for a
// client that reloaded while a consent was pending.
func (s *Session) RestoreConsent(snap domain.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseStreaming || snap.State != domain.TurnStateAwaitingConsent || snap.PendingConsent == nil {
		return
	}
	s.consent = &ConsentPrompt{
		ConsentURL:     snap.PendingConsent.ConsentURL,
		ConnectionName: snap.PendingConsent.ConnectionName,
	}
	s.phase = PhaseAwaitingConsent
}
