package domain

import "time"

// TurnState is the coordinator's view of a conversation.
type TurnState string

const (
	// TurnStateIdle means no run is in flight and no consent is pending.
	TurnStateIdle TurnState = "idle"
	// TurnStateStreaming means an upstream run is in flight.
	TurnStateStreaming TurnState = "streaming"
	// TurnStateAwaitingConsent means the last run paused on an OAuth consent
	// request and can be resumed.
	TurnStateAwaitingConsent TurnState = "awaiting_consent"
)

// RunMode distinguishes a fresh run from a resumed one.
type RunMode string

const (
	RunModeStart  RunMode = "start"
	RunModeResume RunMode = "resume"
)

// Outcome is the terminal result of one run.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeInterrupted Outcome = "interrupted-for-consent"
	OutcomeErrored     Outcome = "errored"
	// OutcomeAbandoned is recorded when the run ended without a terminal
	// event (client disconnect, cancellation, stream timeout).
	OutcomeAbandoned Outcome = "abandoned"
)

// PendingConsent is the stored resumption point of an interrupted run.
type PendingConsent struct {
	ConsentURL     string    `json:"consentUrl"`
	ConnectionName string    `json:"connectionName"`
	ResponseID     string    `json:"responseId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Conversation is the unit of continuity. Records are created lazily on the
// first message and only ever mutated through a store compare-and-swap.
type Conversation struct {
	ID             string          `json:"id"`
	State          TurnState       `json:"state"`
	LastResponseID string          `json:"lastResponseId,omitempty"`
	Pending        *PendingConsent `json:"pendingConsent,omitempty"`
	// StreamingSince is set while State is TurnStateStreaming.
	StreamingSince time.Time `json:"streamingSince"`
	// LastError records why the previous run was released without a
	// terminal event, if it was.
	LastError string    `json:"lastError,omitempty"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewConversation returns the lazily created idle record for id.
func NewConversation(id string) *Conversation {
	return &Conversation{ID: id, State: TurnStateIdle}
}

// Clone returns a deep copy so callers can prepare a CAS candidate without
// aliasing the stored value.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.Pending != nil {
		p := *c.Pending
		out.Pending = &p
	}
	return &out
}

// Snapshot is the public projection of a conversation served to clients.
type Snapshot struct {
	ConversationID string          `json:"conversationId"`
	State          TurnState       `json:"state"`
	LastResponseID string          `json:"lastResponseId,omitempty"`
	PendingConsent *PendingConsent `json:"pendingConsent,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
}

// Snapshot projects the conversation for clients.
func (c *Conversation) Snapshot() Snapshot {
	return Snapshot{
		ConversationID: c.ID,
		State:          c.State,
		LastResponseID: c.LastResponseID,
		PendingConsent: c.Clone().Pending,
		LastError:      c.LastError,
	}
}
