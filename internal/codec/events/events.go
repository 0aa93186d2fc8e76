// Package events defines the relay's streamed event protocol: the canonical
// in-memory event variants shared by producer and consumer, and the
// line-oriented `data: <json>` framing used on the wire.
//
// Every run produces zero or more non-terminal events followed by exactly one
// terminal event (ConsentRequired, RunCompleted or RunErrored). Readers stop
// at the first terminal event.
package events

// Wire type discriminators.
const (
	TypeTextDelta       = "text.delta"
	TypeToolStart       = "tool.start"
	TypeToolEnd         = "tool.end"
	TypeToolError       = "tool.error"
	TypeConsentRequired = "oauth_consent_required"
	TypeDone            = "done"
	TypeError           = "error"
)

// Event is one atomic, ordered unit of a run. The set of implementations is
// closed; switch on the concrete type.
type Event interface {
	// Type returns the wire discriminator.
	Type() string
	isEvent()
}

// TextDelta is incremental assistant output.
type TextDelta struct {
	Text string
}

// ToolStarted opens a tool-call span. CallID is unique within a run.
type ToolStarted struct {
	ToolName string
	CallID   string
}

// ToolCompleted closes the span opened by the ToolStarted with the same CallID.
type ToolCompleted struct {
	ToolName string
	CallID   string
}

// ToolFailed closes a span with an error.
type ToolFailed struct {
	ToolName     string
	CallID       string
	ErrorMessage string
}

// ConsentRequired pauses the run until the user completes an out-of-band
// OAuth grant. ResponseID is the value to resume from.
type ConsentRequired struct {
	ConsentURL     string
	ConnectionName string
	ResponseID     string
}

// RunCompleted ends the run; ResponseID becomes the conversation's
// continuation point.
type RunCompleted struct {
	ResponseID string
}

// RunErrored ends the run with an application-level failure.
type RunErrored struct {
	Message string
}

func (TextDelta) Type() string       { return TypeTextDelta }
func (ToolStarted) Type() string     { return TypeToolStart }
func (ToolCompleted) Type() string   { return TypeToolEnd }
func (ToolFailed) Type() string      { return TypeToolError }
func (ConsentRequired) Type() string { return TypeConsentRequired }
func (RunCompleted) Type() string    { return TypeDone }
func (RunErrored) Type() string      { return TypeError }

func (TextDelta) isEvent()       {}
func (ToolStarted) isEvent()     {}
func (ToolCompleted) isEvent()   {}
func (ToolFailed) isEvent()      {}
func (ConsentRequired) isEvent() {}
func (RunCompleted) isEvent()    {}
func (RunErrored) isEvent()      {}

// IsTerminal reports whether e ends its run.
func IsTerminal(e Event) bool {
	switch e.(type) {
	case ConsentRequired, RunCompleted, RunErrored:
		return true
	default:
		return false
	}
}

// CallID returns the tool call id carried by tool lifecycle events.
func CallID(e Event) (string, bool) {
	switch ev := e.(type) {
	case ToolStarted:
		return ev.CallID, true
	case ToolCompleted:
		return ev.CallID, true
	case ToolFailed:
		return ev.CallID, true
	default:
		return "", false
	}
}
