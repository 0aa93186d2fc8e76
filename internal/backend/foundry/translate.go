package foundry

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/tjfontaine/agent-relay/internal/codec/events"
)

// Upstream event names.
const (
	evResponseCreated    = "response.created"
	evOutputTextDelta    = "response.output_text.delta"
	evTextDelta          = "response.text.delta"
	evContentPartDelta   = "response.content_part.delta"
	evOutputItemAdded    = "response.output_item.added"
	evOutputItemDone     = "response.output_item.done"
	evConsentRequest     = "oauth_consent_request"
	evResponseCompleted  = "response.completed"
	evResponseFailed     = "response.failed"
	evResponseIncomplete = "response.incomplete"
	evError              = "error"
)

const unknownTool = "unknown_tool"

// upstreamPayload is the union of the fields the translator reads.
type upstreamPayload struct {
	Type     string          `json:"type"`
	Delta    json.RawMessage `json:"delta"`
	Item     *outputItem     `json:"item"`
	Response *responseObject `json:"response"`
	Error    json.RawMessage `json:"error"`
	Message  string          `json:"message"`
	ID       string          `json:"id"`
	Consent  *consentRequest `json:"oauth_consent_request"`
	consentRequest
}

type consentRequest struct {
	ConsentLink    string `json:"consent_link"`
	ConnectionName string `json:"connection_name"`
	ResponseID     string `json:"response_id"`
}

type outputItem struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Status string          `json:"status"`
	Error  json.RawMessage `json:"error"`
	consentRequest
}

type responseObject struct {
	ID                string          `json:"id"`
	Status            string          `json:"status"`
	Error             json.RawMessage `json:"error"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
}

// translator maps upstream Responses API events onto the canonical event
// union. It carries the per-run state the mapping needs.
type translator struct {
	responseID  string
	activeTools map[string]string
	logger      *slog.Logger
}

func newTranslator(logger *slog.Logger) *translator {
	return &translator{activeTools: make(map[string]string), logger: logger}
}

// translate returns the canonical event for one upstream block, if any.
func (t *translator) translate(ev sseEvent) (events.Event, bool) {
	var p upstreamPayload
	if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
		t.logger.Debug("skipping non-JSON upstream data", slog.Int("length", len(ev.Data)))
		return nil, false
	}

	name := ev.Name
	if name == "" {
		name = p.Type
	}

	switch name {
	case evResponseCreated:
		if p.Response != nil && p.Response.ID != "" {
			t.responseID = p.Response.ID
		} else if p.ID != "" {
			t.responseID = p.ID
		}
		return nil, false

	case evOutputTextDelta, evTextDelta:
		if text := rawText(p.Delta); text != "" {
			return events.TextDelta{Text: text}, true
		}
		return nil, false

	case evContentPartDelta:
		text := rawText(p.Delta)
		if text == "" {
			var part struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(p.Delta, &part) == nil {
				text = part.Text
			}
		}
		if text != "" {
			return events.TextDelta{Text: text}, true
		}
		return nil, false

	case evOutputItemAdded:
		if p.Item == nil {
			return nil, false
		}
		if p.Item.Type == evConsentRequest {
			return t.consent(p.Item.consentRequest), true
		}
		if !isToolItem(p.Item.Type) {
			return nil, false
		}
		callID := p.Item.callID()
		toolName := p.Item.Name
		if toolName == "" {
			toolName = unknownTool
		}
		t.activeTools[callID] = toolName
		t.logger.Info("tool call started", slog.String("tool", toolName), slog.String("call_id", callID))
		return events.ToolStarted{ToolName: toolName, CallID: callID}, true

	case evOutputItemDone:
		if p.Item == nil || !isToolItem(p.Item.Type) {
			return nil, false
		}
		callID := p.Item.callID()
		toolName, ok := t.activeTools[callID]
		if !ok {
			toolName = p.Item.Name
			if toolName == "" {
				toolName = unknownTool
			}
		}
		delete(t.activeTools, callID)
		if msg := errorText(p.Item.Error); msg != "" || p.Item.Status == "failed" {
			if msg == "" {
				msg = "tool call failed"
			}
			t.logger.Info("tool call failed", slog.String("tool", toolName), slog.String("call_id", callID))
			return events.ToolFailed{ToolName: toolName, CallID: callID, ErrorMessage: msg}, true
		}
		t.logger.Info("tool call done", slog.String("tool", toolName), slog.String("call_id", callID))
		return events.ToolCompleted{ToolName: toolName, CallID: callID}, true

	case evConsentRequest:
		return t.consent(p.consentRequest), true

	case evResponseCompleted:
		if p.Response != nil && p.Response.ID != "" {
			t.responseID = p.Response.ID
		}
		t.logger.Info("response completed", slog.String("response_id", t.responseID))
		return events.RunCompleted{ResponseID: t.responseID}, true

	case evResponseFailed:
		msg := "agent run failed"
		if p.Response != nil {
			if m := errorText(p.Response.Error); m != "" {
				msg = m
			}
		}
		return events.RunErrored{Message: msg}, true

	case evResponseIncomplete:
		msg := "agent run incomplete"
		if p.Response != nil && p.Response.IncompleteDetails != nil && p.Response.IncompleteDetails.Reason != "" {
			msg += ": " + p.Response.IncompleteDetails.Reason
		}
		return events.RunErrored{Message: msg}, true

	case evError:
		msg := errorText(p.Error)
		if msg == "" {
			msg = p.Message
		}
		if msg == "" {
			msg = ev.Data
		}
		t.logger.Error("agent runtime error event", slog.String("error", msg))
		return events.RunErrored{Message: msg}, true
	}

	if p.Consent != nil {
		return t.consent(*p.Consent), true
	}
	return nil, false
}

// consent builds the interruption event. The link itself is never logged: it
// can carry OAuth state and nonce parameters.
func (t *translator) consent(req consentRequest) events.Event {
	responseID := t.responseID
	if responseID == "" {
		responseID = req.ResponseID
	}
	t.logger.Info("oauth consent required",
		slog.String("connection", req.ConnectionName),
		slog.String("response_id", responseID))
	return events.ConsentRequired{
		ConsentURL:     req.ConsentLink,
		ConnectionName: req.ConnectionName,
		ResponseID:     responseID,
	}
}

// fallback is the terminal event for a stream that ended without one.
func (t *translator) fallback() events.Event {
	if t.responseID != "" {
		return events.RunCompleted{ResponseID: t.responseID}
	}
	return events.RunErrored{Message: "upstream stream ended without a terminal event"}
}

func isToolItem(itemType string) bool {
	return itemType == "function_call" || itemType == "mcp_call"
}

func (i *outputItem) callID() string {
	if i.CallID != "" {
		return i.CallID
	}
	return i.ID
}

// rawText returns raw as a string when it is a JSON string.
func rawText(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// errorText extracts a message from a string or {"message": ...} error value.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if s := rawText(raw); s != "" {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return strings.TrimSpace(string(raw))
}
