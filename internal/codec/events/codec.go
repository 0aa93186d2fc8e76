package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// DataPrefix marks an event frame line.
const DataPrefix = "data:"

// DoneSentinel is the optional upstream end-of-stream payload. It is consumed
// by the decoder and never forwarded.
const DoneSentinel = "[DONE]"

// ErrUnknownType is returned by Unmarshal for payloads whose type tag is not
// part of the protocol.
var ErrUnknownType = errors.New("unknown event type")

// frame is the union of all wire fields, used for decoding only.
type frame struct {
	Type           string `json:"type"`
	Delta          string `json:"delta"`
	ToolName       string `json:"toolName"`
	CallID         string `json:"callId"`
	Error          string `json:"error"`
	ConsentLink    string `json:"consentLink"`
	ResponseID     string `json:"responseId"`
	ConnectionName string `json:"connectionName"`
	Message        string `json:"message"`
}

type textDeltaFrame struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

type toolFrame struct {
	Type     string `json:"type"`
	ToolName string `json:"toolName"`
	CallID   string `json:"callId"`
}

type toolErrorFrame struct {
	Type     string `json:"type"`
	ToolName string `json:"toolName"`
	CallID   string `json:"callId"`
	Error    string `json:"error"`
}

type consentFrame struct {
	Type           string `json:"type"`
	ConsentLink    string `json:"consentLink"`
	ResponseID     string `json:"responseId"`
	ConnectionName string `json:"connectionName"`
}

type doneFrame struct {
	Type       string `json:"type"`
	ResponseID string `json:"responseId"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Marshal serializes e as its tagged JSON payload.
func Marshal(e Event) ([]byte, error) {
	var v any
	switch ev := e.(type) {
	case TextDelta:
		v = textDeltaFrame{Type: TypeTextDelta, Delta: ev.Text}
	case ToolStarted:
		v = toolFrame{Type: TypeToolStart, ToolName: ev.ToolName, CallID: ev.CallID}
	case ToolCompleted:
		v = toolFrame{Type: TypeToolEnd, ToolName: ev.ToolName, CallID: ev.CallID}
	case ToolFailed:
		v = toolErrorFrame{Type: TypeToolError, ToolName: ev.ToolName, CallID: ev.CallID, Error: ev.ErrorMessage}
	case ConsentRequired:
		v = consentFrame{Type: TypeConsentRequired, ConsentLink: ev.ConsentURL, ResponseID: ev.ResponseID, ConnectionName: ev.ConnectionName}
	case RunCompleted:
		v = doneFrame{Type: TypeDone, ResponseID: ev.ResponseID}
	case RunErrored:
		v = errorFrame{Type: TypeError, Message: ev.Message}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, e)
	}

	// Consent links carry query strings; keep them readable on the wire.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Unmarshal parses one JSON payload into its Event variant.
func Unmarshal(data []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	switch f.Type {
	case TypeTextDelta:
		return TextDelta{Text: f.Delta}, nil
	case TypeToolStart:
		return ToolStarted{ToolName: f.ToolName, CallID: f.CallID}, nil
	case TypeToolEnd:
		return ToolCompleted{ToolName: f.ToolName, CallID: f.CallID}, nil
	case TypeToolError:
		return ToolFailed{ToolName: f.ToolName, CallID: f.CallID, ErrorMessage: f.Error}, nil
	case TypeConsentRequired:
		return ConsentRequired{ConsentURL: f.ConsentLink, ConnectionName: f.ConnectionName, ResponseID: f.ResponseID}, nil
	case TypeDone:
		return RunCompleted{ResponseID: f.ResponseID}, nil
	case TypeError:
		return RunErrored{Message: f.Message}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
}

// Encode renders e as one wire frame: "data: <json>\n\n".
func Encode(e Event) ([]byte, error) {
	payload, err := Marshal(e)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(payload)+len(DataPrefix)+3)
	out = append(out, DataPrefix...)
	out = append(out, ' ')
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	return out, nil
}
