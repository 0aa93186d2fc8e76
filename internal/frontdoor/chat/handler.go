// Package chat serves the browser-facing chat API: starting turns, resuming
// them after OAuth consent, and inspecting conversation state.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/agent-relay/internal/codec/events"
	"github.com/tjfontaine/agent-relay/internal/core/domain"
	"github.com/tjfontaine/agent-relay/internal/frontdoor"
	"github.com/tjfontaine/agent-relay/internal/server"
	"github.com/tjfontaine/agent-relay/internal/turn"
)

// RecoveredHeader is set on a start response that took over a stale
// streaming turn.
const RecoveredHeader = "X-Relay-Recovered"

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	ConversationID string `json:"conversationId"`
	UserMessage    string `json:"userMessage"`
}

// ContinueRequest is the body of POST /continue.
type ContinueRequest struct {
	ConversationID string `json:"conversationId"`
}

// HealthResponse is served by GET / and GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// Handler serves the chat endpoints over a turn coordinator.
type Handler struct {
	coord   *turn.Coordinator
	logger  *slog.Logger
	service string
	version string
}

// NewHandler creates a chat handler.
func NewHandler(coord *turn.Coordinator, logger *slog.Logger, service, version string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{coord: coord, logger: logger, service: service, version: version}
}

// Routes returns the handler's route table. The /api prefixed paths are kept
// for browser clients built against them.
func (h *Handler) Routes() []frontdoor.HandlerRegistration {
	return []frontdoor.HandlerRegistration{
		{Path: "/chat", Method: http.MethodPost, Handler: h.HandleChat},
		{Path: "/continue", Method: http.MethodPost, Handler: h.HandleContinue},
		{Path: "/api/chat", Method: http.MethodPost, Handler: h.HandleChat},
		{Path: "/api/continue", Method: http.MethodPost, Handler: h.HandleContinue},
		{Path: "/conversations/{id}", Method: http.MethodGet, Handler: h.HandleSnapshot},
		{Path: "/", Method: http.MethodGet, Handler: h.HandleHealth},
		{Path: "/healthz", Method: http.MethodGet, Handler: h.HandleHealth},
	}
}

// HandleChat starts a new turn and streams its events.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "conversation_id", req.ConversationID)
	server.AddLogField(r.Context(), "turn_mode", string(domain.RunModeStart))

	t, err := h.coord.StartTurn(r.Context(), req.ConversationID, req.UserMessage)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.stream(w, r, t)
}

// HandleContinue resumes a turn paused on consent and streams its events.
func (h *Handler) HandleContinue(w http.ResponseWriter, r *http.Request) {
	var req ContinueRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "conversation_id", req.ConversationID)
	server.AddLogField(r.Context(), "turn_mode", string(domain.RunModeResume))

	t, err := h.coord.ResumeTurn(r.Context(), req.ConversationID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.stream(w, r, t)
}

// HandleSnapshot returns the stored state of one conversation.
func (h *Handler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	server.AddLogField(r.Context(), "conversation_id", id)

	snap, err := h.coord.Snapshot(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleHealth reports liveness.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Service: h.service, Version: h.version})
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, t *turn.Turn) {
	defer t.Close()

	events.SetStreamHeaders(w.Header())
	if t.Recovered() {
		w.Header().Set(RecoveredHeader, "stale-turn")
		server.AddLogField(r.Context(), "recovered", "stale-turn")
	}
	w.WriteHeader(http.StatusOK)

	writer := events.NewWriter(w)
	outcome, err := t.Stream(r.Context(), writer.Write)
	server.AddLogField(r.Context(), "outcome", string(outcome))
	server.AddLogField(r.Context(), "events", fmt.Sprint(writer.Written()))
	if err != nil {
		// Headers are gone; the client sees a truncated stream.
		server.AddError(r.Context(), err)
		h.logger.Debug("stream ended early",
			slog.String("conversation_id", t.ConversationID()),
			slog.String("error", err.Error()))
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)
	apiErr := domain.AsAPIError(err)
	if apiErr.Type == domain.ErrorTypeServer {
		h.logger.Error("request failed", slog.String("error", err.Error()))
	}
	server.WriteError(w, apiErr)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return domain.ErrInvalidRequest("request body too large")
		case errors.Is(err, io.EOF):
			return domain.ErrInvalidRequest("request body is required")
		default:
			return domain.ErrInvalidRequest("invalid JSON body: " + err.Error())
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
