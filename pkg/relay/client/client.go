// Package client is a Go client for the relay's chat API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/tjfontaine/agent-relay/internal/codec/events"
	"github.com/tjfontaine/agent-relay/internal/core/domain"
)

// Client talks to a relay server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. Streams can run for minutes, so the
// client should not carry a short overall timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(cl *Client) {
		cl.userAgent = ua
	}
}

// New creates a client for the relay at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		userAgent:  "relay-client/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChatStream starts a turn and returns the raw event stream. The caller must
// close it. Request-level failures are returned as *domain.APIError.
func (c *Client) ChatStream(ctx context.Context, conversationID, userMessage string) (io.ReadCloser, error) {
	return c.openStream(ctx, "/chat", map[string]string{
		"conversationId": conversationID,
		"userMessage":    userMessage,
	})
}

// ContinueStream resumes a turn paused on consent.
func (c *Client) ContinueStream(ctx context.Context, conversationID string) (io.ReadCloser, error) {
	return c.openStream(ctx, "/continue", map[string]string{
		"conversationId": conversationID,
	})
}

// Chat starts a turn and calls onEvent for each event until the terminal
// one.
func (c *Client) Chat(ctx context.Context, conversationID, userMessage string, onEvent func(events.Event)) error {
	body, err := c.ChatStream(ctx, conversationID, userMessage)
	if err != nil {
		return err
	}
	defer body.Close()
	return drain(ctx, body, onEvent)
}

// Continue resumes a turn and calls onEvent for each event until the
// terminal one.
func (c *Client) Continue(ctx context.Context, conversationID string, onEvent func(events.Event)) error {
	body, err := c.ContinueStream(ctx, conversationID)
	if err != nil {
		return err
	}
	defer body.Close()
	return drain(ctx, body, onEvent)
}

// Snapshot fetches the stored state of a conversation.
func (c *Client) Snapshot(ctx context.Context, conversationID string) (*domain.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/conversations/"+url.PathEscape(conversationID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var snap domain.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

func (c *Client) openStream(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
}

// decodeError maps a non-2xx response to *domain.APIError. Bodies that are
// not the relay's JSON error shape keep their text as the message.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var body struct {
		Error *domain.APIError `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != nil && body.Error.Type != "" {
		body.Error.StatusCode = resp.StatusCode
		return body.Error
	}

	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = resp.Status
	}
	return domain.NewAPIError(typeForStatus(resp.StatusCode), msg).WithStatusCode(resp.StatusCode)
}

func typeForStatus(status int) domain.ErrorType {
	switch status {
	case http.StatusBadRequest:
		return domain.ErrorTypeInvalidRequest
	case http.StatusNotFound:
		return domain.ErrorTypeNotFound
	case http.StatusConflict:
		return domain.ErrorTypeConflict
	case http.StatusGone:
		return domain.ErrorTypeGone
	case http.StatusTooManyRequests:
		return domain.ErrorTypeRateLimit
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return domain.ErrorTypeUpstream
	default:
		return domain.ErrorTypeServer
	}
}

// ErrTruncated is returned when a stream ends without a terminal event.
var ErrTruncated = errors.New("stream ended without a terminal event")

func drain(ctx context.Context, r io.Reader, onEvent func(events.Event)) error {
	d := events.NewDecoder(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, err := d.Next()
		if errors.Is(err, io.EOF) {
			return ErrTruncated
		}
		if err != nil {
			return err
		}
		if onEvent != nil {
			onEvent(ev)
		}
		if events.IsTerminal(ev) {
			return nil
		}
	}
}
