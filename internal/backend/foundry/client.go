// Package foundry adapts the Foundry (OpenAI-compatible) Responses API to the
// relay's agent runtime port.
package foundry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/agent-relay/internal/core/domain"
	"github.com/tjfontaine/agent-relay/internal/core/ports"
)

const (
	responsesPath    = "/openai/v1/responses"
	defaultUserAgent = "agent-relay/1.0"
	bodyPreviewLimit = 300
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIVersion adds the api-version query parameter to every request.
func WithAPIVersion(version string) ClientOption {
	return func(c *Client) {
		c.apiVersion = version
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// Client streams agent runs from a Foundry project endpoint.
type Client struct {
	endpoint   string
	agentID    string
	apiKey     string
	apiVersion string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
}

var _ ports.AgentRuntime = (*Client)(nil)

// NewClient creates a client for the agent agentID hosted at endpoint.
func NewClient(endpoint, agentID, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		agentID:    agentID,
		apiKey:     apiKey,
		userAgent:  defaultUserAgent,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		tracer:     otel.Tracer("agent-relay/foundry"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// inputMessage is one Responses API input item.
type inputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// responsesRequest is the request body. Input is omitted entirely on resume.
type responsesRequest struct {
	Model              string         `json:"model"`
	Stream             bool           `json:"stream"`
	Input              []inputMessage `json:"input,omitempty"`
	PreviousResponseID string         `json:"previous_response_id,omitempty"`
}

func buildRequest(agentID string, req ports.RunRequest) responsesRequest {
	body := responsesRequest{
		Model:              agentID,
		Stream:             true,
		PreviousResponseID: req.PreviousResponseID,
	}
	if req.Mode != domain.RunModeResume && req.UserMessage != "" {
		body.Input = []inputMessage{{Role: "user", Content: req.UserMessage}}
	}
	return body
}

func (c *Client) url() string {
	u := c.endpoint + responsesPath
	if c.apiVersion != "" {
		u += "?api-version=" + url.QueryEscape(c.apiVersion)
	}
	return u
}

// StartRun opens a streamed run. Errors returned here are transport failures;
// failures reported by the agent arrive as events.RunErrored on the stream.
func (c *Client) StartRun(ctx context.Context, req ports.RunRequest) (ports.RunStream, error) {
	if req.Mode == domain.RunModeResume && req.PreviousResponseID == "" {
		return nil, domain.ErrInvalidRequest("resume requires a previous response id")
	}

	body, err := json.Marshal(buildRequest(c.agentID, req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// The stream outlives the caller's request scope only through Close.
	runCtx, cancel := context.WithCancel(ctx)
	runCtx, span := c.tracer.Start(runCtx, "foundry.responses",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("relay.run_mode", string(req.Mode)),
			attribute.Bool("relay.has_previous_response", req.PreviousResponseID != ""),
		))

	fail := func(err error) (ports.RunStream, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		cancel()
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(runCtx, http.MethodPost, c.url(), bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("failed to create request: %w", err))
	}
	c.setHeaders(httpReq)

	c.logger.Info("calling agent runtime",
		slog.String("run_mode", string(req.Mode)),
		slog.String("previous_response_id", req.PreviousResponseID))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fail(domain.ErrUpstream(fmt.Sprintf("request failed: %v", err)))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, bodyPreviewLimit))
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		return fail(domain.ErrUpstream(fmt.Sprintf("agent runtime HTTP %d: %s",
			resp.StatusCode, strings.TrimSpace(string(preview)))))
	}

	s := newRunStream(resp.Body, cancel, span, c.logger)
	go s.run()
	return s, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("User-Agent", c.userAgent)
}
