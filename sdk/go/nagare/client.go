package nagare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Nagare server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is an optional JWT for the Authorization header.
	Token string

	// APIKey is an optional API key ("keyID.secret") for the X-API-Key
	// header. With neither Token nor APIKey set, requests are sent
	// unauthenticated (dev-mode servers trust the request's UserID).
	APIKey string

	// HTTPClient is an optional custom HTTP client for non-streaming
	// requests. If nil, a default client with a 30-second timeout is used.
	// Streaming requests always use a client without a global timeout:
	// a stream stays open for the life of the execution.
	HTTPClient *http.Client

	// Timeout applies to individual non-streaming requests. Defaults to
	// 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Nagare tool execution API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	apiKey  string
	client  *http.Client
	stream  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("nagare: BaseURL is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	streamClient := &http.Client{}
	if httpClient.Transport != nil {
		streamClient.Transport = httpClient.Transport
	}

	return &Client{
		baseURL: baseURL,
		token:   cfg.Token,
		apiKey:  cfg.APIKey,
		client:  httpClient,
		stream:  streamClient,
	}, nil
}

// Stream is one open execution event stream. Events arrive in order; the
// first is always stream-start and the last is always end. Close releases
// the transport — it does not cancel the execution (use Cancel for that).
type Stream struct {
	// ExecutionID identifies the execution, taken from the response header
	// before the first event arrives.
	ExecutionID uuid.UUID

	body    io.ReadCloser
	decoder *eventDecoder
}

// Next returns the next event. io.EOF signals the end of the stream; a
// clean termination is an end event followed by io.EOF.
func (s *Stream) Next() (Event, error) {
	return s.decoder.next()
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	return s.body.Close()
}

// Result drains the stream and returns the execution-complete payload.
// It returns the error event's payload as an *Error-free Go error when the
// execution fails, and a cancellation error when it is cancelled.
func (s *Stream) Result() (*ExecutionCompletePayload, error) {
	var complete *ExecutionCompletePayload
	var failure *ErrorPayload

	for {
		ev, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch ev.Type {
		case EventExecutionComplete:
			payload, err := ParsePayload(ev)
			if err != nil {
				return nil, err
			}
			complete = payload.(*ExecutionCompletePayload)
		case EventError:
			payload, err := ParsePayload(ev)
			if err != nil {
				return nil, err
			}
			failure = payload.(*ErrorPayload)
		}
	}

	if failure != nil {
		return nil, fmt.Errorf("nagare: execution failed (%s): %s", failure.Type, failure.Message)
	}
	if complete == nil {
		return nil, fmt.Errorf("nagare: stream ended without a result")
	}
	return complete, nil
}

// ExecuteTool starts a tool execution and returns its event stream. The
// caller must Close the stream. ctx cancellation closes the transport,
// which the server treats as a client disconnect and cancels the execution.
func (c *Client) ExecuteTool(ctx context.Context, req ExecuteToolRequest) (*Stream, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("nagare: marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tool-stream", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("nagare: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.applyAuth(httpReq)

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("nagare: POST /tool-stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("nagare: read error response: %w", readErr)
		}
		return nil, parseErrorResponse(resp.StatusCode, body)
	}

	execID, _ := uuid.Parse(resp.Header.Get("X-Execution-ID"))
	return &Stream{
		ExecutionID: execID,
		body:        resp.Body,
		decoder:     newEventDecoder(resp.Body),
	}, nil
}

// ExecuteWorkflow runs a workflow to completion and returns the aggregate
// result. Partial results are included when some steps fail.
func (c *Client) ExecuteWorkflow(ctx context.Context, req ExecuteWorkflowRequest) (*WorkflowResponse, error) {
	var resp WorkflowResponse
	if err := c.post(ctx, "/workflow", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel requests cancellation of a running tool execution.
func (c *Client) Cancel(ctx context.Context, executionID uuid.UUID) (*CancelResponse, error) {
	var resp CancelResponse
	if err := c.doDelete(ctx, "/tool-stream?executionId="+executionID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelWorkflow requests cancellation of a running workflow.
func (c *Client) CancelWorkflow(ctx context.Context, executionID uuid.UUID) (*CancelResponse, error) {
	var resp CancelResponse
	if err := c.doDelete(ctx, "/workflow?executionId="+executionID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Tools lists the server's tool catalog.
func (c *Client) Tools(ctx context.Context) ([]ToolInfo, error) {
	var resp []ToolInfo
	if err := c.get(ctx, "/tools", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ExecutionsOptions are optional filters for the Executions method.
type ExecutionsOptions struct {
	UserID string
	Limit  int
}

// Executions returns recent finished executions, newest first. Requires the
// server's execution journal to be enabled.
func (c *Client) Executions(ctx context.Context, opts *ExecutionsOptions) ([]ExecutionRecord, error) {
	params := url.Values{}
	if opts != nil {
		if opts.UserID != "" {
			params.Set("userId", opts.UserID)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}

	path := "/executions"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []ExecutionRecord
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Execution returns one finished execution by id.
func (c *Client) Execution(ctx context.Context, executionID uuid.UUID) (*ExecutionRecord, error) {
	var resp ExecutionRecord
	if err := c.get(ctx, "/executions/"+executionID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) applyAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("nagare: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("nagare: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("nagare: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("nagare: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	c.applyAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("nagare: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("nagare: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("nagare: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
