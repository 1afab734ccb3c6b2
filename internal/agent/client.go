// ABOUTME: Thin HTTP client for the external completion service
// ABOUTME: OpenAI-compatible chat endpoint with 60s timeout, single retry on 5xx/network

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// ErrTimeout means the completion call exceeded the request timeout.
var ErrTimeout = errors.New("agent request timed out")

// errMalformedResponse marks a 200 response whose body failed to decode.
// The service answered, so retrying would just replay the same payload.
var errMalformedResponse = errors.New("malformed completion response")

// APIError carries the HTTP status and message from a failed completion
// call. 4xx statuses are never retried.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent API %d: %s", e.Status, e.Message)
}

// Defaults for the completion boundary.
const (
	DefaultTimeout     = 60 * time.Second
	DefaultBaseURL     = "https://api.x.ai/v1"
	DefaultModel       = "grok-3"
	retryDelay         = 2 * time.Second
	defaultTemperature = 0.7
)

// Turn is one role/content entry in the conversation sent to the service.
type Turn struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Request is a completion request. Sandbox is the execution-capability
// flag forwarded to the backend; the gateway does not enforce sandboxing
// itself.
type Request struct {
	Model         string
	Turns         []Turn
	Temperature   float64
	ThinkingLevel string
	Sandbox       string
}

// Usage reports token consumption for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the result of a successful request.
type Completion struct {
	Text  string
	Usage Usage
}

// wire types for the chat completions endpoint.
type chatRequest struct {
	Model       string  `json:"model"`
	Messages    []Turn  `json:"messages"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
	// Gateway extensions, ignored by backends that do not understand them.
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
	Sandbox         string `json:"sandbox,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client calls the completion service. It is safe for concurrent use; the
// router issues at most one call per conversation at a time but many
// conversations call in parallel.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	http    *http.Client
	logger  *slog.Logger
}

// Config for constructing a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewClient creates a completion client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger.With("component", "agent-client"),
	}
}

// Model returns the client's default model.
func (c *Client) Model() string { return c.model }

// Complete sends the conversation turns to the service and returns the
// completion. Policy: no retry on 4xx; a single retry after 2s on 5xx or
// network error; timeouts surface as ErrTimeout.
func (c *Client) Complete(ctx context.Context, req *Request) (*Completion, error) {
	comp, err := c.attempt(ctx, req)
	if err == nil {
		return comp, nil
	}
	if !retryable(err) {
		return nil, err
	}

	c.logger.Warn("agent call failed, retrying once", "error", err)
	select {
	case <-ctx.Done():
		return nil, classify(ctx.Err())
	case <-time.After(retryDelay):
	}
	return c.attempt(ctx, req)
}

// attempt performs one HTTP call.
func (c *Client) attempt(ctx context.Context, req *Request) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}

	body, err := json.Marshal(chatRequest{
		Model:           model,
		Messages:        req.Turns,
		Temperature:     temperature,
		Stream:          false,
		ReasoningEffort: req.ThinkingLevel,
		Sandbox:         req.Sandbox,
	})
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, classify(err)
	}

	var parsed chatResponse
	if unmarshalErr := json.Unmarshal(data, &parsed); unmarshalErr != nil && resp.StatusCode == http.StatusOK {
		return nil, fmt.Errorf("%w: %v", errMalformedResponse, unmarshalErr)
	}

	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}

	if len(parsed.Choices) == 0 {
		return nil, &APIError{Status: resp.StatusCode, Message: "no choices in response"}
	}

	return &Completion{
		Text:  parsed.Choices[0].Message.Content,
		Usage: parsed.Usage,
	}, nil
}

// retryable reports whether an error warrants the single retry: 5xx and
// network errors yes; 4xx, malformed 200 bodies, and timeouts of the
// caller's context no.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, errMalformedResponse) {
		return false
	}
	return true // network-level failure
}

// classify maps transport errors onto the gateway taxonomy.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return err
}
