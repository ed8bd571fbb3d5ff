// Package agentrpc is the client for the remote agent execution service.
//
// Every operation is a tool invocation posted to {base}/tools/invoke:
// sessions_spawn starts an autonomous agent on a task and returns its
// session key, sessions_history returns the session's transcript.
package agentrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	toolSpawn   = "sessions_spawn"
	toolHistory = "sessions_history"

	maxErrorBody = 512
)

// ErrNotConfigured is returned when no service URL was provided
var ErrNotConfigured = errors.New("agent service URL not configured")

// RemoteError is an explicit failure reported by the agent service
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("agent service error (status %d): %s", e.Status, e.Message)
	}
	return "agent service error: " + e.Message
}

// Config configures a Client
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RPS caps outbound requests per second; zero disables the limiter
	RPS   float64
	Burst int
}

// Client talks to the agent execution service over HTTP
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// SpawnRequest starts one agent
type SpawnRequest struct {
	Task              string `json:"task"`
	Label             string `json:"label"`
	RunTimeoutSeconds int    `json:"runTimeoutSeconds"`
}

// SpawnResult identifies a started agent session
type SpawnResult struct {
	SessionKey string
	RunID      string
}

type invokeRequest struct {
	Tool string `json:"tool"`
	Args any    `json:"args"`
}

type historyArgs struct {
	SessionKey   string `json:"sessionKey"`
	Limit        int    `json:"limit"`
	IncludeTools bool   `json:"includeTools"`
}

type invokeResponse struct {
	OK     *bool           `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	// Some deployments return history messages at the top level
	Messages []Message `json:"messages,omitempty"`
}

type spawnDetails struct {
	Details struct {
		ChildSessionKey string `json:"childSessionKey"`
		RunID           string `json:"runId"`
	} `json:"details"`
}

type historyDetails struct {
	Details struct {
		Messages []Message `json:"messages"`
	} `json:"details"`
	Messages []Message `json:"messages"`
}

// NewClient creates a new agent service client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}
}

// Spawn starts an agent on a task
func (c *Client) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	resp, err := c.invoke(ctx, toolSpawn, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 {
		return nil, &RemoteError{Message: "spawn returned no result"}
	}

	var details spawnDetails
	if err := json.Unmarshal(resp.Result, &details); err != nil {
		return nil, fmt.Errorf("failed to decode spawn result: %w", err)
	}
	if details.Details.ChildSessionKey == "" {
		return nil, &RemoteError{Message: "spawn returned no session key"}
	}
	return &SpawnResult{
		SessionKey: details.Details.ChildSessionKey,
		RunID:      details.Details.RunID,
	}, nil
}

// History fetches up to limit messages of a session's transcript
func (c *Client) History(ctx context.Context, sessionKey string, limit int, includeTools bool) ([]Message, error) {
	resp, err := c.invoke(ctx, toolHistory, historyArgs{
		SessionKey:   sessionKey,
		Limit:        limit,
		IncludeTools: includeTools,
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Result) > 0 {
		var details historyDetails
		if err := json.Unmarshal(resp.Result, &details); err != nil {
			return nil, fmt.Errorf("failed to decode history result: %w", err)
		}
		if details.Details.Messages != nil {
			return details.Details.Messages, nil
		}
		if details.Messages != nil {
			return details.Messages, nil
		}
	}
	return resp.Messages, nil
}

func (c *Client) invoke(ctx context.Context, tool string, args any) (*invokeResponse, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	jsonData, err := json.Marshal(invokeRequest{Tool: tool, Args: args})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tools/invoke", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", tool, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var out invokeResponse
	decodeErr := json.Unmarshal(body, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(truncate(body, maxErrorBody))
		if decodeErr == nil && out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return nil, &RemoteError{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to unmarshal %s response: %w", tool, decodeErr)
	}
	if out.OK != nil && !*out.OK {
		msg := "request rejected"
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return nil, &RemoteError{Message: msg}
	}
	return &out, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
