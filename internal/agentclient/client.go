// Package agentclient implements the HTTP client for the long-lived agent
// process running inside each node VM. The agent exposes a small REST
// surface for health checks, workspace lifecycle, and session spawning;
// workspace readiness is reported back asynchronously via a signed callback.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/devharbor/devharbor/internal/common/config"
)

// AgentError is a non-2xx response from the node agent.
type AgentError struct {
	StatusCode int
	Body       string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent error: status %d: %s", e.StatusCode, e.Body)
}

// CreateWorkspaceRequest asks the agent to set up a workspace on its node.
type CreateWorkspaceRequest struct {
	WorkspaceID    string `json:"workspace_id"`
	TaskID         string `json:"task_id,omitempty"`
	Repository     string `json:"repository"`
	Branch         string `json:"branch"`
	InstallationID string `json:"installation_id,omitempty"`
	GitUserName    string `json:"git_user_name,omitempty"`
	GitUserEmail   string `json:"git_user_email,omitempty"`
	CallbackURL    string `json:"callback_url"`
	CallbackToken  string `json:"callback_token"`
}

// CreateSessionRequest asks the agent to spawn a coding-agent session in a
// workspace.
type CreateSessionRequest struct {
	SessionID   string `json:"session_id"`
	WorkspaceID string `json:"workspace_id"`
	TaskTitle   string `json:"task_title"`
	TaskPrompt  string `json:"task_prompt,omitempty"`
}

// Client talks to the VM agent on a given node.
type Client struct {
	port            int
	callbackBaseURL string
	callbackSecret  string
	http            *http.Client
	healthClient    *http.Client
}

// NewClient creates an agent client from configuration.
func NewClient(cfg config.AgentConfig) *Client {
	requestTimeout := time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	healthTimeout := time.Duration(cfg.HealthTimeoutMs) * time.Millisecond
	if healthTimeout <= 0 {
		healthTimeout = 5 * time.Second
	}
	return &Client{
		port:            cfg.Port,
		callbackBaseURL: cfg.CallbackBaseURL,
		callbackSecret:  cfg.CallbackSecret,
		http:            &http.Client{Timeout: requestTimeout},
		healthClient:    &http.Client{Timeout: healthTimeout},
	}
}

func (c *Client) agentURL(nodeIP, path string) string {
	return fmt.Sprintf("http://%s:%d%s", nodeIP, c.port, path)
}

// Health probes the agent's health endpoint with a short timeout. Any
// response other than 200 is an error.
func (c *Client) Health(ctx context.Context, nodeIP string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.agentURL(nodeIP, "/health"), nil)
	if err != nil {
		return err
	}
	resp, err := c.healthClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return &AgentError{StatusCode: resp.StatusCode, Body: "health check not ready"}
	}
	return nil
}

// CreateWorkspace asks the agent to create a workspace. The agent replies
// asynchronously by POSTing to the callback URL with the signed token.
func (c *Client) CreateWorkspace(ctx context.Context, nodeIP string, req *CreateWorkspaceRequest) error {
	token, err := IssueCallbackToken(c.callbackSecret, req.WorkspaceID, req.TaskID)
	if err != nil {
		return fmt.Errorf("failed to sign callback token: %w", err)
	}
	req.CallbackToken = token
	req.CallbackURL = fmt.Sprintf("%s/workspaces/%s/ready", c.callbackBaseURL, req.WorkspaceID)
	return c.do(ctx, nodeIP, http.MethodPost, "/workspaces", req, nil)
}

// StopWorkspace asks the agent to tear down a workspace. A missing workspace
// is not an error.
func (c *Client) StopWorkspace(ctx context.Context, nodeIP, workspaceID string) error {
	err := c.do(ctx, nodeIP, http.MethodDelete, "/workspaces/"+workspaceID, nil, nil)
	if agentErr, ok := err.(*AgentError); ok && agentErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// CreateSession asks the agent to spawn a coding-agent session.
func (c *Client) CreateSession(ctx context.Context, nodeIP string, req *CreateSessionRequest) error {
	return c.do(ctx, nodeIP, http.MethodPost, "/sessions", req, nil)
}

// StopSession asks the agent to terminate a session. Best-effort callers
// ignore the error.
func (c *Client) StopSession(ctx context.Context, nodeIP, sessionID string) error {
	err := c.do(ctx, nodeIP, http.MethodDelete, "/sessions/"+sessionID, nil, nil)
	if agentErr, ok := err.(*AgentError); ok && agentErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, nodeIP, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.agentURL(nodeIP, path), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &AgentError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode agent response: %w", err)
		}
	}
	return nil
}
