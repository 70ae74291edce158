// Package provider implements the REST client for the external cloud
// provider that hosts node VMs. The provider API is treated as opaque;
// this client only surfaces instance lifecycle operations.
package provider

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

// Instance statuses reported by the provider.
const (
	InstanceStatusProvisioning = "provisioning"
	InstanceStatusRunning      = "running"
	InstanceStatusError        = "error"
	InstanceStatusDeleted      = "deleted"
)

// Instance is a provider-side VM.
type Instance struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	IPAddress string `json:"ip_address"`
	Size      string `json:"size"`
	Location  string `json:"location"`
}

// CreateInstanceRequest describes the VM to create.
type CreateInstanceRequest struct {
	Name     string `json:"name"`
	Size     string `json:"size"`
	Location string `json:"location"`
	SSHKey   string `json:"ssh_key,omitempty"`
}

// APIError is a non-2xx response from the provider API. Its message carries
// the status code so error classification can distinguish transient server
// errors from permanent client errors.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API error: status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the cloud provider REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a provider client from configuration.
func NewClient(cfg config.ProviderConfig) *Client {
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
	}
}

// CreateInstance provisions a new VM and returns the provider's record.
func (c *Client) CreateInstance(ctx context.Context, req *CreateInstanceRequest) (*Instance, error) {
	var instance Instance
	if err := c.do(ctx, http.MethodPost, "/v1/instances", req, &instance); err != nil {
		return nil, err
	}
	return &instance, nil
}

// GetInstance fetches the current state of a VM.
func (c *Client) GetInstance(ctx context.Context, id string) (*Instance, error) {
	var instance Instance
	if err := c.do(ctx, http.MethodGet, "/v1/instances/"+id, nil, &instance); err != nil {
		return nil, err
	}
	return &instance, nil
}

// DeleteInstance destroys a VM. Deleting an already-deleted instance is not
// an error.
func (c *Client) DeleteInstance(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/instances/"+id, nil, nil)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode provider response: %w", err)
		}
	}
	return nil
}
