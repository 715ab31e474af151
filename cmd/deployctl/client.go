package main

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

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/api"
)

// Client talks to a running deployer's HTTP API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a client for baseURL. Start requests block for the whole
// build, so the timeout is generous.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response from the deployer.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// =============================================================================
// Deployment Operations
// =============================================================================

func (c *Client) ListDeployments(ctx context.Context, limit, offset int) (*api.DeploymentListResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/api/v1/deployments"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp api.DeploymentListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListRepositoryDeployments(ctx context.Context, repoID int64) (*api.DeploymentListResponse, error) {
	var resp api.DeploymentListResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/repositories/%d/deployments", repoID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetDeployment(ctx context.Context, id int64) (*api.DeploymentResponse, error) {
	var resp api.DeploymentResponse
	if err := c.do(ctx, http.MethodGet, deploymentPath(id, ""), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) CreateDeployment(ctx context.Context, req api.CreateDeploymentRequest) (*api.DeploymentResponse, error) {
	var resp api.DeploymentResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/deployments", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) StartDeployment(ctx context.Context, id int64, repoPath string) (*api.DeploymentResponse, error) {
	var resp api.DeploymentResponse
	body := api.StartDeploymentRequest{RepoPath: repoPath}
	if err := c.do(ctx, http.MethodPost, deploymentPath(id, "/start"), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) StopDeployment(ctx context.Context, id int64) (*api.DeploymentResponse, error) {
	var resp api.DeploymentResponse
	if err := c.do(ctx, http.MethodPost, deploymentPath(id, "/stop"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) RestartDeployment(ctx context.Context, id int64, regenerate bool) (*api.DeploymentResponse, error) {
	var resp api.DeploymentResponse
	body := api.RestartDeploymentRequest{Regenerate: regenerate}
	if err := c.do(ctx, http.MethodPost, deploymentPath(id, "/restart"), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) DeleteDeployment(ctx context.Context, id int64) (*api.DeleteDeploymentResponse, error) {
	var resp api.DeleteDeploymentResponse
	if err := c.do(ctx, http.MethodDelete, deploymentPath(id, ""), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Events(ctx context.Context, id int64, limit int) (*api.EventListResponse, error) {
	path := deploymentPath(id, "/events")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp api.EventListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Scan(ctx context.Context) (*api.ScanResponse, error) {
	var resp api.ScanResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/repositories/scan", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func deploymentPath(id int64, suffix string) string {
	return "/api/v1/deployments/" + strconv.FormatInt(id, 10) + suffix
}

// =============================================================================
// HTTP Helpers
// =============================================================================

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var e api.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Code = e.Code
			apiErr.Message = e.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
