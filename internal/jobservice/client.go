// Package jobservice is the REST client for the job backend. It fetches a
// job's configuration before a run and persists the results afterwards.
package jobservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/trainpulse/trainpulse/internal/training"
)

// JobSpec is what the backend stores about a job before it runs.
type JobSpec struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Config      training.Config `json:"config"`
	DatasetSize int             `json:"datasetSize"`
}

// Results is the payload persisted when a run ends.
type Results struct {
	Status  training.Status         `json:"status"`
	Summary *training.Summary       `json:"summary,omitempty"`
	History []training.EpochMetrics `json:"history"`
	Error   string                  `json:"error,omitempty"`
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Body)
}

// Client makes REST calls to the job backend.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a client targeting baseURL (e.g. "http://127.0.0.1:8080").
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetJob fetches GET /api/jobs/{id}.
func (c *Client) GetJob(ctx context.Context, id string) (*JobSpec, error) {
	var out JobSpec
	if err := c.get(ctx, "/api/jobs/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListJobs fetches GET /api/jobs.
func (c *Client) ListJobs(ctx context.Context) ([]training.Job, error) {
	var out []training.Job
	if err := c.get(ctx, "/api/jobs", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRequest is the body of POST /api/jobs. A nil Config means the
// backend's defaults.
type CreateRequest struct {
	Name        string           `json:"name"`
	Config      *training.Config `json:"config,omitempty"`
	DatasetSize int              `json:"datasetSize,omitempty"`
	Start       bool             `json:"start,omitempty"`
}

// CreateJob sends POST /api/jobs.
func (c *Client) CreateJob(ctx context.Context, req CreateRequest) (*training.Job, error) {
	var out training.Job
	if err := c.post(ctx, "/api/jobs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Control sends POST /api/jobs/{id}/{action}, where action is one of
// start, pause, resume or stop.
func (c *Client) Control(ctx context.Context, id, action string) error {
	return c.post(ctx, "/api/jobs/"+url.PathEscape(id)+"/"+action, struct{}{}, nil)
}

// PostResults sends POST /api/jobs/{id}/results.
func (c *Client) PostResults(ctx context.Context, id string, r Results) error {
	return c.post(ctx, "/api/jobs/"+url.PathEscape(id)+"/results", r, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: http.MethodGet, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: http.MethodPost, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
