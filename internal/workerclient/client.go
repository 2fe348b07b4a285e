// Package workerclient calls the worker service's internal routes.
package workerclient

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

	"contentengine/internal/servicetoken"
	"contentengine/pkg/domain"
	"contentengine/pkg/lifecycle"
	"contentengine/pkg/queue"
)

// Client calls the worker service over HTTP. Every request carries a
// freshly signed service token.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError represents a worker error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("worker: %s (status %d)", e.Message, e.Status)
}

// UsageReport is the body of GET /internal/usage.
type UsageReport struct {
	Usage        domain.UsageRecord `json:"usage"`
	NextCallInMs int64              `json:"nextCallInMs"`
}

// NewClient constructs a worker client. signer may be nil for an
// unauthenticated worker.
func NewClient(baseURL string, signer *servicetoken.Signer, audience, subject string) *Client {
	var rt http.RoundTripper = http.DefaultTransport
	if signer != nil {
		rt = &servicetoken.Transport{Signer: signer, Audience: audience, Subject: subject}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute, Transport: rt},
	}
}

// RunPass triggers one publishing pass.
func (c *Client) RunPass(ctx context.Context) (lifecycle.PassResult, error) {
	var res lifecycle.PassResult
	err := c.do(ctx, http.MethodPost, "/internal/worker/run", nil, &res)
	return res, err
}

func (c *Client) Usage(ctx context.Context) (UsageReport, error) {
	var rep UsageReport
	err := c.do(ctx, http.MethodGet, "/internal/usage", nil, &rep)
	return rep, err
}

func (c *Client) Enqueue(ctx context.Context, spec queue.Spec) (queue.Job, error) {
	var job queue.Job
	err := c.do(ctx, http.MethodPost, "/internal/jobs", spec, &job)
	return job, err
}

func (c *Client) GetJob(ctx context.Context, id string) (queue.Job, error) {
	var job queue.Job
	err := c.do(ctx, http.MethodGet, "/internal/jobs/"+url.PathEscape(id), nil, &job)
	return job, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
