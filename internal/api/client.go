package api

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

	"github.com/psantana5/healwatch/internal/history"
	"github.com/psantana5/healwatch/internal/supervisor"
)

// Client talks to a running healwatch over its operator API
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// NewClient creates a client for baseURL, e.g. http://127.0.0.1:9190
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Status fetches the system status
func (c *Client) Status(ctx context.Context) (supervisor.Status, error) {
	var st supervisor.Status
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &st)
	return st, err
}

// Proposal fetches the pending proposal
func (c *Client) Proposal(ctx context.Context) (ProposalResponse, error) {
	var p ProposalResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/proposal", nil, &p)
	return p, err
}

// History fetches recent faults
func (c *Client) History(ctx context.Context, limit int) ([]history.Record, error) {
	var out struct {
		Faults []history.Record `json:"faults"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/history?limit="+strconv.Itoa(limit), nil, &out)
	return out.Faults, err
}

// Approve approves the pending proposal
func (c *Client) Approve(ctx context.Context, reason string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/proposal/approve", DecisionRequest{Reason: reason}, nil)
}

// Reject rejects the pending proposal with feedback for the corrector
func (c *Client) Reject(ctx context.Context, feedback string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/proposal/reject", DecisionRequest{Reason: feedback}, nil)
}

// Abandon abandons the fault in remediation
func (c *Client) Abandon(ctx context.Context, reason string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/abandon", DecisionRequest{Reason: reason}, nil)
}

// Ack acknowledges the oldest held fault
func (c *Client) Ack(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/ack", nil, nil)
}

// StopWorker terminates a worker and keeps it stopped
func (c *Client) StopWorker(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/workers/"+url.PathEscape(name)+"/stop", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to healwatch API: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
