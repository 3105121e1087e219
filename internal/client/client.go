// Package client talks to the JSON API of wharf-web.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antonkrylov/wharf/internal/web/api"
)

// APIError is a non-2xx answer.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
	Output     string
	// PublicKey is set when the server could not log in to dokku.
	PublicKey string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type Client struct {
	base     *url.URL
	http     *http.Client
	username string
	password string
	// fallbackRetry paces Wait when the server does not say.
	fallbackRetry time.Duration
}

// New builds a client for conn. httpClient may be nil.
func New(conn *Connection, httpClient *http.Client) (*Client, error) {
	base, err := url.Parse(conn.Server)
	if err != nil {
		return nil, fmt.Errorf("parse server address: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: conn.Timeout}
	}
	return &Client{
		base:          base,
		http:          httpClient,
		username:      conn.Username,
		password:      conn.Password,
		fallbackRetry: time.Second,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.ResolveReference(ref).String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(code int, data []byte) error {
	apiErr := &APIError{StatusCode: code}
	var body struct {
		Error     string `json:"error"`
		Kind      string `json:"kind"`
		Output    string `json:"output"`
		PublicKey string `json:"public_key"`
	}
	if json.Unmarshal(data, &body) == nil && (body.Error != "" || body.PublicKey != "") {
		apiErr.Message = body.Error
		apiErr.Kind = body.Kind
		apiErr.Output = body.Output
		apiErr.PublicKey = body.PublicKey
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(data))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(code)
	}
	return apiErr
}

// Submit starts a generic task.
func (c *Client) Submit(ctx context.Context, req api.SubmitRequest) (api.Submission, error) {
	var sub api.Submission
	err := c.do(ctx, http.MethodPost, "/tasks", req, &sub)
	return sub, err
}

// Poll reads the status of a task once.
func (c *Client) Poll(ctx context.Context, id string) (api.TaskStatus, error) {
	var st api.TaskStatus
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &st)
	return st, err
}

// Wait polls until the task is terminal, pacing itself by the retry
// interval the server hands out. onOutput, if set, receives each new piece
// of output.
func (c *Client) Wait(ctx context.Context, id string, onOutput func(string)) (api.TaskStatus, error) {
	seen := 0
	for {
		st, err := c.Poll(ctx, id)
		if err != nil {
			return api.TaskStatus{}, err
		}
		if onOutput != nil && len(st.Output) > seen {
			onOutput(st.Output[seen:])
			seen = len(st.Output)
		}
		if st.Terminal {
			return st, nil
		}
		delay := time.Duration(st.RetryAfterMS) * time.Millisecond
		if delay <= 0 {
			delay = c.fallbackRetry
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return st, ctx.Err()
		case <-timer.C:
		}
	}
}

// Decide runs one step of the wait route of a submission.
func (c *Client) Decide(ctx context.Context, sub api.Submission) (api.Decision, error) {
	var d api.Decision
	err := c.do(ctx, http.MethodGet, sub.Wait, nil, &d)
	return d, err
}

// Tasks lists the tasks the server holds; owner filters when set.
func (c *Client) Tasks(ctx context.Context, owner string) ([]api.Task, error) {
	path := "/tasks"
	if owner != "" {
		path += "?owner=" + url.QueryEscape(owner)
	}
	var out []api.Task
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Log reads the history entry and output of a task.
func (c *Client) Log(ctx context.Context, id string) (api.LogView, error) {
	var v api.LogView
	err := c.do(ctx, http.MethodGet, "/logs/"+url.PathEscape(id), nil, &v)
	return v, err
}

// Status runs the server health check.
func (c *Client) Status(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/status", nil, nil)
}
