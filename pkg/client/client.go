// Package client talks to the cmdqd HTTP API: submitting commands, polling
// for their results, and reading daemon status.
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

	"github.com/cmdq-dev/cmdq/pkg/protocol"
)

// DefaultServer is the daemon address used when none is configured.
const DefaultServer = "http://127.0.0.1:3000"

// ErrNotFound is returned for unknown or expired commands.
var ErrNotFound = errors.New("command not found or expired")

// StatusError is an unexpected HTTP status from the daemon.
type StatusError struct {
	Path string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d", e.Path, e.Code)
}

// Result is one poll of a command.
type Result struct {
	Ready bool
	Body  json.RawMessage
}

// Client is a cmdqd API client.
type Client struct {
	base string
	http *http.Client
}

// New creates a Client for the daemon at server. httpClient may be nil.
func New(server string, httpClient *http.Client) *Client {
	if server == "" {
		server = DefaultServer
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(server, "/"), http: httpClient}
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResponse, error) {
	var resp protocol.StatusResponse
	if err := c.getJSON(ctx, "/api/v1/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Agents returns the agents known to the daemon.
func (c *Client) Agents(ctx context.Context) (*protocol.AgentsResponse, error) {
	var resp protocol.AgentsResponse
	if err := c.getJSON(ctx, "/api/v1/agents", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Submit creates a command carrying payload. A non-empty agent restricts
// which agent identity may complete it.
func (c *Client) Submit(ctx context.Context, payload json.RawMessage, agent string) (*protocol.CreateCommandResponse, error) {
	path := "/api/cmd"
	if agent != "" {
		path += "?agent=" + url.QueryEscape(agent)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to cmdqd at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, &StatusError{Path: "/api/cmd", Code: resp.StatusCode}
	}

	var created protocol.CreateCommandResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}
	return &created, nil
}

// Result polls the command once. id may be a command ID or the location
// returned by Submit; either way the poll goes to this client's server.
func (c *Client) Result(ctx context.Context, id string) (Result, error) {
	cmdID, err := commandID(id)
	if err != nil {
		return Result{}, err
	}
	target := c.base + resultsPath + url.PathEscape(cmdID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("poll %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return Result{}, fmt.Errorf("read result: %w", err)
		}
		return Result{Ready: true, Body: body}, nil
	case http.StatusAccepted:
		return Result{}, nil
	case http.StatusNotFound:
		return Result{}, ErrNotFound
	default:
		return Result{}, &StatusError{Path: "/api/results", Code: resp.StatusCode}
	}
}

const resultsPath = "/api/results/"

// commandID accepts a bare command ID or a result location and returns the ID.
func commandID(id string) (string, error) {
	if !strings.Contains(id, "://") {
		if id == "" || strings.Contains(id, "/") {
			return "", fmt.Errorf("invalid command id %q", id)
		}
		return id, nil
	}
	u, err := url.Parse(id)
	if err != nil {
		return "", fmt.Errorf("invalid result location: %w", err)
	}
	rest, ok := strings.CutPrefix(u.Path, resultsPath)
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", fmt.Errorf("%q is not a result location", id)
	}
	return rest, nil
}

// Wait polls every interval until the result is ready or ctx is done.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (json.RawMessage, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := c.Result(ctx, id)
		if err != nil {
			return nil, err
		}
		if res.Ready {
			return res.Body, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot connect to cmdqd at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Path: path, Code: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// Reload asks agents to reload their configuration. An empty target
// broadcasts to every agent.
func (c *Client) Reload(ctx context.Context, target string) (*protocol.ConfigReloadResponse, error) {
	body, err := json.Marshal(protocol.ConfigReloadRequest{Target: target})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/config/reload", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to cmdqd at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Path: "/api/v1/config/reload", Code: resp.StatusCode}
	}
	var out protocol.ConfigReloadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
