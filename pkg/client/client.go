package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/versemarket/keeperd/pkg/keeper"
)

// Client talks to a keeper's admin HTTP API.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the given admin address, e.g. "localhost:9090"
// or "http://keeper-3:9090".
func New(addr string) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Status fetches the keeper's runtime status snapshot.
func (c *Client) Status(ctx context.Context) (keeper.Status, error) {
	var st keeper.Status
	if err := c.getJSON(ctx, "/status", &st); err != nil {
		return keeper.Status{}, err
	}
	return st, nil
}

// Health reports the component health map from /healthz. The returned
// error is nil even when the keeper is unhealthy; callers inspect the
// Status field.
func (c *Client) Health(ctx context.Context) (HealthReport, error) {
	var hr HealthReport
	resp, err := c.get(ctx, "/healthz")
	if err != nil {
		return hr, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return hr, fmt.Errorf("decoding health response: %w", err)
	}
	return hr, nil
}

// Ready reports whether the keeper answers its readiness probe.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	resp, err := c.get(ctx, "/readyz")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK, nil
}

// HealthReport mirrors the admin server's /healthz payload.
type HealthReport struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("keeper unreachable at %s: %w", c.base, err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
