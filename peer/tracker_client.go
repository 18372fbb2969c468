package peer

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

	"peerchat/models"
)

const (
	// DefaultTrackerTimeout bounds every tracker boundary call.
	DefaultTrackerTimeout = 5 * time.Second
)

var (
	// ErrTrackerNotFound indicates the tracker has no registration for
	// the identity. Callers treat it as "re-register", not as fatal.
	ErrTrackerNotFound = errors.New("peer: tracker registration not found")
)

// TrackerClient is a thin HTTP caller for the tracker boundary.
type TrackerClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewTrackerClient creates a client for the tracker at baseURL.
func NewTrackerClient(baseURL string, timeout time.Duration) *TrackerClient {
	if timeout <= 0 {
		timeout = DefaultTrackerTimeout
	}
	return &TrackerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Register announces the identity and address to the tracker.
func (c *TrackerClient) Register(ctx context.Context, username, host string, port int) error {
	body := map[string]any{"username": username, "host": host, "port": port}
	return c.postJSON(ctx, "/register", body)
}

// Heartbeat refreshes the tracker-side liveness timestamp.
func (c *TrackerClient) Heartbeat(ctx context.Context, username string) error {
	body := map[string]any{"username": username}
	return c.postJSON(ctx, "/heartbeat", body)
}

// ListPeers returns the tracker's active peers, excluding one username.
func (c *TrackerClient) ListPeers(ctx context.Context, exclude string) ([]models.PeerInfo, error) {
	endpoint := c.baseURL + "/peers"
	if exclude != "" {
		endpoint += "?exclude=" + url.QueryEscape(exclude)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build tracker request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker list peers: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker list peers: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Peers []models.PeerInfo `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode tracker peers response: %w", err)
	}
	return body.Peers, nil
}

// Unregister removes the identity from the tracker directory.
func (c *TrackerClient) Unregister(ctx context.Context, username string) error {
	endpoint := c.baseURL + "/unregister/" + url.PathEscape(username)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build tracker request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tracker unregister: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrTrackerNotFound
	default:
		return fmt.Errorf("tracker unregister: unexpected status %d", resp.StatusCode)
	}
}

// Health probes the tracker health endpoint.
func (c *TrackerClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build tracker request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tracker health: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tracker health: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *TrackerClient) postJSON(ctx context.Context, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal tracker request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build tracker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tracker %s: %w", path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrTrackerNotFound
	default:
		return fmt.Errorf("tracker %s: unexpected status %d", path, resp.StatusCode)
	}
}
