// Package fileserver downloads call recordings from the telephony system's
// recording server.
package fileserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Channel suffixes appended to a recording base name.
const (
	CustomerSuffix = "-in"
	AgentSuffix    = "-out"
)

// Client fetches recordings over HTTP GET with basic auth. The base URL
// ends with the query prefix the recording name is appended to, e.g.
// http://pbx/download.php?recfile=
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// New returns a recording-server client.
func New(baseURL, username, password string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		http:     &http.Client{Timeout: timeout},
	}
}

// URL returns the download URL of one channel of a recording.
func (c *Client) URL(baseName, suffix string) string {
	return c.baseURL + baseName + suffix
}

// Fetch downloads one channel of a recording.
func (c *Client) Fetch(ctx context.Context, baseName, suffix string) ([]byte, error) {
	u := c.URL(baseName, suffix)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("fileserver: build request: %w", err)
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fileserver: get %s%s: %w", baseName, suffix, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fileserver: read %s%s: %w", baseName, suffix, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fileserver: get %s%s: status %d: %s", baseName, suffix, resp.StatusCode, truncate(body, 200))
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("fileserver: get %s%s: empty body", baseName, suffix)
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
