// Package transcription calls the ASR service with the two channels of a
// recorded call.
package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alikalatearabi/opera-qc-elastic/internal/types"
)

// Client posts channel recordings to the ASR service.
type Client struct {
	endpoint string
	http     *http.Client
}

// New returns an ASR client for endpoint, e.g. http://asr:8003/transcription/.
func New(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{endpoint: endpoint, http: &http.Client{Timeout: timeout}}
}

// Transcribe uploads the customer and agent channel files as multipart
// fields "customer" and "agent". The body is returned even when it does not
// have the expected shape; callers decide how strict to be. Transport
// failures and 5xx responses are retryable, other 4xx responses are marked
// permanent.
func (c *Client) Transcribe(ctx context.Context, customerPath, agentPath string) (*types.TranscriptionResult, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	if err := attach(w, "customer", customerPath); err != nil {
		return nil, err
	}
	if err := attach(w, "agent", agentPath); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("asr: close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &b)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("asr: build request: %w", err))
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	body, err := do(c.http, req)
	if err != nil {
		return nil, err
	}

	res := &types.TranscriptionResult{Raw: json.RawMessage(body)}
	if !json.Valid(body) {
		// Kept as-is; Valid() reports false.
		res.Raw = mustJSONString(body)
		return res, nil
	}
	// A mismatched shape leaves fields empty rather than failing.
	_ = json.Unmarshal(body, res)
	return res, nil
}

func attach(w *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("asr: open %s: %w", field, err)
	}
	defer f.Close()
	part, err := w.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("asr: form %s: %w", field, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("asr: copy %s: %w", field, err)
	}
	return nil
}

func do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("asr: post: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("asr: read body: %w", err)
	}
	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return nil, fmt.Errorf("asr: status %d: %s", resp.StatusCode, snippet(body))
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(fmt.Errorf("asr: status %d: %s", resp.StatusCode, snippet(body)))
	}
	return body, nil
}

// mustJSONString wraps a non-JSON body in a JSON string so it can travel in
// a job payload.
func mustJSONString(body []byte) json.RawMessage {
	b, _ := json.Marshal(string(body))
	return b
}

func snippet(b []byte) string {
	const max = 300
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
