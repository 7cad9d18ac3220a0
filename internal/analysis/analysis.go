// Package analysis calls the LLM analysis service with a call transcript
// and parses its quality-control verdicts.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alikalatearabi/opera-qc-elastic/internal/types"
)

// ErrNoJSON is returned when the service answered without a JSON object.
var ErrNoJSON = errors.New("analysis: no JSON found in response")

// Client posts transcripts to the analysis service.
type Client struct {
	endpoint string
	http     *http.Client
}

// New returns an analysis client for endpoint, e.g. http://asr:8003/analyze/.
func New(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{endpoint: endpoint, http: &http.Client{Timeout: timeout}}
}

// Analyze sends the transcription payload as received from ASR.
func (c *Client) Analyze(ctx context.Context, transcription json.RawMessage) (*types.AnalysisResponse, error) {
	if len(transcription) == 0 {
		transcription = json.RawMessage("null")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(transcription))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("analysis: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analysis: post: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("analysis: read body: %w", err)
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return nil, fmt.Errorf("analysis: status %d: %s", resp.StatusCode, snippet(body))
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(fmt.Errorf("analysis: status %d: %s", resp.StatusCode, snippet(body)))
	}
	return Parse(body)
}

// Parse decodes a service body. Besides the plain response object it accepts
// an OpenAI-style choices[0].message.content wrapper and JSON embedded in
// prose or markdown fences. A JSON body without an analysis decodes to an
// empty response so the record gets null verdicts.
func Parse(body []byte) (*types.AnalysisResponse, error) {
	trimmed := bytes.TrimSpace(body)
	if json.Valid(trimmed) {
		if inner := extractContentFromChoices(trimmed); inner != "" {
			var out types.AnalysisResponse
			if err := json.Unmarshal([]byte(inner), &out); err == nil {
				return &out, nil
			}
		}
		var out types.AnalysisResponse
		if err := json.Unmarshal(trimmed, &out); err == nil {
			return &out, nil
		}
	}
	if fallback := extractJSON(string(body)); fallback != "" {
		var out types.AnalysisResponse
		if err := json.Unmarshal([]byte(fallback), &out); err == nil {
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoJSON, snippet(body))
}

// extractContentFromChoices reads choices[0].message.content and returns
// the JSON object inside it.
func extractContentFromChoices(body []byte) string {
	var obj struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &obj); err != nil || len(obj.Choices) == 0 {
		return ""
	}
	return extractJSON(obj.Choices[0].Message.Content)
}

// extractJSON finds the first balanced JSON object in a string.
func extractJSON(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	for _, r := range []string{"```json", "```", "`"} {
		s = strings.ReplaceAll(s, r, "")
	}

	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(s[start : i+1])
			}
		}
	}
	return ""
}

func snippet(b []byte) string {
	const max = 300
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
