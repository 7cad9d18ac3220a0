package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cenkalti/backoff/v4"
)

const sampleResponse = `{
  "transcription": {"Agent": "سلام", "Customer": "قبض من"},
  "analysis": {
    "explanation": [],
    "category": ["billing"],
    "emotion": ["ناراحت"],
    "topic": ["101", "204"],
    "keywords": ["قبض", "پرداخت"],
    "forbiddenWords": {"آهان": 2},
    "routinCheckStart": "1",
    "routinCheckEnd": "0"
  }
}`

func TestAnalyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		var got map[string]any
		if err := json.Unmarshal(body, &got); err != nil || got["transcription"] == nil {
			t.Errorf("request body = %s", body)
		}
		io.WriteString(w, sampleResponse)
	}))
	defer srv.Close()

	in := json.RawMessage(`{"transcription":{"Agent":"سلام","Customer":"قبض من"}}`)
	res, err := New(srv.URL+"/analyze/", 0).Analyze(context.Background(), in)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	a := res.Analysis
	if len(a.Explanation) != 0 || a.Category[0] != "billing" || a.ForbiddenWords["آهان"] != 2 {
		t.Errorf("analysis = %+v", a)
	}
	if a.RoutinCheckStart != "1" || a.RoutinCheckEnd != "0" {
		t.Errorf("routine markers = %q %q", a.RoutinCheckStart, a.RoutinCheckEnd)
	}
}

func TestAnalyze_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusServiceUnavailable, false},
		{http.StatusBadRequest, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		_, err := New(srv.URL, 0).Analyze(context.Background(), json.RawMessage(`{}`))
		srv.Close()

		var perm *backoff.PermanentError
		if err == nil || errors.As(err, &perm) != tt.permanent {
			t.Errorf("status %d: err = %v, permanent want %v", tt.status, err, tt.permanent)
		}
	}
}

func TestParse(t *testing.T) {
	content := "```json\n{\"analysis\":{\"category\":[\"complaint\"]}}\n```"
	wrapped, err := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		body     string
		category string
		wantErr  bool
	}{
		{"plain", `{"analysis":{"category":["billing"]}}`, "billing", false},
		{"choices wrapper", string(wrapped), "complaint", false},
		{"prose", `Here you go: {"analysis":{"category":["a}b"]}} thanks`, "a}b", false},
		{"fractional forbidden word count", `{"analysis":{"category":["b"],"forbiddenWords":{"x":2.0}}}`, "b", false},
		{"no json", `internal error`, "", true},
		{"bare string", `"busy"`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Parse([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrNoJSON) {
					t.Fatalf("err = %v, want ErrNoJSON", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if res.Analysis == nil || len(res.Analysis.Category) == 0 || res.Analysis.Category[0] != tt.category {
				t.Errorf("analysis = %+v", res.Analysis)
			}
		})
	}
}

func TestParse_NoAnalysisIsEmpty(t *testing.T) {
	for _, body := range []string{`{}`, `{"analysis":null}`, ` {"detail":"not found"} `, `null`} {
		res, err := Parse([]byte(body))
		if err != nil {
			t.Fatalf("Parse(%s): %v", body, err)
		}
		if res.Analysis != nil || len(res.Transcription) != 0 {
			t.Errorf("Parse(%s) = %+v, want empty response", body, res)
		}
	}
}

func TestParse_ForbiddenWordsKeepOtherFields(t *testing.T) {
	res, err := Parse([]byte(`{"analysis":{"emotion":["calm"],"forbiddenWords":{"x":2.0,"y":1.5},"routinCheckStart":true}}`))
	if err != nil {
		t.Fatal(err)
	}
	a := res.Analysis
	if a.ForbiddenWords["x"] != 2 || a.ForbiddenWords["y"] != 1.5 {
		t.Errorf("forbiddenWords = %v", a.ForbiddenWords)
	}
	if a.Emotion[0] != "calm" || a.RoutinCheckStart != "true" {
		t.Errorf("analysis = %+v", a)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"no braces", ""},
		{`x {"a":1} y {"b":2}`, `{"a":1}`},
		{`{"a":{"b":"}"}}`, `{"a":{"b":"}"}}`},
		{`{"a":"quote \" }"}`, `{"a":"quote \" }"}`},
		{"{unterminated", ""},
	}
	for _, tt := range tests {
		if got := extractJSON(tt.in); got != tt.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
