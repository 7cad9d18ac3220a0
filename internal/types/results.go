package types

import (
	"encoding/json"
	"strconv"
)

// Transcript is the two-channel text returned by the ASR service.
type Transcript struct {
	Agent    string `json:"Agent"`
	Customer string `json:"Customer"`
}

// TranscriptionResult is the ASR response body. Raw keeps the body as
// received so a malformed response can still be forwarded.
type TranscriptionResult struct {
	Transcription *Transcript     `json:"transcription"`
	Analysis      json.RawMessage `json:"analysis,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

// Valid reports whether the result carries a transcript whose Agent and
// Customer entries are both strings.
func (r *TranscriptionResult) Valid() bool {
	if r == nil || r.Transcription == nil {
		return false
	}
	if len(r.Raw) == 0 {
		return true
	}
	var body struct {
		Transcription map[string]json.RawMessage `json:"transcription"`
	}
	if err := json.Unmarshal(r.Raw, &body); err != nil {
		return false
	}
	for _, key := range []string{"Agent", "Customer"} {
		var s string
		v, ok := body.Transcription[key]
		if !ok || json.Unmarshal(v, &s) != nil || string(v) == "null" {
			return false
		}
	}
	return true
}

// AnalysisResponse is the analysis service body.
type AnalysisResponse struct {
	Transcription json.RawMessage `json:"transcription"`
	Analysis      *Analysis       `json:"analysis"`
}

// Analysis holds the quality-control verdicts for one call. List fields
// carry a single element when the model produced an answer.
type Analysis struct {
	Explanation      []string           `json:"explanation"`
	Category         []string           `json:"category"`
	Emotion          []string           `json:"emotion"`
	Topic            []string           `json:"topic"`
	Keywords         []string           `json:"keywords"`
	ForbiddenWords   map[string]float64 `json:"forbiddenWords"`
	RoutinCheckStart Marker             `json:"routinCheckStart"`
	RoutinCheckEnd   Marker             `json:"routinCheckEnd"`
}

// Marker is a routine-check flag. The service has sent it as a string, a
// number and a boolean; all are kept as text.
type Marker string

// UnmarshalJSON accepts string, number, boolean and null.
func (m *Marker) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = Marker(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*m = Marker(n.String())
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*m = Marker(strconv.FormatBool(b))
		return nil
	}
	*m = ""
	return nil
}
