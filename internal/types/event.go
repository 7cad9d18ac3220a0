package types

import "strings"

// CallTypeIncoming is the only call type that enters the pipeline.
const CallTypeIncoming = "incoming"

// IngestionEvent is the session webhook body sent by the telephony system.
type IngestionEvent struct {
	Type          string `json:"type"`
	SourceChannel string `json:"source_channel"`
	SourceNumber  string `json:"source_number"`
	Queue         string `json:"queue"`
	DestChannel   string `json:"dest_channel"`
	DestNumber    string `json:"dest_number"`
	Date          string `json:"date"`
	Duration      string `json:"duration"`
	Filename      string `json:"filename"`

	UniqueID string `json:"uniqueid,omitempty"`
	Level    int    `json:"level,omitempty"`
	Time     int64  `json:"time,omitempty"`
	PID      int    `json:"pid,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Name     string `json:"name,omitempty"`
	Msg      string `json:"msg,omitempty"`
}

// MissingFields returns the wire names of required fields that are empty.
func (e IngestionEvent) MissingFields() []string {
	var missing []string
	for _, f := range []struct {
		name, value string
	}{
		{"type", e.Type},
		{"source_channel", e.SourceChannel},
		{"source_number", e.SourceNumber},
		{"queue", e.Queue},
		{"dest_channel", e.DestChannel},
		{"dest_number", e.DestNumber},
		{"date", e.Date},
		{"duration", e.Duration},
		{"filename", e.Filename},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// Incoming reports whether the event describes an incoming call.
func (e IngestionEvent) Incoming() bool {
	return e.Type == CallTypeIncoming
}

// BaseName is the recording name without a .wav extension. Channel files
// and object keys are derived from it.
func (e IngestionEvent) BaseName() string {
	return strings.TrimSuffix(e.Filename, ".wav")
}
