package types

import "encoding/json"

// Job names stored with each stage job.
const (
	JobProcessSession = "process-session"
	JobTranscribe     = "transcribe"
	JobAnalyze        = "analyze"
)

// IntakeJob is the intake stage payload.
type IntakeJob struct {
	Type  string         `json:"type"`
	Event IngestionEvent `json:"data"`
}

// TranscriptionJob is the ASR stage payload.
type TranscriptionJob struct {
	SessionEventID   uint   `json:"sessionEventId"`
	CustomerFilePath string `json:"customerFilePath"`
	AgentFilePath    string `json:"agentFilePath"`
	Filename         string `json:"filename"`
	UniqueID         string `json:"uniqueid,omitempty"`
}

// AnalysisJob is the analysis stage payload. TranscriptionResult is the
// ASR body as received.
type AnalysisJob struct {
	SessionEventID      uint            `json:"sessionEventId"`
	TranscriptionResult json.RawMessage `json:"transcriptionResult"`
	Filename            string          `json:"filename"`
	CustomerFilePath    string          `json:"customerFilePath"`
	AgentFilePath       string          `json:"agentFilePath"`
	UniqueID            string          `json:"uniqueid,omitempty"`
}

// StageResult is stored as the result of a completed stage job.
type StageResult struct {
	Success        bool   `json:"success"`
	SessionEventID uint   `json:"sessionEventId,omitempty"`
	NextJobID      string `json:"nextJobId,omitempty"`
	Processed      bool   `json:"processed"`
	Message        string `json:"message"`
}
