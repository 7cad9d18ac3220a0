package dataset

import (
	"sort"

	"github.com/alikalatearabi/opera-qc-elastic/internal/logger"
)

// Summary counts the outcome of a replay run.
type Summary struct {
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
	ByQueue   map[string]int `json:"by_queue"`
	Failed    []int          `json:"failed_lines,omitempty"`
	FirstJobs []string       `json:"first_job_ids,omitempty"`
}

// NewSummary returns an empty summary.
func NewSummary() *Summary {
	return &Summary{ByStatus: map[string]int{}, ByQueue: map[string]int{}}
}

// Add records one row. status is the ingestion outcome, or "invalid" /
// "error"; jobID is set for accepted rows.
func (s *Summary) Add(row Row, status, jobID string) {
	s.Total++
	s.ByStatus[status]++
	if row.Event.Queue != "" {
		s.ByQueue[row.Event.Queue]++
	}
	if status == "invalid" || status == "error" {
		s.Failed = append(s.Failed, row.Line)
	}
	if jobID != "" && len(s.FirstJobs) < 5 {
		s.FirstJobs = append(s.FirstJobs, jobID)
	}
}

// Log writes the summary as structured fields.
func (s *Summary) Log(log *logger.Logger) {
	queues := make([]string, 0, len(s.ByQueue))
	for q := range s.ByQueue {
		queues = append(queues, q)
	}
	sort.Strings(queues)

	entry := log.WithField("total", s.Total).WithField("queues", queues)
	for status, n := range s.ByStatus {
		entry = entry.WithField(status, n)
	}
	if len(s.Failed) > 0 {
		entry = entry.WithField("failed_lines", s.Failed)
	}
	entry.Info("replay complete")
}
