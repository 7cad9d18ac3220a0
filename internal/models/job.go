package models

import (
	"time"

	"gorm.io/datatypes"
)

// Job states. They mirror the states a stage queue reports through the
// job-status endpoint.
const (
	JobWaiting   = "waiting"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobDelayed   = "delayed"
)

// Job is one unit of durable work in a stage queue.
type Job struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	Queue        string         `gorm:"size:64;not null;index:idx_jobs_claim,priority:1" json:"queue"`
	Name         string         `gorm:"size:64" json:"name"`
	Payload      datatypes.JSON `json:"data"`
	State        string         `gorm:"size:16;not null;default:waiting;index:idx_jobs_claim,priority:2" json:"state"`
	Progress     int            `gorm:"default:0" json:"progress"`
	Attempts     int            `gorm:"default:0" json:"attemptsMade"`
	MaxAttempts  int            `gorm:"default:1" json:"maxAttempts"`
	RunAt        time.Time      `gorm:"index:idx_jobs_claim,priority:3" json:"runAt"`
	Result       datatypes.JSON `json:"returnvalue,omitempty"`
	FailedReason string         `gorm:"type:text" json:"failedReason,omitempty"`
	LockedBy     string         `gorm:"size:64" json:"lockedBy,omitempty"`
	LockedAt     *time.Time     `json:"lockedAt,omitempty"`
	FinishedAt   *time.Time     `json:"finishedOn,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// TableName keeps the queue table name independent of the struct name.
func (Job) TableName() string { return "pipeline_jobs" }

// IsDone reports whether the job reached a terminal state.
func (j *Job) IsDone() bool {
	return j.State == JobCompleted || j.State == JobFailed
}
