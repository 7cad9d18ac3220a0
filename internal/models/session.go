package models

import (
	"time"

	"gorm.io/datatypes"
)

// SessionRecord is one recorded call and, once the analysis stage has run,
// its transcript and quality-control results. Analysis columns stay NULL
// while the call is still being processed.
type SessionRecord struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Type          string    `gorm:"size:16;not null;index" json:"type"`
	SourceChannel string    `gorm:"size:64" json:"sourceChannel"`
	SourceNumber  string    `gorm:"size:64" json:"sourceNumber"`
	Queue         string    `gorm:"size:64" json:"queue"`
	DestChannel   string    `gorm:"size:64" json:"destChannel"`
	DestNumber    string    `gorm:"size:64;index" json:"destNumber"`
	Date          time.Time `gorm:"index" json:"date"`
	Duration      string    `gorm:"size:16" json:"duration"`
	Filename      string    `gorm:"size:191;not null;uniqueIndex" json:"filename"`
	UniqueID      string    `gorm:"size:64" json:"uniqueid,omitempty"`

	IncomingFileURL string `gorm:"size:255" json:"incommingfileUrl"`
	OutgoingFileURL string `gorm:"size:255" json:"outgoingfileUrl"`

	Transcription    datatypes.JSON `json:"transcription"`
	Explanation      *string        `gorm:"type:text" json:"explanation"`
	Category         *string        `gorm:"size:128;index" json:"category"`
	Topic            datatypes.JSON `json:"topic"`
	Emotion          *string        `gorm:"size:64;index" json:"emotion"`
	KeyWords         datatypes.JSON `json:"keyWords"`
	ForbiddenWords   datatypes.JSON `json:"forbiddenWords"`
	RoutinCheckStart *string        `gorm:"size:32" json:"routinCheckStart"`
	RoutinCheckEnd   *string        `gorm:"size:32" json:"routinCheckEnd"`
	AnalyzedAt       *time.Time     `json:"analyzedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName matches the index name the analytics dashboards read from.
func (SessionRecord) TableName() string { return "session_events" }

// Processing reports whether the analysis stage has not written the record
// yet.
func (s *SessionRecord) Processing() bool {
	return s.AnalyzedAt == nil && IsNullJSON(s.Transcription)
}

// IsNullJSON treats an absent column and a JSON null literal the same way.
func IsNullJSON(j datatypes.JSON) bool {
	return len(j) == 0 || string(j) == "null"
}
