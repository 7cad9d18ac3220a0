package models

import "time"

// DedupEntry backs the shared dedup gate: one row per recording filename.
type DedupEntry struct {
	Key      string    `gorm:"primaryKey;size:191"`
	LastSeen time.Time `gorm:"not null;index"`
}

func (DedupEntry) TableName() string { return "ingest_dedup" }
