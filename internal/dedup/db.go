package dedup

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/alikalatearabi/opera-qc-elastic/internal/logger"
	"github.com/alikalatearabi/opera-qc-elastic/internal/models"
)

// DBGate shares the dedup window between API instances through the
// ingest_dedup table. A key is claimed by inserting it, or by refreshing a
// row whose timestamp has expired; both are single atomic statements.
//
// Store errors fail open: the event is processed.
type DBGate struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
	log *logger.Logger
}

// NewDBGate builds a table-backed gate.
func NewDBGate(db *gorm.DB, ttl time.Duration, log *logger.Logger) *DBGate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &DBGate{db: db, ttl: ttl, now: time.Now, log: log.Component("dedup")}
}

// WithClock replaces the time source. Used by tests.
func (g *DBGate) WithClock(now func() time.Time) *DBGate {
	g.now = now
	return g
}

// ShouldProcess claims key for one TTL window.
func (g *DBGate) ShouldProcess(ctx context.Context, key string) bool {
	now := g.now().UTC()
	cutoff := now.Add(-g.ttl)
	db := g.db.WithContext(ctx)

	// Opportunistic purge keeps the table bounded.
	if err := db.Where("last_seen < ?", cutoff).Delete(&models.DedupEntry{}).Error; err != nil {
		g.log.WithError(err).Warn("dedup purge failed")
	}

	res := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.DedupEntry{Key: key, LastSeen: now})
	if res.Error != nil {
		g.log.WithError(res.Error).WithField("key", key).Warn("dedup insert failed, processing anyway")
		return true
	}
	if res.RowsAffected == 1 {
		return true
	}

	// Row exists. Take it over only if it has expired.
	res = db.Model(&models.DedupEntry{}).
		Where(&models.DedupEntry{Key: key}).
		Where("last_seen < ?", cutoff).
		Update("last_seen", now)
	if res.Error != nil {
		g.log.WithError(res.Error).WithField("key", key).Warn("dedup refresh failed, processing anyway")
		return true
	}
	return res.RowsAffected == 1
}
