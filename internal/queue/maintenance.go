package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/alikalatearabi/opera-qc-elastic/internal/logger"
	"github.com/alikalatearabi/opera-qc-elastic/internal/models"
)

// cronParser uses standard 5-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Retention bounds how many finished jobs each queue keeps.
type Retention struct {
	KeepCompleted int
	KeepFailed    int
}

// Maintenance recovers jobs abandoned by crashed workers and prunes old
// finished jobs.
type Maintenance struct {
	db         *gorm.DB
	queues     []string
	staleAfter time.Duration
	retention  Retention
	log        *logger.Logger
	now        func() time.Time
}

// NewMaintenance builds a maintenance runner for the given queues.
func NewMaintenance(db *gorm.DB, queues []string, staleAfter time.Duration, retention Retention, log *logger.Logger) *Maintenance {
	return &Maintenance{
		db:         db,
		queues:     queues,
		staleAfter: staleAfter,
		retention:  retention,
		log:        log.Component("maintenance"),
		now:        time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (m *Maintenance) WithClock(now func() time.Time) *Maintenance {
	m.now = now
	return m
}

// StalledReason is recorded on jobs whose worker vanished during their
// final attempt.
const StalledReason = "stalled: worker lost during final attempt"

// RecoverStale returns jobs stuck in active for longer than staleAfter to
// waiting. The attempt already counted stays counted, so a job that stalled
// on its last allowed attempt is failed instead.
func (m *Maintenance) RecoverStale(ctx context.Context) (int64, error) {
	if m.staleAfter <= 0 {
		return 0, nil
	}
	now := m.now().UTC()
	cutoff := now.Add(-m.staleAfter)
	var total int64
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Job{}).
			Where("state = ? AND locked_at < ? AND attempts >= max_attempts", models.JobActive, cutoff).
			Updates(map[string]interface{}{
				"state":         models.JobFailed,
				"failed_reason": StalledReason,
				"locked_by":     "",
				"locked_at":     nil,
				"finished_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected

		res = tx.Model(&models.Job{}).
			Where("state = ? AND locked_at < ?", models.JobActive, cutoff).
			Updates(map[string]interface{}{
				"state":     models.JobWaiting,
				"locked_by": "",
				"locked_at": nil,
				"run_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue: recover stale jobs: %w", err)
	}
	return total, nil
}

// Prune deletes completed and failed jobs beyond the retention limits,
// oldest first, per queue.
func (m *Maintenance) Prune(ctx context.Context) (int64, error) {
	var total int64
	for _, q := range m.queues {
		for state, keep := range map[string]int{
			models.JobCompleted: m.retention.KeepCompleted,
			models.JobFailed:    m.retention.KeepFailed,
		} {
			if keep <= 0 {
				continue
			}
			n, err := m.prune(ctx, q, state, keep)
			if err != nil {
				return total, err
			}
			total += n
		}
	}
	return total, nil
}

func (m *Maintenance) prune(ctx context.Context, queue, state string, keep int) (int64, error) {
	db := m.db.WithContext(ctx)
	var ids []string
	if err := db.Model(&models.Job{}).
		Where("queue = ? AND state = ?", queue, state).
		Order("finished_at DESC, created_at DESC").
		Offset(keep).
		Limit(10000).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("queue: prune %s/%s: %w", queue, state, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.Where("id IN ?", ids).Delete(&models.Job{})
	if res.Error != nil {
		return 0, fmt.Errorf("queue: prune %s/%s: %w", queue, state, res.Error)
	}
	return res.RowsAffected, nil
}

// RunOnce performs one maintenance pass.
func (m *Maintenance) RunOnce(ctx context.Context) {
	if n, err := m.RecoverStale(ctx); err != nil {
		m.log.WithError(err).Warn("stale job recovery failed")
	} else if n > 0 {
		m.log.WithField("jobs", n).Warn("recovered stale active jobs")
	}
	if n, err := m.Prune(ctx); err != nil {
		m.log.WithError(err).Warn("job pruning failed")
	} else if n > 0 {
		m.log.WithField("jobs", n).Debug("pruned finished jobs")
	}
}

// Start schedules RunOnce on a cron expression. Stop the returned cron to
// end the schedule.
func (m *Maintenance) Start(ctx context.Context, schedule string) (*cron.Cron, error) {
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(schedule, func() { m.RunOnce(ctx) }); err != nil {
		return nil, fmt.Errorf("queue: maintenance schedule %q: %w", schedule, err)
	}
	c.Start()
	m.log.WithField("schedule", schedule).Info("maintenance scheduled")
	return c, nil
}
