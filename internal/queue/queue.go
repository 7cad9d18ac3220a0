// Package queue implements durable, database-backed stage queues with
// retry/backoff, shared by the API process and the worker pools.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/alikalatearabi/opera-qc-elastic/internal/models"
)

// Stage queue names.
const (
	Intake        = "sequential-processing"
	Transcription = "transcription-processing"
	Analysis      = "llm-processing"
)

// Names lists every stage queue in pipeline order.
var Names = []string{Intake, Transcription, Analysis}

// ErrJobNotFound is returned when no queue holds the requested job.
var ErrJobNotFound = errors.New("queue: job not found")

var claimable = []string{models.JobWaiting, models.JobDelayed}

// Options configures retries for one queue.
type Options struct {
	MaxAttempts    int
	BackoffInitial time.Duration
}

// Queue is one named stage queue stored in the pipeline_jobs table.
type Queue struct {
	db   *gorm.DB
	name string
	opts Options
	now  func() time.Time
}

// New returns a handle on the named queue.
func New(db *gorm.DB, name string, opts Options) *Queue {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	return &Queue{db: db, name: name, opts: opts, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Add enqueues a waiting job. The job is visible to workers as soon as Add
// returns.
func (q *Queue) Add(ctx context.Context, jobName string, payload any) (*models.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queue: %s: encode payload: %w", q.name, err)
	}
	now := q.now().UTC()
	job := &models.Job{
		ID:          uuid.NewString(),
		Queue:       q.name,
		Name:        jobName,
		Payload:     datatypes.JSON(data),
		State:       models.JobWaiting,
		MaxAttempts: q.opts.MaxAttempts,
		RunAt:       now,
	}
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("queue: %s: add: %w", q.name, err)
	}
	return job, nil
}

// Claim moves the next due job to active and returns it, or nil when the
// queue has nothing due. The state transition is a conditional update, so a
// job is handed to exactly one worker even across processes.
func (q *Queue) Claim(ctx context.Context, workerID string) (*models.Job, error) {
	db := q.db.WithContext(ctx)
	now := q.now().UTC()

	var candidates []string
	if err := db.Model(&models.Job{}).
		Where("queue = ? AND state IN ? AND run_at <= ?", q.name, claimable, now).
		Order("run_at ASC, created_at ASC").
		Limit(5).
		Pluck("id", &candidates).Error; err != nil {
		return nil, fmt.Errorf("queue: %s: find due jobs: %w", q.name, err)
	}

	for _, id := range candidates {
		res := db.Model(&models.Job{}).
			Where("id = ? AND state IN ?", id, claimable).
			Updates(map[string]interface{}{
				"state":     models.JobActive,
				"locked_by": workerID,
				"locked_at": now,
				"attempts":  gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return nil, fmt.Errorf("queue: %s: claim %s: %w", q.name, id, res.Error)
		}
		if res.RowsAffected == 0 {
			// Another worker won it.
			continue
		}
		var job models.Job
		if err := db.First(&job, "id = ?", id).Error; err != nil {
			return nil, fmt.Errorf("queue: %s: load %s: %w", q.name, id, err)
		}
		return &job, nil
	}
	return nil, nil
}

// Complete marks an active job completed and stores its result.
func (q *Queue) Complete(ctx context.Context, job *models.Job, result any) error {
	updates := map[string]interface{}{
		"state":         models.JobCompleted,
		"progress":      100,
		"failed_reason": "",
		"finished_at":   q.now().UTC(),
	}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("queue: %s: encode result: %w", q.name, err)
		}
		updates["result"] = datatypes.JSON(data)
	}
	return q.finish(ctx, job, updates)
}

// Fail records a handler failure. The job is delayed for another attempt
// unless attempts are exhausted or the error is permanent, in which case it
// becomes failed. It reports whether the job will run again.
func (q *Queue) Fail(ctx context.Context, job *models.Job, cause error) (bool, error) {
	now := q.now().UTC()
	updates := map[string]interface{}{
		"failed_reason": cause.Error(),
		"locked_by":     "",
		"locked_at":     nil,
	}

	var perm *backoff.PermanentError
	retry := !errors.As(cause, &perm) && job.Attempts < job.MaxAttempts
	if retry {
		updates["state"] = models.JobDelayed
		updates["run_at"] = now.Add(q.RetryDelay(job.Attempts))
	} else {
		updates["state"] = models.JobFailed
		updates["finished_at"] = now
	}
	return retry, q.finish(ctx, job, updates)
}

func (q *Queue) finish(ctx context.Context, job *models.Job, updates map[string]interface{}) error {
	res := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND state = ? AND locked_by = ?", job.ID, models.JobActive, job.LockedBy).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("queue: %s: update %s: %w", q.name, job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("queue: %s: job %s is no longer held by %s", q.name, job.ID, job.LockedBy)
	}
	return nil
}

// RetryDelay is the wait after the given failed attempt: the initial
// interval doubled for every earlier attempt (2s, 4s, 8s, ...).
func (q *Queue) RetryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.opts.BackoffInitial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// SetProgress records a handler-reported percentage on an active job.
func (q *Queue) SetProgress(ctx context.Context, jobID string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	err := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND state = ?", jobID, models.JobActive).
		Update("progress", pct).Error
	if err != nil {
		return fmt.Errorf("queue: %s: progress %s: %w", q.name, jobID, err)
	}
	return nil
}

// Get looks a job up by id across every stage queue.
func Get(ctx context.Context, db *gorm.DB, id string) (*models.Job, error) {
	var job models.Job
	err := db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get %s: %w", id, err)
	}
	return &job, nil
}

// List returns the jobs of one queue grouped by state, newest first.
func List(ctx context.Context, db *gorm.DB, queue string, limit int) (map[string][]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	out := map[string][]models.Job{
		models.JobWaiting:   {},
		models.JobActive:    {},
		models.JobDelayed:   {},
		models.JobCompleted: {},
		models.JobFailed:    {},
	}
	for state := range out {
		var jobs []models.Job
		if err := db.WithContext(ctx).
			Where("queue = ? AND state = ?", queue, state).
			Order("created_at DESC").
			Limit(limit).
			Find(&jobs).Error; err != nil {
			return nil, fmt.Errorf("queue: list %s/%s: %w", queue, state, err)
		}
		out[state] = jobs
	}
	return out, nil
}

// Counts returns the number of jobs per state in one queue.
func Counts(ctx context.Context, db *gorm.DB, queue string) (map[string]int64, error) {
	type row struct {
		State string
		N     int64
	}
	var rows []row
	if err := db.WithContext(ctx).Model(&models.Job{}).
		Select("state, COUNT(*) AS n").
		Where("queue = ?", queue).
		Group("state").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("queue: count %s: %w", queue, err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.State] = r.N
	}
	return out, nil
}
