package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alikalatearabi/opera-qc-elastic/internal/logger"
	"github.com/alikalatearabi/opera-qc-elastic/internal/models"
)

// Task is the handler's view of a claimed job.
type Task struct {
	*models.Job
	q *Queue
}

// Decode unmarshals the job payload into v.
func (t *Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("queue: %s: decode payload of %s: %w", t.Queue, t.ID, err)
	}
	return nil
}

// Progress reports a completion percentage. Failures are ignored; progress
// is informational.
func (t *Task) Progress(ctx context.Context, pct int) {
	_ = t.q.SetProgress(ctx, t.ID, pct)
}

// Handler processes one job. The returned value is stored as the job
// result. Wrap errors with backoff.Permanent to skip remaining attempts.
type Handler func(ctx context.Context, task *Task) (any, error)

// Worker runs a bounded pool of goroutines pulling from one queue.
type Worker struct {
	q           *Queue
	handle      Handler
	concurrency int
	poll        time.Duration
	id          string
	log         *logger.Logger
}

// NewWorker builds a pool of concurrency goroutines for q.
func NewWorker(q *Queue, handle Handler, concurrency int, poll time.Duration, log *logger.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Worker{
		q:           q,
		handle:      handle,
		concurrency: concurrency,
		poll:        poll,
		id:          uuid.NewString()[:8],
		log:         &logger.Logger{Entry: log.Component("worker").WithField("queue", q.Name())},
	}
}

// Run processes jobs until ctx is cancelled, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) {
	w.log.WithField("concurrency", w.concurrency).Info("worker pool started")
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		slot := fmt.Sprintf("%s-%d", w.id, i)
		go func() {
			defer wg.Done()
			w.loop(ctx, slot)
		}()
	}
	wg.Wait()
	w.log.Info("worker pool stopped")
}

func (w *Worker) loop(ctx context.Context, slot string) {
	for {
		if ctx.Err() != nil {
			return
		}
		worked, err := w.ProcessNext(ctx, slot)
		if err != nil {
			w.log.WithError(err).Warn("queue poll failed")
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// ProcessNext claims and runs at most one job. It reports whether a job was
// found. Cancellation of ctx does not interrupt a job already claimed.
func (w *Worker) ProcessNext(ctx context.Context, slot string) (bool, error) {
	job, err := w.q.Claim(ctx, slot)
	if err != nil || job == nil {
		return false, err
	}
	runCtx := context.WithoutCancel(ctx)
	log := w.log.WithJob(job)
	log.Debug("job started")

	start := time.Now()
	result, herr := w.run(runCtx, job)
	if herr == nil {
		if err := w.q.Complete(runCtx, job, result); err != nil {
			return true, err
		}
		log.WithField("duration_ms", time.Since(start).Milliseconds()).Info("job completed")
		return true, nil
	}

	retry, err := w.q.Fail(runCtx, job, herr)
	if err != nil {
		return true, err
	}
	entry := log.WithField("error", herr.Error())
	if retry {
		entry.WithField("retry_in", w.q.RetryDelay(job.Attempts).String()).Warn("job failed, will retry")
	} else {
		entry.Error("job failed")
	}
	return true, nil
}

func (w *Worker) run(ctx context.Context, job *models.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: %s: handler panic: %v", job.Queue, r)
		}
	}()
	return w.handle(ctx, &Task{Job: job, q: w.q})
}
