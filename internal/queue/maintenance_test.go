package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alikalatearabi/opera-qc-elastic/internal/models"
)

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	gdb := testDB(t)
	q := New(gdb, Transcription, Options{MaxAttempts: 3}).WithClock(clock.now)

	added, _ := q.Add(ctx, "transcribe", payload{})
	if _, err := q.Claim(ctx, "crashed-worker"); err != nil {
		t.Fatal(err)
	}

	m := NewMaintenance(gdb, Names, 10*time.Minute, Retention{}, quietLogger()).WithClock(clock.now)

	clock.advance(5 * time.Minute)
	if n, err := m.RecoverStale(ctx); err != nil || n != 0 {
		t.Fatalf("early recover = %d, %v", n, err)
	}

	clock.advance(6 * time.Minute)
	if n, err := m.RecoverStale(ctx); err != nil || n != 1 {
		t.Fatalf("recover = %d, %v; want 1", n, err)
	}

	job, err := q.Claim(ctx, "w2")
	if err != nil || job == nil || job.ID != added.ID {
		t.Fatalf("reclaim = %+v, %v", job, err)
	}
	if job.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", job.Attempts)
	}
}

func TestRecoverStale_FinalAttemptFails(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	gdb := testDB(t)
	q := New(gdb, Transcription, Options{MaxAttempts: 2}).WithClock(clock.now)

	last, _ := q.Add(ctx, "transcribe", payload{})
	job, err := q.Claim(ctx, "w1")
	if err != nil || job == nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := q.Fail(ctx, job, errors.New("asr down")); err != nil {
		t.Fatal(err)
	}
	clock.advance(time.Minute)
	if job, err = q.Claim(ctx, "crashed-worker"); err != nil || job == nil || job.Attempts != 2 {
		t.Fatalf("second claim = %+v, %v", job, err)
	}
	fresh, _ := q.Add(ctx, "transcribe", payload{})
	if _, err := q.Claim(ctx, "crashed-worker"); err != nil {
		t.Fatal(err)
	}

	m := NewMaintenance(gdb, Names, 10*time.Minute, Retention{}, quietLogger()).WithClock(clock.now)
	clock.advance(11 * time.Minute)
	if n, err := m.RecoverStale(ctx); err != nil || n != 2 {
		t.Fatalf("recover = %d, %v; want 2", n, err)
	}

	got, err := Get(ctx, gdb, last.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.JobFailed || got.FailedReason != StalledReason || got.FinishedAt == nil || got.LockedBy != "" {
		t.Errorf("exhausted job = %+v", got)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}

	next, err := q.Claim(ctx, "w2")
	if err != nil || next == nil || next.ID != fresh.ID {
		t.Fatalf("requeued job = %+v, %v", next, err)
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	gdb := testDB(t)
	q := New(gdb, Analysis, Options{MaxAttempts: 1}).WithClock(clock.now)

	for i := 0; i < 5; i++ {
		q.Add(ctx, "analyze", payload{})
		job, _ := q.Claim(ctx, "w")
		clock.advance(time.Second)
		if i%2 == 0 {
			q.Complete(ctx, job, nil)
		} else {
			q.Fail(ctx, job, context.DeadlineExceeded)
		}
	}
	// 3 completed, 2 failed.

	m := NewMaintenance(gdb, Names, 0, Retention{KeepCompleted: 1, KeepFailed: 1}, quietLogger())
	n, err := m.Prune(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("pruned %d, want 3", n)
	}

	counts, _ := Counts(ctx, gdb, Analysis)
	if counts[models.JobCompleted] != 1 || counts[models.JobFailed] != 1 {
		t.Errorf("counts after prune = %v", counts)
	}

	// The newest completed job survives.
	var kept models.Job
	gdb.Where("state = ?", models.JobCompleted).First(&kept)
	if kept.FinishedAt == nil || !kept.FinishedAt.Equal(clock.now()) {
		t.Errorf("kept finished_at = %v", kept.FinishedAt)
	}
}

func TestMaintenanceStart_BadSchedule(t *testing.T) {
	m := NewMaintenance(testDB(t), Names, time.Minute, Retention{}, quietLogger())
	if _, err := m.Start(context.Background(), "every minute"); err == nil {
		t.Error("expected schedule parse error")
	}
	c, err := m.Start(context.Background(), "*/5 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	c.Stop()
}
