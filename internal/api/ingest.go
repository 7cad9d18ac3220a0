package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alikalatearabi/opera-qc-elastic/internal/dedup"
	"github.com/alikalatearabi/opera-qc-elastic/internal/jalali"
	"github.com/alikalatearabi/opera-qc-elastic/internal/logger"
	"github.com/alikalatearabi/opera-qc-elastic/internal/models"
	"github.com/alikalatearabi/opera-qc-elastic/internal/types"
)

// ErrInvalidEvent marks events rejected before anything is queued.
var ErrInvalidEvent = errors.New("invalid event")

// Ingestion outcomes.
const (
	StatusAccepted  = "accepted"
	StatusSkipped   = "skipped"
	StatusDuplicate = "duplicate"
)

// Enqueuer adds a job to the intake queue.
type Enqueuer interface {
	Add(ctx context.Context, jobName string, payload any) (*models.Job, error)
}

// Outcome describes what happened to one event.
type Outcome struct {
	Status  string
	Job     *models.Job
	Missing []string
}

// Ingestor is the admission path shared by the webhook and the replay
// command: validate, drop non-incoming calls, dedup by filename, enqueue.
type Ingestor struct {
	gate   dedup.Gate
	intake Enqueuer
	loc    *time.Location
	log    *logger.Logger
}

// NewIngestor builds an Ingestor. Dates are validated as Jalali timestamps
// in loc.
func NewIngestor(gate dedup.Gate, intake Enqueuer, loc *time.Location, log *logger.Logger) *Ingestor {
	if loc == nil {
		loc = time.UTC
	}
	return &Ingestor{gate: gate, intake: intake, loc: loc, log: log.Component("ingest")}
}

// Ingest admits one event. Validation failures wrap ErrInvalidEvent and
// leave the dedup window untouched.
func (i *Ingestor) Ingest(ctx context.Context, ev types.IngestionEvent) (*Outcome, error) {
	if missing := ev.MissingFields(); len(missing) > 0 {
		return &Outcome{Missing: missing}, fmt.Errorf("%w: missing required fields: %s", ErrInvalidEvent, strings.Join(missing, ", "))
	}
	log := i.log.WithField("filename", ev.Filename)
	if ev.UniqueID != "" {
		log = log.WithField("uniqueid", ev.UniqueID)
	}

	if !ev.Incoming() {
		log.WithField("type", ev.Type).Info("non-incoming call, not processed")
		return &Outcome{Status: StatusSkipped}, nil
	}
	if _, err := jalali.Parse(ev.Date, i.loc); err != nil {
		return &Outcome{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	if !i.gate.ShouldProcess(ctx, ev.Filename) {
		log.Info("duplicate delivery ignored")
		return &Outcome{Status: StatusDuplicate}, nil
	}

	job, err := i.intake.Add(ctx, types.JobProcessSession, types.IntakeJob{Type: ev.Type, Event: ev})
	if err != nil {
		return nil, fmt.Errorf("api: enqueue %s: %w", ev.Filename, err)
	}
	log.WithField("job_id", job.ID).Info("session event queued")
	return &Outcome{Status: StatusAccepted, Job: job}, nil
}
