package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/alikalatearabi/opera-qc-elastic/internal/fileserver"
	"github.com/alikalatearabi/opera-qc-elastic/internal/storage"
	"github.com/alikalatearabi/opera-qc-elastic/internal/types"
)

func permanent(err error) error {
	return backoff.Permanent(err)
}

// Intake runs the first stage for one call: download both channels, store
// them, create the record and enqueue transcription. Any failure aborts
// the job before the transcription job exists.
func (p *Pipeline) Intake(ctx context.Context, jobID string, job types.IntakeJob, progress progressFunc) (*types.StageResult, error) {
	if progress == nil {
		progress = noProgress
	}
	ev := job.Event
	log := p.log.WithFields(logrus.Fields{"filename": ev.Filename, "uniqueid": ev.UniqueID})

	if !ev.Incoming() {
		log.WithField("type", ev.Type).Info("skipping non-incoming call")
		return &types.StageResult{Success: true, Processed: false, Message: "Non-incoming call skipped"}, nil
	}

	rec, err := SessionFromEvent(ev, p.loc, p.objects.Bucket())
	if err != nil {
		return nil, permanent(err)
	}
	progress(10)

	base := ev.BaseName()
	customer, err := p.files.Fetch(ctx, base, fileserver.CustomerSuffix)
	if err != nil {
		return nil, err
	}
	agent, err := p.files.Fetch(ctx, base, fileserver.AgentSuffix)
	if err != nil {
		return nil, err
	}
	progress(30)

	dir := filepath.Join(p.tempDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: temp dir: %w", err)
	}
	customerKey, agentKey := ObjectKeys(base)
	customerPath := filepath.Join(dir, customerKey)
	agentPath := filepath.Join(dir, agentKey)
	if err := os.WriteFile(customerPath, customer, 0o644); err != nil {
		return nil, fmt.Errorf("pipeline: write %s: %w", customerKey, err)
	}
	if err := os.WriteFile(agentPath, agent, 0o644); err != nil {
		return nil, fmt.Errorf("pipeline: write %s: %w", agentKey, err)
	}

	if err := p.objects.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	if _, err := p.objects.Put(ctx, customerKey, customer, storage.ContentTypeWAV); err != nil {
		return nil, err
	}
	if _, err := p.objects.Put(ctx, agentKey, agent, storage.ContentTypeWAV); err != nil {
		return nil, err
	}
	progress(60)

	saved, err := p.store.Create(ctx, rec)
	if err != nil {
		return nil, err
	}
	log = log.WithField("session_id", saved.ID)
	progress(80)

	next, err := p.asrQ.Add(ctx, types.JobTranscribe, types.TranscriptionJob{
		SessionEventID:   saved.ID,
		CustomerFilePath: customerPath,
		AgentFilePath:    agentPath,
		Filename:         ev.Filename,
		UniqueID:         ev.UniqueID,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: enqueue transcription: %w", err)
	}

	log.WithField("next_job_id", next.ID).Info("audio stored, transcription queued")
	return &types.StageResult{
		Success:        true,
		SessionEventID: saved.ID,
		NextJobID:      next.ID,
		Processed:      true,
		Message:        "Session stored, transcription queued",
	}, nil
}
