package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/alikalatearabi/opera-qc-elastic/internal/types"
)

// Transcribe runs the ASR stage. Missing channel files fail the job for
// good. A malformed ASR body is forwarded to analysis unless strict
// validation is enabled.
func (p *Pipeline) Transcribe(ctx context.Context, job types.TranscriptionJob, progress progressFunc) (*types.StageResult, error) {
	if progress == nil {
		progress = noProgress
	}
	log := p.log.WithFields(logrus.Fields{
		"filename":   job.Filename,
		"session_id": job.SessionEventID,
		"uniqueid":   job.UniqueID,
	})

	for _, path := range []string{job.CustomerFilePath, job.AgentFilePath} {
		if err := checkFile(path); err != nil {
			return nil, permanent(err)
		}
	}
	progress(10)

	res, err := p.asr.Transcribe(ctx, job.CustomerFilePath, job.AgentFilePath)
	if err != nil {
		return nil, err
	}
	progress(70)

	if !res.Valid() {
		if p.strictASR {
			return nil, permanent(fmt.Errorf("%w: %s", ErrInvalidTranscription, snippet(res.Raw)))
		}
		log.WithField("body", snippet(res.Raw)).Warn("unexpected ASR response shape, forwarding to analysis")
	}

	next, err := p.analysisQ.Add(ctx, types.JobAnalyze, types.AnalysisJob{
		SessionEventID:      job.SessionEventID,
		TranscriptionResult: res.Raw,
		Filename:            job.Filename,
		CustomerFilePath:    job.CustomerFilePath,
		AgentFilePath:       job.AgentFilePath,
		UniqueID:            job.UniqueID,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: enqueue analysis: %w", err)
	}

	log.WithField("next_job_id", next.ID).Info("transcribed, analysis queued")
	return &types.StageResult{
		Success:        true,
		SessionEventID: job.SessionEventID,
		NextJobID:      next.ID,
		Processed:      true,
		Message:        "ASR completed, LLM job enqueued",
	}, nil
}

func checkFile(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrFilesNotFound)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFilesNotFound, path)
	}
	if info.IsDir() || info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrFilesNotFound, path)
	}
	return nil
}

func snippet(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
