package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/alikalatearabi/opera-qc-elastic/internal/store"
	"github.com/alikalatearabi/opera-qc-elastic/internal/types"
)

// Analyze runs the analysis stage: call the analysis service, merge the
// verdicts into the record and remove the local channel files. Cleanup runs
// whether or not the call succeeded and never fails the job.
func (p *Pipeline) Analyze(ctx context.Context, job types.AnalysisJob, progress progressFunc) (*types.StageResult, error) {
	if progress == nil {
		progress = noProgress
	}
	log := p.log.WithFields(logrus.Fields{
		"filename":   job.Filename,
		"session_id": job.SessionEventID,
		"uniqueid":   job.UniqueID,
	})

	resp, err := p.analyzer.Analyze(ctx, job.TranscriptionResult)
	p.cleanup(log, job.CustomerFilePath, job.AgentFilePath)
	if err != nil {
		return nil, err
	}
	progress(60)

	fields := AnalysisFields(resp, job.TranscriptionResult, p.now())
	if _, err := p.store.Update(ctx, job.SessionEventID, fields); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, permanent(err)
		}
		return nil, err
	}

	log.Info("analysis stored")
	return &types.StageResult{
		Success:        true,
		SessionEventID: job.SessionEventID,
		Processed:      true,
		Message:        "LLM analysis completed successfully",
	}, nil
}

// cleanup removes the channel files and their job directory, best effort.
func (p *Pipeline) cleanup(log *logrus.Entry, paths ...string) {
	dirs := map[string]bool{}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("path", path).Warn("failed to remove temp file")
		}
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		// Only the per-job directory under the temp root is removed, and only
		// when empty.
		if p.tempDir != "" && filepath.Dir(dir) == filepath.Clean(p.tempDir) {
			_ = os.Remove(dir)
		}
	}
}
