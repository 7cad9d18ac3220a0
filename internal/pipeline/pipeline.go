// Package pipeline implements the three stage handlers of the call
// quality-control pipeline: intake (fetch and store audio, create the
// record), transcription and LLM analysis.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/alikalatearabi/opera-qc-elastic/internal/logger"
	"github.com/alikalatearabi/opera-qc-elastic/internal/models"
	"github.com/alikalatearabi/opera-qc-elastic/internal/queue"
	"github.com/alikalatearabi/opera-qc-elastic/internal/store"
	"github.com/alikalatearabi/opera-qc-elastic/internal/types"
)

var (
	// ErrFilesNotFound means a channel file was missing or empty when the
	// transcription stage started. Retrying cannot fix it.
	ErrFilesNotFound = errors.New("pipeline: files not found")
	// ErrInvalidTranscription means the ASR body lacked a transcript while
	// strict validation is on.
	ErrInvalidTranscription = errors.New("pipeline: invalid transcription response")
)

// Fetcher downloads one channel of a recording.
type Fetcher interface {
	Fetch(ctx context.Context, baseName, suffix string) ([]byte, error)
}

// ObjectStore keeps audio blobs.
type ObjectStore interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Bucket() string
}

// Transcriber is the ASR service.
type Transcriber interface {
	Transcribe(ctx context.Context, customerPath, agentPath string) (*types.TranscriptionResult, error)
}

// Analyzer is the LLM analysis service.
type Analyzer interface {
	Analyze(ctx context.Context, transcription json.RawMessage) (*types.AnalysisResponse, error)
}

// Enqueuer adds a job to a stage queue.
type Enqueuer interface {
	Add(ctx context.Context, jobName string, payload any) (*models.Job, error)
}

// Deps wires a Pipeline.
type Deps struct {
	Store              store.SessionStore
	Files              Fetcher
	Objects            ObjectStore
	ASR                Transcriber
	Analyzer           Analyzer
	TranscriptionQueue Enqueuer
	AnalysisQueue      Enqueuer
	TempDir            string
	Location           *time.Location
	StrictASR          bool
	Logger             *logger.Logger
	Now                func() time.Time
}

// Pipeline holds the collaborators shared by the stage handlers.
type Pipeline struct {
	store     store.SessionStore
	files     Fetcher
	objects   ObjectStore
	asr       Transcriber
	analyzer  Analyzer
	asrQ      Enqueuer
	analysisQ Enqueuer
	tempDir   string
	loc       *time.Location
	strictASR bool
	log       *logger.Logger
	now       func() time.Time
}

// New builds a Pipeline.
func New(d Deps) *Pipeline {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	log := d.Logger
	if log == nil {
		log = logger.New()
	}
	return &Pipeline{
		store:     d.Store,
		files:     d.Files,
		objects:   d.Objects,
		asr:       d.ASR,
		analyzer:  d.Analyzer,
		asrQ:      d.TranscriptionQueue,
		analysisQ: d.AnalysisQueue,
		tempDir:   d.TempDir,
		loc:       loc,
		strictASR: d.StrictASR,
		log:       log.Component("pipeline"),
		now:       now,
	}
}

// progressFunc reports a percentage for the running job.
type progressFunc func(pct int)

func noProgress(int) {}

// IntakeHandler adapts Intake to a queue worker.
func (p *Pipeline) IntakeHandler() queue.Handler {
	return func(ctx context.Context, task *queue.Task) (any, error) {
		var job types.IntakeJob
		if err := task.Decode(&job); err != nil {
			return nil, permanent(err)
		}
		return p.Intake(ctx, task.ID, job, func(pct int) { task.Progress(ctx, pct) })
	}
}

// TranscriptionHandler adapts Transcribe to a queue worker.
func (p *Pipeline) TranscriptionHandler() queue.Handler {
	return func(ctx context.Context, task *queue.Task) (any, error) {
		var job types.TranscriptionJob
		if err := task.Decode(&job); err != nil {
			return nil, permanent(err)
		}
		return p.Transcribe(ctx, job, func(pct int) { task.Progress(ctx, pct) })
	}
}

// AnalysisHandler adapts Analyze to a queue worker.
func (p *Pipeline) AnalysisHandler() queue.Handler {
	return func(ctx context.Context, task *queue.Task) (any, error) {
		var job types.AnalysisJob
		if err := task.Decode(&job); err != nil {
			return nil, permanent(err)
		}
		return p.Analyze(ctx, job, func(pct int) { task.Progress(ctx, pct) })
	}
}
