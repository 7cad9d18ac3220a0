package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gorm.io/gorm"

	"github.com/alikalatearabi/opera-qc-elastic/internal/analysis"
	"github.com/alikalatearabi/opera-qc-elastic/internal/api"
	"github.com/alikalatearabi/opera-qc-elastic/internal/config"
	"github.com/alikalatearabi/opera-qc-elastic/internal/db"
	"github.com/alikalatearabi/opera-qc-elastic/internal/dedup"
	"github.com/alikalatearabi/opera-qc-elastic/internal/fileserver"
	"github.com/alikalatearabi/opera-qc-elastic/internal/logger"
	"github.com/alikalatearabi/opera-qc-elastic/internal/pipeline"
	"github.com/alikalatearabi/opera-qc-elastic/internal/queue"
	"github.com/alikalatearabi/opera-qc-elastic/internal/storage"
	"github.com/alikalatearabi/opera-qc-elastic/internal/store"
	"github.com/alikalatearabi/opera-qc-elastic/internal/transcription"
)

// app holds the process-wide dependencies built from config.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	db     *gorm.DB
	loc    *time.Location
	store  *store.GormStore
	queues map[string]*queue.Queue
}

// bootstrap loads config, connects and migrates the database and opens the
// stage queues.
func bootstrap(path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log := logger.NewWithOptions(logger.Options{Environment: cfg.Environment, Level: cfg.LogLevel})
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	gdb, err := db.Connect(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return nil, err
	}

	p := cfg.Pipeline
	stages := map[string]config.StageConfig{
		queue.Intake:        p.Intake,
		queue.Transcription: p.Transcription,
		queue.Analysis:      p.Analysis,
	}
	queues := make(map[string]*queue.Queue, len(stages))
	for name, sc := range stages {
		queues[name] = queue.New(gdb, name, queue.Options{MaxAttempts: sc.Attempts, BackoffInitial: p.BackoffInitial})
	}

	return &app{
		cfg:    cfg,
		log:    log,
		db:     gdb,
		loc:    loc,
		store:  store.NewGormStore(gdb),
		queues: queues,
	}, nil
}

func (a *app) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func (a *app) gate() dedup.Gate {
	if a.cfg.Dedup.Backend == "db" {
		return dedup.NewDBGate(a.db, a.cfg.Dedup.TTL, a.log)
	}
	return dedup.NewMemoryGate(a.cfg.Dedup.TTL)
}

func (a *app) ingestor() *api.Ingestor {
	return api.NewIngestor(a.gate(), a.queues[queue.Intake], a.loc, a.log)
}

func (a *app) server() (*api.Server, error) {
	s := a.cfg.Server
	return api.New(api.Options{
		DB:           a.db,
		Store:        a.store,
		Ingestor:     a.ingestor(),
		Logger:       a.log,
		Port:         s.Port,
		ReadTimeout:  s.ReadTimeout,
		WriteTimeout: s.WriteTimeout,
		IdleTimeout:  s.IdleTimeout,
	})
}

// newPipeline wires the stage handlers to the external services.
func (a *app) newPipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	if err := a.cfg.ValidateWorkers(); err != nil {
		return nil, err
	}
	c := a.cfg
	objects, err := storage.New(ctx, storage.Options{
		Endpoint:  c.Storage.Endpoint,
		Region:    c.Storage.Region,
		AccessKey: c.Storage.AccessKey,
		SecretKey: c.Storage.SecretKey,
		Bucket:    c.Storage.Bucket,
	})
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(c.Pipeline.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	return pipeline.New(pipeline.Deps{
		Store:              a.store,
		Files:              fileserver.New(c.FileServer.BaseURL, c.FileServer.Username, c.FileServer.Password, c.FileServer.Timeout),
		Objects:            objects,
		ASR:                transcription.New(c.ASR.URL, c.ASR.Timeout),
		Analyzer:           analysis.New(c.Analysis.URL, c.Analysis.Timeout),
		TranscriptionQueue: a.queues[queue.Transcription],
		AnalysisQueue:      a.queues[queue.Analysis],
		TempDir:            c.Pipeline.TempDir,
		Location:           a.loc,
		StrictASR:          c.ASR.Strict,
		Logger:             a.log,
	}), nil
}

// runWorkers starts one pool per stage plus the maintenance cron and blocks
// until ctx is cancelled and in-flight jobs have finished.
func (a *app) runWorkers(ctx context.Context) error {
	p, err := a.newPipeline(ctx)
	if err != nil {
		return err
	}
	pc := a.cfg.Pipeline

	maint := queue.NewMaintenance(a.db, queue.Names, pc.StaleAfter,
		queue.Retention{KeepCompleted: pc.KeepCompleted, KeepFailed: pc.KeepFailed}, a.log)
	maint.RunOnce(ctx)
	sched, err := maint.Start(ctx, pc.Maintenance)
	if err != nil {
		return err
	}
	defer sched.Stop()

	pools := []*queue.Worker{
		queue.NewWorker(a.queues[queue.Intake], p.IntakeHandler(), pc.Intake.Concurrency, pc.PollInterval, a.log),
		queue.NewWorker(a.queues[queue.Transcription], p.TranscriptionHandler(), pc.Transcription.Concurrency, pc.PollInterval, a.log),
		queue.NewWorker(a.queues[queue.Analysis], p.AnalysisHandler(), pc.Analysis.Concurrency, pc.PollInterval, a.log),
	}
	var wg sync.WaitGroup
	for _, w := range pools {
		wg.Add(1)
		go func(w *queue.Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	wg.Wait()
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(log *logger.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig.String()).Info("shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
