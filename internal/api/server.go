// Package api serves the webhook that admits call sessions into the
// pipeline and the job inspection endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/alikalatearabi/opera-qc-elastic/internal/logger"
	"github.com/alikalatearabi/opera-qc-elastic/internal/store"
)

// MaxBodyBytes caps webhook request bodies.
const MaxBodyBytes = 1 << 20

// Options holds the server dependencies.
type Options struct {
	DB       *gorm.DB
	Store    store.SessionStore
	Ingestor *Ingestor
	Logger   *logger.Logger

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server is the HTTP front end.
type Server struct {
	opts   Options
	router *gin.Engine
	log    *logger.Logger
}

// New validates opts and registers the routes.
func New(opts Options) (*Server, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("api: db is required")
	}
	if opts.Store == nil || opts.Ingestor == nil {
		return nil, fmt.Errorf("api: store and ingestor are required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.New()
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(opts.Logger))

	s := &Server{opts: opts, router: router, log: opts.Logger.Component("api")}
	s.registerRoutes()
	return s, nil
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.opts.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Warn("http shutdown")
		}
	}()

	s.log.WithField("addr", addr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// requestLogger logs one line per request with status and latency.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		entry := log.WithRequest(c.Request)
		c.Header("X-Request-ID", c.Request.Header.Get("X-Request-ID"))
		c.Next()

		entry = entry.WithField("status", c.Writer.Status()).
			WithField("latency_ms", time.Since(start).Milliseconds())
		switch {
		case c.Writer.Status() >= 500:
			entry.Error("request failed")
		case c.Writer.Status() >= 400:
			entry.Warn("request rejected")
		default:
			entry.Info("request handled")
		}
	}
}
