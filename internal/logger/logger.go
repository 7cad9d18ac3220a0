package logger

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/alikalatearabi/opera-qc-elastic/internal/models"
)

type Logger struct {
	*logrus.Entry
}

// Options overrides the environment-driven defaults. Zero values fall back to
// ENVIRONMENT / LOG_LEVEL.
type Options struct {
	Environment string
	Level       string
	Output      io.Writer
}

func New() *Logger {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) *Logger {
	base := logrus.New()

	env := opts.Environment
	if env == "" {
		env = os.Getenv("ENVIRONMENT")
	}
	// Local env = pretty console; others = JSON
	if env == "" || env == "local" {
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
			ForceColors:     true,
		})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if opts.Output != nil {
		base.SetOutput(opts.Output)
	} else {
		base.SetOutput(os.Stdout)
	}

	level := opts.Level
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	base.SetLevel(parseLevel(level))

	return &Logger{Entry: logrus.NewEntry(base).WithField("service", "opera-qc")}
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{Entry: l.Entry.WithField("component", name)}
}

// WithRequest attaches request metadata and returns an entry
func (l *Logger) WithRequest(r *http.Request) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"req_id":     RequestID(r),
		"method":     r.Method,
		"path":       r.URL.Path,
		"remote_ip":  r.RemoteAddr,
		"user_agent": r.UserAgent(),
	})
}

// RequestID returns the caller-supplied X-Request-ID, generating one when the
// header is absent so every log line of a request can be correlated.
func RequestID(r *http.Request) string {
	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = uuid.New().String()
		r.Header.Set("X-Request-ID", reqID)
	}
	return reqID
}

// WithJob tags worker log lines with the job identity.
func (l *Logger) WithJob(job *models.Job) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"queue":   job.Queue,
		"attempt": job.Attempts,
	})
}

// WithError standardizes error logging
func (l *Logger) WithError(err error) *logrus.Entry {
	if err == nil {
		return l.Entry
	}
	return l.Entry.WithField("error", err.Error())
}
