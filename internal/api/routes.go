package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/alikalatearabi/opera-qc-elastic/internal/models"
	"github.com/alikalatearabi/opera-qc-elastic/internal/queue"
	"github.com/alikalatearabi/opera-qc-elastic/internal/store"
	"github.com/alikalatearabi/opera-qc-elastic/internal/types"
)

// envelope is the response body of every JSON endpoint.
type envelope struct {
	Success    bool        `json:"success"`
	Message    string      `json:"message"`
	Data       interface{} `json:"data"`
	StatusCode int         `json:"statusCode"`
}

func respond(c *gin.Context, code int, msg string, data interface{}) {
	c.JSON(code, envelope{Success: code < 400, Message: msg, Data: data, StatusCode: code})
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	api := s.router.Group("/api")
	api.POST("/event/sessionReceived", s.handleSessionReceived)
	api.GET("/event/:id", s.handleGetEvent)
	api.GET("/jobs", s.handleListJobs)
	api.GET("/jobs/:jobId/status", s.handleJobStatus)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleSessionReceived(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes)

	var ev types.IngestionEvent
	if err := json.NewDecoder(c.Request.Body).Decode(&ev); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respond(c, http.StatusRequestEntityTooLarge, "Request body too large", nil)
			return
		}
		respond(c, http.StatusBadRequest, "Invalid request body", gin.H{"error": err.Error()})
		return
	}

	out, err := s.opts.Ingestor.Ingest(c.Request.Context(), ev)
	switch {
	case errors.Is(err, ErrInvalidEvent) && out != nil && len(out.Missing) > 0:
		respond(c, http.StatusBadRequest, "Missing required fields", gin.H{"missing": out.Missing})
		return
	case errors.Is(err, ErrInvalidEvent):
		respond(c, http.StatusBadRequest, "Invalid date", gin.H{"error": err.Error()})
		return
	case err != nil:
		s.log.WithError(err).Error("failed to queue session event")
		respond(c, http.StatusInternalServerError, "Failed to queue session event", nil)
		return
	}

	switch out.Status {
	case StatusSkipped:
		respond(c, http.StatusOK, "Non-incoming call received. No processing performed.", gin.H{
			"type":      ev.Type,
			"processed": false,
		})
	case StatusDuplicate:
		respond(c, http.StatusOK, "Duplicate session event ignored", gin.H{
			"type":      ev.Type,
			"filename":  ev.Filename,
			"processed": false,
			"reason":    "duplicate",
		})
	default:
		respond(c, http.StatusOK, "Session event processing started (sequential processing)", gin.H{
			"jobId":     out.Job.ID,
			"status":    out.Job.State,
			"type":      ev.Type,
			"processed": true,
		})
	}
}

func (s *Server) handleGetEvent(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		respond(c, http.StatusBadRequest, "Invalid event id", nil)
		return
	}
	rec, err := s.opts.Store.FindByID(c.Request.Context(), uint(id))
	if errors.Is(err, store.ErrNotFound) {
		respond(c, http.StatusNotFound, "Session event not found", nil)
		return
	}
	if err != nil {
		s.log.WithError(err).Error("load session event")
		respond(c, http.StatusInternalServerError, "Failed to load session event", nil)
		return
	}
	respond(c, http.StatusOK, "Session event retrieved", eventView{SessionRecord: rec, Processing: rec.Processing()})
}

// eventView is a stored record plus whether analysis is still pending.
type eventView struct {
	*models.SessionRecord
	Processing bool `json:"processing"`
}

func (s *Server) handleJobStatus(c *gin.Context) {
	job, err := queue.Get(c.Request.Context(), s.opts.DB, c.Param("jobId"))
	if errors.Is(err, queue.ErrJobNotFound) {
		respond(c, http.StatusNotFound, "Job not found", nil)
		return
	}
	if err != nil {
		s.log.WithError(err).Error("load job")
		respond(c, http.StatusInternalServerError, "Failed to load job", nil)
		return
	}

	var result interface{}
	if len(job.Result) > 0 {
		result = json.RawMessage(job.Result)
	}
	respond(c, http.StatusOK, "Job status retrieved", gin.H{
		"jobId":        job.ID,
		"queue":        job.Queue,
		"name":         job.Name,
		"state":        job.State,
		"progress":     job.Progress,
		"result":       result,
		"failedReason": job.FailedReason,
		"finished":     job.IsDone(),
		"attemptsMade": job.Attempts,
		"maxAttempts":  job.MaxAttempts,
	})
}

func (s *Server) handleListJobs(c *gin.Context) {
	name := c.DefaultQuery("queue", queue.Intake)
	if !knownQueue(name) {
		respond(c, http.StatusBadRequest, "Unknown queue", gin.H{"queues": queue.Names})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	ctx := c.Request.Context()
	jobs, err := queue.List(ctx, s.opts.DB, name, limit)
	if err != nil {
		s.log.WithError(err).Error("list jobs")
		respond(c, http.StatusInternalServerError, "Failed to list jobs", nil)
		return
	}
	counts, err := queue.Counts(ctx, s.opts.DB, name)
	if err != nil {
		s.log.WithError(err).Error("count jobs")
		respond(c, http.StatusInternalServerError, "Failed to list jobs", nil)
		return
	}

	data := gin.H{"queue": name, "counts": counts}
	for state, list := range jobs {
		data[state] = list
	}
	respond(c, http.StatusOK, "Jobs retrieved", data)
}

func knownQueue(name string) bool {
	for _, n := range queue.Names {
		if n == name {
			return true
		}
	}
	return false
}
