package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lesson-sync-api/internal/dto"
	"github.com/noah-isme/lesson-sync-api/internal/models"
	appErrors "github.com/noah-isme/lesson-sync-api/pkg/errors"
	"github.com/noah-isme/lesson-sync-api/pkg/events"
	"github.com/noah-isme/lesson-sync-api/pkg/response"
)

const defaultHeartbeat = 15 * time.Second

type jobService interface {
	EnqueueCascadeDelete(ctx context.Context, req dto.EnqueueCascadeRequest, actorID string) (*dto.JobResponse, error)
	EnqueueReconciliation(ctx context.Context, req dto.RepairRequest, actorID string) (*dto.JobResponse, error)
	EnqueueOrphanCleanup(ctx context.Context, actorID string) (*dto.JobResponse, error)
	GetJobStatus(ctx context.Context, id string) (*models.JobRecord, error)
	CancelJob(ctx context.Context, id string) (*models.JobRecord, error)
	SubscribeToJobEvents(filter events.Filter) *events.Subscription
}

// JobHandler exposes background job submission, status and event streams.
type JobHandler struct {
	jobs      jobService
	heartbeat time.Duration
}

// NewJobHandler constructs a JobHandler. heartbeat <= 0 uses 15s.
func NewJobHandler(jobs jobService, heartbeat time.Duration) *JobHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &JobHandler{jobs: jobs, heartbeat: heartbeat}
}

// EnqueueCascade godoc
// @Summary Queue a cascade deletion
// @Tags Jobs
// @Accept json
// @Produce json
// @Param payload body dto.EnqueueCascadeRequest true "Cascade job"
// @Success 202 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /admin/cascade-jobs [post]
func (h *JobHandler) EnqueueCascade(c *gin.Context) {
	var req dto.EnqueueCascadeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid cascade job payload"))
		return
	}
	job, err := h.jobs.EnqueueCascadeDelete(c.Request.Context(), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, job)
}

// EnqueueReconciliation godoc
// @Summary Queue a full consistency repair
// @Tags Jobs
// @Accept json
// @Produce json
// @Param payload body dto.RepairRequest false "Repair options"
// @Success 202 {object} response.Envelope
// @Router /admin/consistency/jobs [post]
func (h *JobHandler) EnqueueReconciliation(c *gin.Context) {
	var req dto.RepairRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid repair payload"))
			return
		}
	}
	job, err := h.jobs.EnqueueReconciliation(c.Request.Context(), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, job)
}

// EnqueueOrphanCleanup godoc
// @Summary Queue removal of references to missing entities
// @Tags Jobs
// @Produce json
// @Success 202 {object} response.Envelope
// @Router /admin/consistency/orphan-cleanup [post]
func (h *JobHandler) EnqueueOrphanCleanup(c *gin.Context) {
	job, err := h.jobs.EnqueueOrphanCleanup(c.Request.Context(), actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, job)
}

// Status godoc
// @Summary Job status
// @Tags Jobs
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} response.Envelope
// @Router /admin/cascade-jobs/{id} [get]
func (h *JobHandler) Status(c *gin.Context) {
	record, err := h.jobs.GetJobStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record, nil)
}

// Cancel godoc
// @Summary Cancel a job that has not started
// @Tags Jobs
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /admin/cascade-jobs/{id} [delete]
func (h *JobHandler) Cancel(c *gin.Context) {
	record, err := h.jobs.CancelJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record, nil)
}

// Events godoc
// @Summary Stream job events
// @Description Server-sent events. The first event is the current status; the stream ends after a terminal event.
// @Tags Jobs
// @Produce text/event-stream
// @Param id path string true "Job ID"
// @Success 200 {string} string "event stream"
// @Router /admin/cascade-jobs/{id}/events [get]
func (h *JobHandler) Events(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	// Subscribe before reading the status so no transition falls between the two.
	sub := h.jobs.SubscribeToJobEvents(events.Filter{JobID: id})
	defer sub.Close()

	record, err := h.jobs.GetJobStatus(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent("status", record)
	c.Writer.Flush()
	if record.Status.Terminal() {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"timestamp": time.Now().UTC()})
			c.Writer.Flush()
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			c.SSEvent(string(e.Type), e)
			c.Writer.Flush()
			if e.Terminal() {
				return
			}
		}
	}
}
