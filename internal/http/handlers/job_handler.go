// Package handlers – job endpoints.
//
// This file implements the enqueue and status endpoints of the public API.
// Enqueue is asynchronous by contract: a 202 acknowledges that the job is
// durably registered, never that it was delivered. Duplicate submissions of
// the same (recipient_key, scheduled_at) pair return the same job id with
// created=false instead of an error.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-notify-pipeline/internal/domain"
	"github.com/tbourn/go-notify-pipeline/internal/services"
	"github.com/tbourn/go-notify-pipeline/internal/utils"
)

// Handler aggregates the API dependencies. Constructed once in the router.
type Handler struct {
	Producer *services.Producer
	Status   *services.Status
	Ops      *services.Ops
}

// New wires the handler set over the given services.
func New(p *services.Producer, s *services.Status, o *services.Ops) *Handler {
	return &Handler{Producer: p, Status: s, Ops: o}
}

// enqueueRequest is the POST /jobs body.
type enqueueRequest struct {
	// RecipientKey identifies the recipient; it never contains PII directly.
	RecipientKey string `json:"recipient_key" binding:"required"`
	// Payload is the message body to deliver, at most the configured ceiling.
	Payload string `json:"payload" binding:"required"`
	// ScheduledAt is the RFC3339 delivery time. Past times mean "send now".
	ScheduledAt time.Time `json:"scheduled_at" binding:"required"`
}

// enqueueResponse acknowledges registration, not delivery.
type enqueueResponse struct {
	JobID   string `json:"job_id"`
	Created bool   `json:"created"`
}

// EnqueueJob handles POST /jobs.
//
// Responses:
//   - 202 Accepted with {job_id, created} — created=false for duplicates
//   - 400 on malformed body or validation failure
//   - 413 when the payload exceeds the size ceiling (rejected, not truncated)
//   - 500 on persistence/queue errors
func (h *Handler) EnqueueJob(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	res, err := h.Producer.Enqueue(c.Request.Context(), req.RecipientKey, []byte(req.Payload), req.ScheduledAt)
	switch {
	case errors.Is(err, services.ErrPayloadTooLarge):
		fail(c, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, err.Error())
		return
	case errors.Is(err, services.ErrEmptyRecipient), errors.Is(err, services.ErrZeroSchedule):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeEnqueueFailed, "could not enqueue job")
		return
	}

	ok(c, http.StatusAccepted, enqueueResponse{JobID: res.JobID, Created: res.Created})
}

// GetJob handles GET /jobs/:id and returns the current job view.
func (h *Handler) GetJob(c *gin.Context) {
	view, err := h.Status.Get(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, services.ErrJobNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "job not found")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not load job")
		return
	}
	ok(c, http.StatusOK, view)
}

// listJobsResponse pages through jobs in one lifecycle state.
type listJobsResponse struct {
	Jobs     []services.JobView `json:"jobs"`
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
}

// ListJobs handles GET /jobs?status=failed&page=1&page_size=20. The status
// filter is required; listing every job in the table is not a supported
// operation.
func (h *Handler) ListJobs(c *gin.Context) {
	status := domain.JobStatus(c.Query("status"))
	switch status {
	case domain.JobPending, domain.JobInFlight, domain.JobDelivered, domain.JobFailed, domain.JobSkipped:
	default:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown or missing status filter")
		return
	}

	page := utils.AtoiDefault(c.Query("page"), 1)
	pageSize := utils.AtoiDefault(c.Query("page_size"), 20)

	views, total, err := h.Status.ListByStatus(c.Request.Context(), status, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list jobs")
		return
	}
	ok(c, http.StatusOK, listJobsResponse{
		Jobs:     views,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}
