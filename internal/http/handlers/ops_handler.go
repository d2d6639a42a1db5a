// Package handlers – operator endpoints.
//
// These endpoints back manual intervention and monitoring: queue health,
// breaker snapshots, forced circuit resets, and manual retry of terminally
// failed jobs. They are deliberate actions, never called by the pipeline
// itself.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-notify-pipeline/internal/services"
)

// QueueHealth handles GET /ops/health and reports per-state job counts plus
// live queue depths.
func (h *Handler) QueueHealth(c *gin.Context) {
	health, err := h.Status.Health(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not read queue health")
		return
	}
	ok(c, http.StatusOK, health)
}

// ListCircuits handles GET /ops/circuits and returns a snapshot of every
// circuit breaker in use.
func (h *Handler) ListCircuits(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"circuits": h.Ops.Circuits()})
}

// ResetCircuit handles POST /ops/circuits/:name/reset. Unknown names are a
// 404 so a typo never looks like a successful reset.
func (h *Handler) ResetCircuit(c *gin.Context) {
	if err := h.Ops.ResetCircuit(c.Param("name")); err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}
	noContent(c)
}

// RetryJob handles POST /jobs/:id/retry. Only jobs in the failed terminal
// state are eligible; retrying a delivered job is a conflict, not a no-op.
func (h *Handler) RetryJob(c *gin.Context) {
	err := h.Ops.RetryFailedJob(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, services.ErrJobNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "job not found")
		return
	case errors.Is(err, services.ErrJobNotFailed):
		fail(c, http.StatusConflict, ErrCodeConflict, "job is not in a failed state")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeRetryFailed, "could not retry job")
		return
	}
	noContent(c)
}
