package handler

import (
	"errors"
	"net/http"

	"memorial-orders/internal/worker"

	"github.com/gin-gonic/gin"
)

func (h *handler) triggerReconcile(c *gin.Context) {
	report, err := h.reconciler.TriggerNow()
	switch {
	case errors.Is(err, worker.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "reconcile_in_progress"})
	case errors.Is(err, worker.ErrSchedulerStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler_stopped"})
	case err != nil:
		// The pass ran and failed; the report carries the reason.
		c.JSON(http.StatusInternalServerError, report)
	default:
		c.JSON(http.StatusOK, report)
	}
}

func (h *handler) lastReconcile(c *gin.Context) {
	report, ok := h.reconciler.LastReport()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":    "no_pass_yet",
			"running":  h.reconciler.Running(),
			"next_run": h.reconciler.NextRun(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"report":   report,
		"running":  h.reconciler.Running(),
		"next_run": h.reconciler.NextRun(),
	})
}
