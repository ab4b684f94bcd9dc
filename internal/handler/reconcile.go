package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/web-casa/dockerops/internal/reconcile"
)

// Reconciler is the part of the reconcile service the API exposes.
type Reconciler interface {
	Status(ctx context.Context) (*reconcile.Status, error)
	Trigger(force bool) bool
}

// ReconcileHandler serves persisted state and queues passes.
type ReconcileHandler struct {
	svc Reconciler
}

func NewReconcileHandler(svc Reconciler) *ReconcileHandler {
	return &ReconcileHandler{svc: svc}
}

func (h *ReconcileHandler) status(c *gin.Context) (*reconcile.Status, bool) {
	status, err := h.svc.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "error_key": "error.store"})
		return nil, false
	}
	return status, true
}

// Sources lists watched source trees.
func (h *ReconcileHandler) Sources(c *gin.Context) {
	if status, ok := h.status(c); ok {
		c.JSON(http.StatusOK, gin.H{"sources": status.Sources, "total": len(status.Sources)})
	}
}

// Stacks lists stack records.
func (h *ReconcileHandler) Stacks(c *gin.Context) {
	if status, ok := h.status(c); ok {
		c.JSON(http.StatusOK, gin.H{"stacks": status.Stacks, "total": len(status.Stacks)})
	}
}

// Images lists image reference counts.
func (h *ReconcileHandler) Images(c *gin.Context) {
	if status, ok := h.status(c); ok {
		c.JSON(http.StatusOK, gin.H{"images": status.Images, "total": len(status.Images)})
	}
}

// Reconcile queues a pass. A request made while another is already queued
// is folded into it.
func (h *ReconcileHandler) Reconcile(c *gin.Context) {
	force := false
	if v := c.Query("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "force must be a boolean", "error_key": "error.bad_request"})
			return
		}
		force = parsed
	}
	queued := h.svc.Trigger(force)
	c.JSON(http.StatusAccepted, gin.H{"queued": queued, "force": force})
}
