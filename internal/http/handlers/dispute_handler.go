package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mkazarin/homefix-backend/internal/service"
)

// DisputeHandler предоставляет HTTP слой споров и арбитража.
type DisputeHandler struct {
	disputes *service.DisputeService
}

// NewDisputeHandler создаёт хэндлер.
func NewDisputeHandler(disputes *service.DisputeService) *DisputeHandler {
	return &DisputeHandler{disputes: disputes}
}

// Raise обрабатывает POST /jobs/:id/disputes.
func (h *DisputeHandler) Raise(c *gin.Context) {
	jobID, err := parseUUIDParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := currentUser(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dispute, err := h.disputes.Raise(c.Request.Context(), jobID, user, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": dispute})
}

// Get обрабатывает GET /disputes/:id.
func (h *DisputeHandler) Get(c *gin.Context) {
	disputeID, err := parseUUIDParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := currentUser(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	dispute, err := h.disputes.Get(c.Request.Context(), disputeID, user)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// ListOpen обрабатывает GET /admin/disputes — очередь арбитража.
func (h *DisputeHandler) ListOpen(c *gin.Context) {
	limit, offset := getPagination(c)
	disputes, err := h.disputes.ListOpen(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes})
}

// Resolve обрабатывает POST /admin/disputes/:id/resolve.
func (h *DisputeHandler) Resolve(c *gin.Context) {
	disputeID, err := parseUUIDParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := currentUser(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	var req struct {
		Outcome string `json:"outcome" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dispute, err := h.disputes.Resolve(c.Request.Context(), disputeID, user, req.Outcome)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}
