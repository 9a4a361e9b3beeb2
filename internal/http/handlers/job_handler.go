package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mkazarin/homefix-backend/internal/models"
	"github.com/mkazarin/homefix-backend/internal/pkg/apperror"
	"github.com/mkazarin/homefix-backend/internal/service"
)

// JobHandler предоставляет HTTP слой жизненного цикла заявок и откликов.
type JobHandler struct {
	jobs *service.JobService
}

// NewJobHandler создаёт хэндлер.
func NewJobHandler(jobs *service.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// Create обрабатывает POST /jobs.
func (h *JobHandler) Create(c *gin.Context) {
	user, err := currentUser(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	var req struct {
		Title       string  `json:"title" binding:"required"`
		Description string  `json:"description" binding:"required"`
		Budget      float64 `json:"budget" binding:"required"`
		Currency    string  `json:"currency"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.jobs.CreateJob(c.Request.Context(), user, service.CreateJobInput{
		Title:       req.Title,
		Description: req.Description,
		Budget:      req.Budget,
		Currency:    req.Currency,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"job": job})
}

// List обрабатывает GET /jobs — открытые заявки.
func (h *JobHandler) List(c *gin.Context) {
	limit, offset := getPagination(c)
	jobs, err := h.jobs.ListOpenJobs(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// ListMine обрабатывает GET /jobs/my — заявки текущего пользователя.
func (h *JobHandler) ListMine(c *gin.Context) {
	userID, err := currentUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	limit, offset := getPagination(c)
	jobs, err := h.jobs.ListUserJobs(c.Request.Context(), userID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// Get обрабатывает GET /jobs/:id.
func (h *JobHandler) Get(c *gin.Context) {
	jobID, err := parseUUIDParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// Publish обрабатывает POST /jobs/:id/publish.
func (h *JobHandler) Publish(c *gin.Context) {
	h.transition(c, h.jobs.Publish)
}

// Cancel обрабатывает POST /jobs/:id/cancel.
func (h *JobHandler) Cancel(c *gin.Context) {
	h.transition(c, h.jobs.Cancel)
}

// Complete обрабатывает POST /jobs/:id/complete.
func (h *JobHandler) Complete(c *gin.Context) {
	h.transition(c, h.jobs.Complete)
}

// SubmitWork обрабатывает POST /jobs/:id/submit-work.
func (h *JobHandler) SubmitWork(c *gin.Context) {
	h.transition(c, h.jobs.SubmitWork)
}

// Archive обрабатывает POST /jobs/:id/archive.
func (h *JobHandler) Archive(c *gin.Context) {
	jobID, err := parseUUIDParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, err := currentUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	if err := h.jobs.Archive(c.Request.Context(), jobID, userID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "заявка архивирована"})
}

// History обрабатывает GET /jobs/:id/history — журнал переходов.
func (h *JobHandler) History(c *gin.Context) {
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

	records, err := h.jobs.History(c.Request.Context(), jobID, user)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": records})
}

// PlaceBid обрабатывает POST /jobs/:id/bids.
func (h *JobHandler) PlaceBid(c *gin.Context) {
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
		Amount  float64 `json:"amount" binding:"required"`
		Message string  `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bid, err := h.jobs.PlaceBid(c.Request.Context(), user, jobID, service.PlaceBidInput{
		Amount:  req.Amount,
		Message: req.Message,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"bid": bid})
}

// ListBids обрабатывает GET /jobs/:id/bids.
func (h *JobHandler) ListBids(c *gin.Context) {
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

	bids, err := h.jobs.ListBids(c.Request.Context(), jobID, user)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bids": bids})
}

// AcceptBid обрабатывает POST /jobs/:id/bids/:bidId/accept.
// В ответе — обновлённая заявка и созданная escrow-транзакция.
func (h *JobHandler) AcceptBid(c *gin.Context) {
	jobID, err := parseUUIDParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bidID, err := parseUUIDParam(c, "bidId")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, err := currentUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	job, esc, err := h.jobs.AcceptBid(c.Request.Context(), jobID, bidID, userID)
	if err != nil && !apperror.Is(err, apperror.ErrCodeProviderRetryable) {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"job": job, "escrow": esc})
}

// WithdrawBid обрабатывает POST /bids/:id/withdraw.
func (h *JobHandler) WithdrawBid(c *gin.Context) {
	bidID, err := parseUUIDParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, err := currentUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	if err := h.jobs.WithdrawBid(c.Request.Context(), bidID, userID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "отклик отозван"})
}

// ListMyBids обрабатывает GET /bids/my.
func (h *JobHandler) ListMyBids(c *gin.Context) {
	userID, err := currentUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	limit, offset := getPagination(c)
	bids, err := h.jobs.ListContractorBids(c.Request.Context(), userID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bids": bids})
}

// transition — общий каркас для эндпоинтов перехода по заявке.
func (h *JobHandler) transition(c *gin.Context, fn func(ctx context.Context, jobID, actorID uuid.UUID) (*models.Job, error)) {
	jobID, err := parseUUIDParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, err := currentUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	job, err := fn(c.Request.Context(), jobID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}
