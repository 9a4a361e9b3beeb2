package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mkazarin/homefix-backend/internal/pkg/apperror"
	"github.com/mkazarin/homefix-backend/internal/service"
)

// EscrowHandler предоставляет HTTP слой движения средств.
type EscrowHandler struct {
	escrow *service.EscrowService
}

// NewEscrowHandler создаёт хэндлер.
func NewEscrowHandler(escrow *service.EscrowService) *EscrowHandler {
	return &EscrowHandler{escrow: escrow}
}

// Get обрабатывает GET /jobs/:id/escrow.
func (h *EscrowHandler) Get(c *gin.Context) {
	jobID, err := parseUUIDParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	esc, err := h.escrow.GetByJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

// Release обрабатывает POST /jobs/:id/escrow/release — одобрение выплаты
// домовладельцем. Повторный вызов идемпотентен: возвращается текущее
// состояние с кодом ALREADY_PROCESSED.
func (h *EscrowHandler) Release(c *gin.Context) {
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

	esc, err := h.escrow.Release(c.Request.Context(), jobID, userID)
	h.respondSettle(c, esc, err)
}

// AdminRelease обрабатывает POST /admin/escrow/:id/release.
func (h *EscrowHandler) AdminRelease(c *gin.Context) {
	escrowID, err := parseUUIDParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, err := currentUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	esc, err := h.escrow.AdminRelease(c.Request.Context(), escrowID, userID)
	h.respondSettle(c, esc, err)
}

// AdminRefund обрабатывает POST /admin/escrow/:id/refund.
func (h *EscrowHandler) AdminRefund(c *gin.Context) {
	escrowID, err := parseUUIDParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, err := currentUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	esc, err := h.escrow.AdminRefund(c.Request.Context(), escrowID, userID)
	h.respondSettle(c, esc, err)
}

// ListFailed обрабатывает GET /admin/escrow/failed — очередь ручного разбора.
func (h *EscrowHandler) ListFailed(c *gin.Context) {
	limit, offset := getPagination(c)
	escrows, err := h.escrow.ListFailed(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows})
}

// respondSettle формирует ответ операции движения средств: дубль и
// временная недоступность провайдера — не ошибки для клиента.
func (h *EscrowHandler) respondSettle(c *gin.Context, esc interface{}, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"escrow": esc})
	case apperror.Is(err, apperror.ErrCodeAlreadyProcessed):
		c.JSON(http.StatusOK, gin.H{"escrow": esc, "code": apperror.ErrCodeAlreadyProcessed})
	case apperror.Is(err, apperror.ErrCodeProviderRetryable):
		// Операция зарезервирована и будет доведена сверкой.
		c.JSON(http.StatusAccepted, gin.H{"escrow": esc, "code": apperror.ErrCodeProviderRetryable})
	default:
		respondError(c, err)
	}
}
