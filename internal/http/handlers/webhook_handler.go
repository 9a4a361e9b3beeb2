package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mkazarin/homefix-backend/internal/service"
)

// Заголовок с HMAC-подписью тела запроса.
const signatureHeader = "X-Provider-Signature"

// Тело вебхука ограничено: события провайдера компактны.
const maxWebhookBody = 256 * 1024

// WebhookHandler принимает события платёжного провайдера.
type WebhookHandler struct {
	webhooks *service.WebhookService
}

// NewWebhookHandler создаёт хэндлер.
func NewWebhookHandler(webhooks *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks}
}

// Handle обрабатывает POST /webhooks/payments. Подпись считается от сырого
// тела, поэтому тело читается до любого парсинга.
func (h *WebhookHandler) Handle(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "не удалось прочитать тело запроса"})
		return
	}

	signature := c.GetHeader(signatureHeader)
	if signature == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "отсутствует подпись"})
		return
	}

	if err := h.webhooks.Process(c.Request.Context(), body, signature); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
