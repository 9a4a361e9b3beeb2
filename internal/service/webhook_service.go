package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/mkazarin/homefix-backend/internal/logger"
	"github.com/mkazarin/homefix-backend/internal/models"
	"github.com/mkazarin/homefix-backend/internal/pkg/apperror"
)

// Типы событий платёжного провайдера.
const (
	WebhookHoldSucceeded     = "hold.succeeded"
	WebhookHoldFailed        = "hold.failed"
	WebhookTransferSucceeded = "transfer.succeeded"
	WebhookTransferFailed    = "transfer.failed"
	WebhookRefundSucceeded   = "refund.succeeded"
	WebhookRefundFailed      = "refund.failed"
)

// WebhookEvent — конверт события провайдера.
type WebhookEvent struct {
	ID   string           `json:"id"`
	Type string           `json:"type"`
	Data WebhookEventData `json:"data"`
}

// WebhookEventData — полезная нагрузка события.
type WebhookEventData struct {
	HoldID     string `json:"hold_id"`
	TransferID string `json:"transfer_id,omitempty"`
	RefundID   string `json:"refund_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// WebhookEventStore — журнал обработанных событий.
type WebhookEventStore interface {
	MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error)
}

// WebhookEscrowCoordinator — операции над escrow, инициируемые вебхуками.
type WebhookEscrowCoordinator interface {
	GetByProviderIntentID(ctx context.Context, providerIntentID string) (*models.EscrowTransaction, error)
	ConfirmHold(ctx context.Context, escrowID uuid.UUID, actorID *uuid.UUID) (*models.EscrowTransaction, error)
	FailHold(ctx context.Context, escrowID uuid.UUID, reason string) (*models.EscrowTransaction, error)
	CommitFromProvider(ctx context.Context, esc *models.EscrowTransaction, providerRef string) (*models.EscrowTransaction, error)
	FailFromProvider(ctx context.Context, esc *models.EscrowTransaction, reason string) (*models.EscrowTransaction, error)
}

// WebhookService принимает события провайдера: проверяет подпись,
// отсеивает повторы доставки и применяет событие к escrow-транзакции.
type WebhookService struct {
	secret []byte
	events WebhookEventStore
	escrow WebhookEscrowCoordinator
}

// NewWebhookService создаёт сервис вебхуков.
func NewWebhookService(secret string, events WebhookEventStore, escrow WebhookEscrowCoordinator) *WebhookService {
	return &WebhookService{
		secret: []byte(secret),
		events: events,
		escrow: escrow,
	}
}

// VerifySignature проверяет HMAC-SHA256 подпись сырого тела запроса.
// Сравнение константное по времени.
func (s *WebhookService) VerifySignature(body []byte, signature string) error {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return apperror.New(apperror.ErrCodeInvalidSignature, "подпись вебхука не прошла проверку")
	}
	return nil
}

// Process обрабатывает событие провайдера. Событие регистрируется в журнале
// только после успешного применения: если применение сорвалось, провайдер
// получит не-200 и повторит доставку, а повтор применится заново — переходы
// по escrow защищены условными UPDATE, поэтому повторное применение
// безопасно.
func (s *WebhookService) Process(ctx context.Context, body []byte, signature string) error {
	if err := s.VerifySignature(body, signature); err != nil {
		return err
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeBadRequest, "не удалось разобрать тело вебхука")
	}
	if event.ID == "" || event.Type == "" || event.Data.HoldID == "" {
		return apperror.New(apperror.ErrCodeBadRequest, "в событии отсутствуют обязательные поля")
	}

	if err := s.apply(ctx, &event); err != nil {
		return err
	}

	first, err := s.events.MarkProcessed(ctx, event.ID, event.Type)
	if err != nil {
		return err
	}
	if !first {
		logger.WithComponent("webhook").WithFields(map[string]interface{}{
			"event_id": event.ID,
			"type":     event.Type,
		}).Info("повтор доставки события")
	}
	return nil
}

// apply применяет событие к транзакции. Устаревшие события (транзакция уже
// в терминальном статусе усилиями координатора или сверки) — не ошибка.
func (s *WebhookService) apply(ctx context.Context, event *WebhookEvent) error {
	esc, err := s.escrow.GetByProviderIntentID(ctx, event.Data.HoldID)
	if err != nil {
		if apperror.IsNotFound(err) {
			// Провайдер может прислать событие по удержанию, которое мы не
			// успели привязать (падение между CreateHold и записью intent).
			logger.WithComponent("webhook").WithFields(map[string]interface{}{
				"event_id": event.ID,
				"hold_id":  event.Data.HoldID,
			}).Warn("событие по неизвестному удержанию")
			return nil
		}
		return err
	}

	switch event.Type {
	case WebhookHoldSucceeded:
		_, err = s.escrow.ConfirmHold(ctx, esc.ID, nil)
	case WebhookHoldFailed:
		_, err = s.escrow.FailHold(ctx, esc.ID, reasonOrDefault(event.Data.Reason, "провайдер отклонил удержание"))
	case WebhookTransferSucceeded:
		_, err = s.escrow.CommitFromProvider(ctx, esc, event.Data.TransferID)
	case WebhookTransferFailed:
		_, err = s.escrow.FailFromProvider(ctx, esc, reasonOrDefault(event.Data.Reason, "провайдер отклонил перевод"))
	case WebhookRefundSucceeded:
		_, err = s.escrow.CommitFromProvider(ctx, esc, event.Data.RefundID)
	case WebhookRefundFailed:
		_, err = s.escrow.FailFromProvider(ctx, esc, reasonOrDefault(event.Data.Reason, "провайдер отклонил возврат"))
	default:
		logger.WithComponent("webhook").WithFields(map[string]interface{}{
			"event_id": event.ID,
			"type":     event.Type,
		}).Info("неизвестный тип события, подтверждаем без обработки")
		return nil
	}

	if apperror.Is(err, apperror.ErrCodeAlreadyProcessed) {
		return nil
	}
	return err
}

func reasonOrDefault(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
