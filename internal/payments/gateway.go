// Package payments содержит шлюз к внешнему платёжному провайдеру.
// Ядро системы не хранит деньги само: удержание, перевод и возврат выполняет
// провайдер, шлюз лишь передаёт вызовы и ключи идемпотентности.
package payments

import (
	"context"
	"errors"
	"fmt"
)

// Status — статус операции на стороне провайдера.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// HoldResult — результат создания удержания средств.
type HoldResult struct {
	ProviderIntentID string `json:"provider_intent_id"`
	Status           Status `json:"status"`
}

// ReleaseResult — результат перевода средств подрядчику.
type ReleaseResult struct {
	ProviderTransferID string `json:"provider_transfer_id"`
	Status             Status `json:"status"`
}

// RefundResult — результат возврата средств домовладельцу.
type RefundResult struct {
	ProviderRefundID string `json:"provider_refund_id"`
	Status           Status `json:"status"`
}

// IntentStatus — актуальное состояние удержания, используется сверкой.
type IntentStatus struct {
	ProviderIntentID string `json:"provider_intent_id"`
	Status           Status `json:"status"`
	TransferID       string `json:"transfer_id,omitempty"`
	RefundID         string `json:"refund_id,omitempty"`
}

// Gateway описывает контракт платёжного провайдера.
// Каждый мутирующий вызов принимает ключ идемпотентности: провайдер обязан
// дедуплицировать повторы на своей стороне (вторая линия защиты после
// резервирования в БД).
type Gateway interface {
	CreateHold(ctx context.Context, amount float64, currency, idempotencyKey string) (*HoldResult, error)
	Release(ctx context.Context, providerIntentID, idempotencyKey string) (*ReleaseResult, error)
	Refund(ctx context.Context, providerIntentID, idempotencyKey string) (*RefundResult, error)
	GetStatus(ctx context.Context, providerIntentID string) (*IntentStatus, error)
}

// Error — классифицированная ошибка провайдера.
// Retryable: таймаут, обрыв сети, 5xx, 429 — повтор с тем же ключом безопасен.
// Не retryable: провайдер окончательно отклонил операцию.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("payment provider: %s error (http %d, code %q): %s", kind, e.StatusCode, e.Code, e.Message)
}

// IsRetryable сообщает, можно ли безопасно повторить вызов с тем же ключом.
// Неклассифицированные ошибки (обрыв сети, таймаут контекста) считаются
// retryable: отсутствие ответа не означает отказ, итог выясняет сверка.
func IsRetryable(err error) bool {
	var provErr *Error
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return err != nil
}
