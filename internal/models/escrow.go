package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mkazarin/homefix-backend/internal/lifecycle"
)

// EscrowTransaction представляет удержанную у провайдера сумму по заявке.
// На заявку одновременно может существовать только одна нетерминальная
// транзакция (частичный уникальный индекс в БД).
type EscrowTransaction struct {
	ID               uuid.UUID              `db:"id" json:"id"`
	JobID            uuid.UUID              `db:"job_id" json:"job_id"`
	Amount           float64                `db:"amount" json:"amount"`
	Currency         string                 `db:"currency" json:"currency"`
	Status           lifecycle.EscrowStatus `db:"status" json:"status"`
	ProviderIntentID *string                `db:"provider_intent_id" json:"provider_intent_id,omitempty"`
	ProviderRef      *string                `db:"provider_ref" json:"provider_ref,omitempty"`
	IdempotencyKey   *string                `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Attempts         int                    `db:"attempts" json:"attempts"`
	LastError        *string                `db:"last_error" json:"last_error,omitempty"`
	CreatedAt        time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time              `db:"updated_at" json:"updated_at"`
}

// AuditRecord — запись append-only журнала переходов состояний.
// Журнал никогда не изменяется и не очищается: по нему восстанавливается
// полная история заявки и её escrow.
type AuditRecord struct {
	ID         int64           `db:"id" json:"id"`
	JobID      uuid.UUID       `db:"job_id" json:"job_id"`
	EscrowID   *uuid.UUID      `db:"escrow_id" json:"escrow_id,omitempty"`
	ActorID    *uuid.UUID      `db:"actor_id" json:"actor_id,omitempty"`
	Entity     string          `db:"entity" json:"entity"`
	FromStatus string          `db:"from_status" json:"from_status"`
	ToStatus   string          `db:"to_status" json:"to_status"`
	Event      string          `db:"event" json:"event"`
	Detail     json.RawMessage `db:"detail" json:"detail,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// WebhookEvent фиксирует обработанное событие провайдера для защиты от повторов.
type WebhookEvent struct {
	ID         string    `db:"id" json:"id"`
	Type       string    `db:"type" json:"type"`
	ReceivedAt time.Time `db:"received_at" json:"received_at"`
}
