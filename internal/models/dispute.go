package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	DisputeStatusOpen     = "open"
	DisputeStatusResolved = "resolved"
)

// Dispute — спор по заявке. Пока спор открыт, автоматические переходы
// по связанной escrow-транзакции заблокированы.
type Dispute struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	JobID      uuid.UUID  `db:"job_id" json:"job_id"`
	EscrowID   uuid.UUID  `db:"escrow_id" json:"escrow_id"`
	RaisedBy   uuid.UUID  `db:"raised_by" json:"raised_by"`
	Reason     string     `db:"reason" json:"reason"`
	Status     string     `db:"status" json:"status"`
	Outcome    *string    `db:"outcome" json:"outcome,omitempty"`
	ResolvedBy *uuid.UUID `db:"resolved_by" json:"resolved_by,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
	ResolvedAt *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}
