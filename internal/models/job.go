package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/mkazarin/homefix-backend/internal/lifecycle"
)

// Job описывает заявку домовладельца на работы по дому.
// Поле ContractorID заполняется в момент принятия отклика и обязано быть
// непустым для всех статусов начиная с accepted.
type Job struct {
	ID            uuid.UUID           `db:"id" json:"id"`
	HomeownerID   uuid.UUID           `db:"homeowner_id" json:"homeowner_id"`
	ContractorID  *uuid.UUID          `db:"contractor_id" json:"contractor_id,omitempty"`
	Title         string              `db:"title" json:"title"`
	Description   string              `db:"description" json:"description"`
	Budget        float64             `db:"budget" json:"budget"`
	Currency      string              `db:"currency" json:"currency"`
	Status        lifecycle.JobStatus `db:"status" json:"status"`
	WorkSubmitted bool                `db:"work_submitted" json:"work_submitted"`
	CompletedAt   *time.Time          `db:"completed_at" json:"completed_at,omitempty"`
	ArchivedAt    *time.Time          `db:"archived_at" json:"archived_at,omitempty"`
	CreatedAt     time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time           `db:"updated_at" json:"updated_at"`
}

// Bid представляет отклик подрядчика на заявку.
type Bid struct {
	ID           uuid.UUID           `db:"id" json:"id"`
	JobID        uuid.UUID           `db:"job_id" json:"job_id"`
	ContractorID uuid.UUID           `db:"contractor_id" json:"contractor_id"`
	Amount       float64             `db:"amount" json:"amount"`
	Message      string              `db:"message" json:"message"`
	Status       lifecycle.BidStatus `db:"status" json:"status"`
	CreatedAt    time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time           `db:"updated_at" json:"updated_at"`
}
