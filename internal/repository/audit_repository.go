package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mkazarin/homefix-backend/internal/models"
)

// AuditRepository отвечает за append-only журнал переходов состояний.
// Записи создаются в той же транзакции, что и сам переход: зафиксированный
// переход без следа в журнале невозможен.
type AuditRepository struct {
	db *sqlx.DB
}

func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// ListByJob возвращает полную историю заявки и её escrow.
func (r *AuditRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]models.AuditRecord, error) {
	var records []models.AuditRecord
	err := r.db.SelectContext(ctx, &records, `
		SELECT * FROM escrow_audit_log WHERE job_id = $1 ORDER BY id ASC
	`, jobID)
	return records, err
}

// auditEntry — параметры одной записи журнала.
type auditEntry struct {
	JobID      uuid.UUID
	EscrowID   *uuid.UUID
	ActorID    *uuid.UUID
	Entity     string
	FromStatus string
	ToStatus   string
	Event      string
	Detail     interface{}
}

// insertAudit пишет запись журнала внутри транзакции перехода.
func insertAudit(ctx context.Context, ext sqlx.ExtContext, e auditEntry) error {
	var detail []byte
	if e.Detail != nil {
		raw, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("audit: не удалось сериализовать detail: %w", err)
		}
		detail = raw
	}

	_, err := ext.ExecContext(ctx, `
		INSERT INTO escrow_audit_log (job_id, escrow_id, actor_id, entity, from_status, to_status, event, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.JobID, e.EscrowID, e.ActorID, e.Entity, e.FromStatus, e.ToStatus, e.Event, detail)
	if err != nil {
		return fmt.Errorf("audit: insert %w", err)
	}
	return nil
}
