package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mkazarin/homefix-backend/internal/lifecycle"
	"github.com/mkazarin/homefix-backend/internal/models"
)

var (
	ErrBidNotFound      = errors.New("bid not found")
	ErrBidAlreadyPlaced = errors.New("bid already placed for this job")
)

// BidRepository отвечает за отклики подрядчиков.
type BidRepository struct {
	db *sqlx.DB
}

func NewBidRepository(db *sqlx.DB) *BidRepository {
	return &BidRepository{db: db}
}

// Create создаёт отклик. Уникальный индекс (job_id, contractor_id) не даёт
// подрядчику откликнуться на одну заявку дважды.
func (r *BidRepository) Create(ctx context.Context, bid *models.Bid) error {
	query := `
		INSERT INTO bids (job_id, contractor_id, amount, message, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRowxContext(ctx, query,
		bid.JobID, bid.ContractorID, bid.Amount, bid.Message, lifecycle.BidStatusPending).
		Scan(&bid.ID, &bid.CreatedAt, &bid.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrBidAlreadyPlaced
		}
		return fmt.Errorf("bid repository: create %w", err)
	}
	bid.Status = lifecycle.BidStatusPending
	return nil
}

// GetByID возвращает отклик.
func (r *BidRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Bid, error) {
	var bid models.Bid
	err := r.db.GetContext(ctx, &bid, `SELECT * FROM bids WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBidNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bid repository: get by id %w", err)
	}
	return &bid, nil
}

// ListByJob возвращает отклики по заявке.
func (r *BidRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]models.Bid, error) {
	var bids []models.Bid
	err := r.db.SelectContext(ctx, &bids, `
		SELECT * FROM bids WHERE job_id = $1 ORDER BY created_at ASC
	`, jobID)
	return bids, err
}

// ListByContractor возвращает отклики подрядчика.
func (r *BidRepository) ListByContractor(ctx context.Context, contractorID uuid.UUID, limit, offset int) ([]models.Bid, error) {
	var bids []models.Bid
	err := r.db.SelectContext(ctx, &bids, `
		SELECT * FROM bids WHERE contractor_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, contractorID, limit, offset)
	return bids, err
}

// Withdraw отзывает собственный pending отклик.
func (r *BidRepository) Withdraw(ctx context.Context, id, contractorID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE bids SET status = $3, updated_at = NOW()
		WHERE id = $1 AND contractor_id = $2 AND status = $4
	`, id, contractorID, lifecycle.BidStatusWithdrawn, lifecycle.BidStatusPending)
	if err != nil {
		return fmt.Errorf("bid repository: withdraw %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrBidNotFound
	}
	return nil
}

// Accept принимает отклик одной транзакцией: заявка переходит
// bidding → accepted с назначением подрядчика, выбранный отклик становится
// accepted, все остальные pending отклики — rejected. Частичный уникальный
// индекс по (job_id) WHERE status='accepted' гарантирует не более одного
// принятого отклика на заявку даже при гонке.
func (r *BidRepository) Accept(ctx context.Context, jobID, bidID uuid.UUID, actorID *uuid.UUID) (*models.Job, *models.Bid, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	var bid models.Bid
	err = tx.GetContext(ctx, &bid, `
		UPDATE bids SET status = $3, updated_at = NOW()
		WHERE id = $1 AND job_id = $2 AND status = $4
		RETURNING *
	`, bidID, jobID, lifecycle.BidStatusAccepted, lifecycle.BidStatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrBidNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("bid repository: accept bid %w", err)
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE bids SET status = $3, updated_at = NOW()
		WHERE job_id = $1 AND id <> $2 AND status = $4
	`, jobID, bidID, lifecycle.BidStatusRejected, lifecycle.BidStatusPending); err != nil {
		return nil, nil, fmt.Errorf("bid repository: reject siblings %w", err)
	}

	var job models.Job
	err = tx.GetContext(ctx, &job, `
		UPDATE jobs SET status = $3, contractor_id = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING *
	`, jobID, lifecycle.JobStatusBidding, lifecycle.JobStatusAccepted, bid.ContractorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrStatusConflict
	}
	if err != nil {
		return nil, nil, fmt.Errorf("bid repository: accept job update %w", err)
	}

	if err := insertAudit(ctx, tx, auditEntry{
		JobID:      jobID,
		ActorID:    actorID,
		Entity:     models.AuditEntityJob,
		FromStatus: string(lifecycle.JobStatusBidding),
		ToStatus:   string(lifecycle.JobStatusAccepted),
		Event:      string(lifecycle.EventBidAccepted),
		Detail:     map[string]interface{}{"bid_id": bidID, "contractor_id": bid.ContractorID, "amount": bid.Amount},
	}); err != nil {
		return nil, nil, err
	}

	return &job, &bid, tx.Commit()
}
