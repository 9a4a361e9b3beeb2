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
	ErrDisputeNotFound = errors.New("dispute not found")
	// ErrDisputeAlreadyOpen — по заявке уже есть открытый спор.
	ErrDisputeAlreadyOpen = errors.New("open dispute already exists for this job")
)

// DisputeRepository отвечает за споры по заявкам.
type DisputeRepository struct {
	db *sqlx.DB
}

func NewDisputeRepository(db *sqlx.DB) *DisputeRepository {
	return &DisputeRepository{db: db}
}

// Create открывает спор и одновременно переводит заявку в disputed.
// Частичный уникальный индекс по (job_id) WHERE status='open' не допускает
// второй открытый спор.
func (r *DisputeRepository) Create(ctx context.Context, dispute *models.Dispute, jobFrom lifecycle.JobStatus) (*models.Job, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO disputes (job_id, escrow_id, raised_by, reason, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, status, created_at, updated_at
	`
	err = tx.QueryRowxContext(ctx, query,
		dispute.JobID, dispute.EscrowID, dispute.RaisedBy, dispute.Reason, models.DisputeStatusOpen).
		Scan(&dispute.ID, &dispute.Status, &dispute.CreatedAt, &dispute.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrDisputeAlreadyOpen
		}
		return nil, fmt.Errorf("dispute repository: create %w", err)
	}

	job, err := applyJobTransition(ctx, tx, dispute.JobID,
		jobFrom, lifecycle.JobStatusDisputed, lifecycle.EventDispute, &dispute.RaisedBy)
	if err != nil {
		return nil, err
	}

	return job, tx.Commit()
}

// GetByID возвращает спор.
func (r *DisputeRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	var dispute models.Dispute
	err := r.db.GetContext(ctx, &dispute, `SELECT * FROM disputes WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dispute repository: get by id %w", err)
	}
	return &dispute, nil
}

// GetOpenByJob возвращает открытый спор по заявке.
func (r *DisputeRepository) GetOpenByJob(ctx context.Context, jobID uuid.UUID) (*models.Dispute, error) {
	var dispute models.Dispute
	err := r.db.GetContext(ctx, &dispute, `
		SELECT * FROM disputes WHERE job_id = $1 AND status = $2
	`, jobID, models.DisputeStatusOpen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dispute repository: get open by job %w", err)
	}
	return &dispute, nil
}

// ListOpen возвращает открытые споры для очереди арбитража.
func (r *DisputeRepository) ListOpen(ctx context.Context, limit, offset int) ([]models.Dispute, error) {
	var disputes []models.Dispute
	err := r.db.SelectContext(ctx, &disputes, `
		SELECT * FROM disputes WHERE status = $1
		ORDER BY created_at ASC LIMIT $2 OFFSET $3
	`, models.DisputeStatusOpen, limit, offset)
	return disputes, err
}

// Resolve фиксирует решение арбитра условным UPDATE: из двух конкурентных
// решений пройдёт ровно одно.
func (r *DisputeRepository) Resolve(ctx context.Context, id uuid.UUID, outcome string, resolvedBy uuid.UUID) (*models.Dispute, error) {
	var dispute models.Dispute
	err := r.db.GetContext(ctx, &dispute, `
		UPDATE disputes
		SET status = $2, outcome = $3, resolved_by = $4, resolved_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $5
		RETURNING *
	`, id, models.DisputeStatusResolved, outcome, resolvedBy, models.DisputeStatusOpen)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if checkErr := r.db.GetContext(ctx, &exists, `SELECT TRUE FROM disputes WHERE id = $1`, id); checkErr != nil {
			if errors.Is(checkErr, sql.ErrNoRows) {
				return nil, ErrDisputeNotFound
			}
			return nil, checkErr
		}
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, fmt.Errorf("dispute repository: resolve %w", err)
	}
	return &dispute, nil
}
