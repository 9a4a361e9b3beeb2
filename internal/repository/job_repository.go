package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mkazarin/homefix-backend/internal/lifecycle"
	"github.com/mkazarin/homefix-backend/internal/models"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrStatusConflict — проигрыш оптимистичной конкуренции: статус заявки
	// изменился между чтением и записью. Вызывающая сторона перечитывает
	// состояние и повторяет попытку.
	ErrStatusConflict = errors.New("job status changed concurrently")
)

// JobRepository отвечает за заявки домовладельцев.
type JobRepository struct {
	db *sqlx.DB
}

func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create создаёт заявку в статусе draft.
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (homeowner_id, title, description, budget, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, status, work_submitted, created_at, updated_at
	`
	if err := r.db.QueryRowxContext(ctx, query,
		job.HomeownerID, job.Title, job.Description, job.Budget, job.Currency, lifecycle.JobStatusDraft).
		Scan(&job.ID, &job.Status, &job.WorkSubmitted, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return fmt.Errorf("job repository: create %w", err)
	}
	return nil
}

// GetByID возвращает заявку по идентификатору.
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	err := r.db.GetContext(ctx, &job, `SELECT * FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("job repository: get by id %w", err)
	}
	return &job, nil
}

// List возвращает открытые заявки (posted/bidding) с пагинацией.
func (r *JobRepository) List(ctx context.Context, limit, offset int) ([]models.Job, error) {
	var jobs []models.Job
	err := r.db.SelectContext(ctx, &jobs, `
		SELECT * FROM jobs
		WHERE status IN ($1, $2) AND archived_at IS NULL
		ORDER BY created_at DESC LIMIT $3 OFFSET $4
	`, lifecycle.JobStatusPosted, lifecycle.JobStatusBidding, limit, offset)
	return jobs, err
}

// ListByUser возвращает заявки, где пользователь — домовладелец или подрядчик.
func (r *JobRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Job, error) {
	var jobs []models.Job
	err := r.db.SelectContext(ctx, &jobs, `
		SELECT * FROM jobs
		WHERE homeowner_id = $1 OR contractor_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	return jobs, err
}

// UpdateStatusGuarded выполняет переход заявки одним условным UPDATE.
// Предусловие (текущий статус) и запись нового статуса атомарны: из двух
// конкурентных попыток перехода ровно одна получает ErrStatusConflict.
func (r *JobRepository) UpdateStatusGuarded(ctx context.Context, id uuid.UUID, from, to lifecycle.JobStatus, event lifecycle.Event, actorID *uuid.UUID) (*models.Job, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	job, err := applyJobTransition(ctx, tx, id, from, to, event, actorID)
	if err != nil {
		return nil, err
	}

	return job, tx.Commit()
}

// applyJobTransition — общий guarded-переход, используется также из
// транзакций escrow-репозитория, чтобы статус заявки и escrow менялись
// в одном коммите.
func applyJobTransition(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, from, to lifecycle.JobStatus, event lifecycle.Event, actorID *uuid.UUID) (*models.Job, error) {
	var job models.Job
	extra := ""
	if to == lifecycle.JobStatusCompleted {
		extra = ", completed_at = NOW()"
	}
	query := fmt.Sprintf(`
		UPDATE jobs SET status = $3, updated_at = NOW()%s
		WHERE id = $1 AND status = $2
		RETURNING *
	`, extra)
	err := tx.GetContext(ctx, &job, query, id, from, to)
	if errors.Is(err, sql.ErrNoRows) {
		// Строка есть, но статус уже другой — либо заявки нет вовсе.
		var exists bool
		if checkErr := tx.GetContext(ctx, &exists, `SELECT TRUE FROM jobs WHERE id = $1`, id); checkErr != nil {
			if errors.Is(checkErr, sql.ErrNoRows) {
				return nil, ErrJobNotFound
			}
			return nil, checkErr
		}
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, fmt.Errorf("job repository: guarded update %w", err)
	}

	if err := insertAudit(ctx, tx, auditEntry{
		JobID:      id,
		ActorID:    actorID,
		Entity:     models.AuditEntityJob,
		FromStatus: string(from),
		ToStatus:   string(to),
		Event:      string(event),
	}); err != nil {
		return nil, err
	}

	return &job, nil
}

// SetWorkSubmitted отмечает, что подрядчик сдал работу (внешний флаг для
// перехода in_progress → completed).
func (r *JobRepository) SetWorkSubmitted(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET work_submitted = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, lifecycle.JobStatusInProgress)
	if err != nil {
		return fmt.Errorf("job repository: set work submitted %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStatusConflict
	}
	return nil
}

// Archive мягко архивирует заявку. Заявки никогда не удаляются физически.
func (r *JobRepository) Archive(ctx context.Context, id uuid.UUID, homeownerID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET archived_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND homeowner_id = $2 AND archived_at IS NULL
	`, id, homeownerID)
	if err != nil {
		return fmt.Errorf("job repository: archive %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ListCompletedForAutoRelease возвращает заявки, завершённые дольше окна
// автоматического release: escrow всё ещё held и открытых споров нет.
func (r *JobRepository) ListCompletedForAutoRelease(ctx context.Context, completedBefore time.Time, limit int) ([]models.Job, error) {
	var jobs []models.Job
	err := r.db.SelectContext(ctx, &jobs, `
		SELECT j.* FROM jobs j
		JOIN escrow_transactions e ON e.job_id = j.id AND e.status = $1
		WHERE j.status = $2
		  AND j.completed_at IS NOT NULL
		  AND j.completed_at < $3
		  AND NOT EXISTS (
			SELECT 1 FROM disputes d WHERE d.job_id = j.id AND d.status = $4
		  )
		ORDER BY j.completed_at ASC
		LIMIT $5
	`, lifecycle.EscrowStatusHeld, lifecycle.JobStatusCompleted, completedBefore, models.DisputeStatusOpen, limit)
	return jobs, err
}
