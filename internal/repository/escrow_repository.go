package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mkazarin/homefix-backend/internal/lifecycle"
	"github.com/mkazarin/homefix-backend/internal/models"
)

var (
	ErrEscrowNotFound = errors.New("escrow transaction not found")
	// ErrEscrowAlreadyProcessed — сработала защита от повторной обработки:
	// транзакция уже зарезервирована или в терминальном статусе.
	ErrEscrowAlreadyProcessed = errors.New("escrow transaction already reserved or finalized")
	// ErrEscrowActiveExists — на заявку уже есть нетерминальная транзакция.
	ErrEscrowActiveExists = errors.New("active escrow transaction already exists for this job")
)

// EscrowRepository отвечает за escrow-транзакции и их переходы.
// Строка escrow_transactions — единственная точка взаимного исключения для
// действий над конкретной суммой: каждый переход выполняется одним условным
// UPDATE со статусом в предикате.
type EscrowRepository struct {
	db *sqlx.DB
}

func NewEscrowRepository(db *sqlx.DB) *EscrowRepository {
	return &EscrowRepository{db: db}
}

// Create создаёт транзакцию в статусе pending. Частичный уникальный индекс
// по job_id для нетерминальных статусов не допускает вторую активную
// транзакцию на заявку.
func (r *EscrowRepository) Create(ctx context.Context, esc *models.EscrowTransaction, actorID *uuid.UUID) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO escrow_transactions (job_id, amount, currency, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, status, attempts, created_at, updated_at
	`
	err = tx.QueryRowxContext(ctx, query, esc.JobID, esc.Amount, esc.Currency, lifecycle.EscrowStatusPending).
		Scan(&esc.ID, &esc.Status, &esc.Attempts, &esc.CreatedAt, &esc.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrEscrowActiveExists
		}
		return fmt.Errorf("escrow repository: create %w", err)
	}

	if err := insertAudit(ctx, tx, auditEntry{
		JobID:      esc.JobID,
		EscrowID:   &esc.ID,
		ActorID:    actorID,
		Entity:     models.AuditEntityEscrow,
		FromStatus: "",
		ToStatus:   string(lifecycle.EscrowStatusPending),
		Event:      "hold_created",
		Detail:     map[string]interface{}{"amount": esc.Amount, "currency": esc.Currency},
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// SetProviderIntent сохраняет идентификатор удержания на стороне провайдера.
func (r *EscrowRepository) SetProviderIntent(ctx context.Context, id uuid.UUID, providerIntentID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET provider_intent_id = $2, updated_at = NOW()
		WHERE id = $1
	`, id, providerIntentID)
	if err != nil {
		return fmt.Errorf("escrow repository: set provider intent %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

// GetByID возвращает транзакцию.
func (r *EscrowRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	var esc models.EscrowTransaction
	err := r.db.GetContext(ctx, &esc, `SELECT * FROM escrow_transactions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("escrow repository: get by id %w", err)
	}
	return &esc, nil
}

// GetActiveByJobID возвращает нетерминальную транзакцию заявки.
func (r *EscrowRepository) GetActiveByJobID(ctx context.Context, jobID uuid.UUID) (*models.EscrowTransaction, error) {
	var esc models.EscrowTransaction
	err := r.db.GetContext(ctx, &esc, `
		SELECT * FROM escrow_transactions
		WHERE job_id = $1 AND status NOT IN ($2, $3, $4)
		ORDER BY created_at DESC LIMIT 1
	`, jobID, lifecycle.EscrowStatusReleased, lifecycle.EscrowStatusRefunded, lifecycle.EscrowStatusFailed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("escrow repository: get active by job %w", err)
	}
	return &esc, nil
}

// GetByJobID возвращает последнюю транзакцию заявки независимо от статуса.
func (r *EscrowRepository) GetByJobID(ctx context.Context, jobID uuid.UUID) (*models.EscrowTransaction, error) {
	var esc models.EscrowTransaction
	err := r.db.GetContext(ctx, &esc, `
		SELECT * FROM escrow_transactions WHERE job_id = $1
		ORDER BY created_at DESC LIMIT 1
	`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("escrow repository: get by job %w", err)
	}
	return &esc, nil
}

// GetByProviderIntentID находит транзакцию по идентификатору удержания
// провайдера (вебхуки приходят с provider_intent_id, а не с нашим id).
func (r *EscrowRepository) GetByProviderIntentID(ctx context.Context, providerIntentID string) (*models.EscrowTransaction, error) {
	var esc models.EscrowTransaction
	err := r.db.GetContext(ctx, &esc, `
		SELECT * FROM escrow_transactions WHERE provider_intent_id = $1
	`, providerIntentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("escrow repository: get by provider intent %w", err)
	}
	return &esc, nil
}

// ConfirmHold подтверждает удержание: escrow pending → held и заявка
// accepted → in_progress в одной транзакции БД.
func (r *EscrowRepository) ConfirmHold(ctx context.Context, escrowID uuid.UUID, actorID *uuid.UUID) (*models.EscrowTransaction, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var esc models.EscrowTransaction
	err = tx.GetContext(ctx, &esc, `
		UPDATE escrow_transactions SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING *
	`, escrowID, lifecycle.EscrowStatusHeld, lifecycle.EscrowStatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.classifyMissed(ctx, escrowID)
	}
	if err != nil {
		return nil, fmt.Errorf("escrow repository: confirm hold %w", err)
	}

	if err := insertAudit(ctx, tx, auditEntry{
		JobID:      esc.JobID,
		EscrowID:   &esc.ID,
		ActorID:    actorID,
		Entity:     models.AuditEntityEscrow,
		FromStatus: string(lifecycle.EscrowStatusPending),
		ToStatus:   string(lifecycle.EscrowStatusHeld),
		Event:      string(lifecycle.EventFundsConfirmed),
	}); err != nil {
		return nil, err
	}

	if _, err := applyJobTransition(ctx, tx, esc.JobID,
		lifecycle.JobStatusAccepted, lifecycle.JobStatusInProgress,
		lifecycle.EventFundsConfirmed, actorID); err != nil {
		return nil, err
	}

	return &esc, tx.Commit()
}

// Reserve атомарно резервирует транзакцию под release или refund, записывая
// ключ идемпотентности. Это ключевой dedup-guard: предикат по статусу
// гарантирует, что из двух конкурентных вызовов пройдёт ровно один.
func (r *EscrowRepository) Reserve(ctx context.Context, id uuid.UUID, from, to lifecycle.EscrowStatus, idempotencyKey string, actorID *uuid.UUID) (*models.EscrowTransaction, error) {
	// from берётся из прочитанного состояния: совпадение с целевым статусом
	// или терминальный статус означают, что операция уже обработана.
	if from == to || from.IsTerminal() {
		return nil, ErrEscrowAlreadyProcessed
	}
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("escrow repository: недопустимый переход %s → %s", from, to)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var esc models.EscrowTransaction
	err = tx.GetContext(ctx, &esc, `
		UPDATE escrow_transactions
		SET status = $3, idempotency_key = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING *
	`, id, from, to, idempotencyKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.classifyMissed(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("escrow repository: reserve %w", err)
	}

	if err := insertAudit(ctx, tx, auditEntry{
		JobID:      esc.JobID,
		EscrowID:   &esc.ID,
		ActorID:    actorID,
		Entity:     models.AuditEntityEscrow,
		FromStatus: string(from),
		ToStatus:   string(to),
		Event:      "reserve",
		Detail:     map[string]interface{}{"idempotency_key": idempotencyKey},
	}); err != nil {
		return nil, err
	}

	return &esc, tx.Commit()
}

// IncrementAttempt увеличивает счётчик попыток вызова провайдера.
func (r *EscrowRepository) IncrementAttempt(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE escrow_transactions
		SET attempts = attempts + 1, last_error = NULLIF($2, ''), updated_at = NOW()
		WHERE id = $1
	`, id, lastError)
	return err
}

// CommitTerminal фиксирует терминальный статус escrow вместе с переходом
// заявки в одной транзакции БД. Пустой jobTo означает, что статус заявки не
// меняется (например, refund по уже отменённой заявке).
func (r *EscrowRepository) CommitTerminal(ctx context.Context, id uuid.UUID, from, to lifecycle.EscrowStatus, providerRef string, jobFrom, jobTo lifecycle.JobStatus, event lifecycle.Event, actorID *uuid.UUID) (*models.EscrowTransaction, error) {
	if !from.CanTransitionTo(to) || !to.IsTerminal() {
		return nil, fmt.Errorf("escrow repository: недопустимый терминальный переход %s → %s", from, to)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var esc models.EscrowTransaction
	err = tx.GetContext(ctx, &esc, `
		UPDATE escrow_transactions
		SET status = $3, provider_ref = NULLIF($4, ''), last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING *
	`, id, from, to, providerRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.classifyMissed(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("escrow repository: commit terminal %w", err)
	}

	if err := insertAudit(ctx, tx, auditEntry{
		JobID:      esc.JobID,
		EscrowID:   &esc.ID,
		ActorID:    actorID,
		Entity:     models.AuditEntityEscrow,
		FromStatus: string(from),
		ToStatus:   string(to),
		Event:      string(event),
		Detail:     map[string]interface{}{"provider_ref": providerRef},
	}); err != nil {
		return nil, err
	}

	if jobTo != "" {
		if _, err := applyJobTransition(ctx, tx, esc.JobID, jobFrom, jobTo, event, actorID); err != nil {
			return nil, err
		}
	}

	return &esc, tx.Commit()
}

// MarkFailed переводит транзакцию в терминальный failed: провайдер
// окончательно отклонил операцию, дальше — ручное вмешательство.
func (r *EscrowRepository) MarkFailed(ctx context.Context, id uuid.UUID, from lifecycle.EscrowStatus, lastError string, actorID *uuid.UUID) (*models.EscrowTransaction, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var esc models.EscrowTransaction
	err = tx.GetContext(ctx, &esc, `
		UPDATE escrow_transactions
		SET status = $3, last_error = NULLIF($4, ''), updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING *
	`, id, from, lifecycle.EscrowStatusFailed, lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.classifyMissed(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("escrow repository: mark failed %w", err)
	}

	if err := insertAudit(ctx, tx, auditEntry{
		JobID:      esc.JobID,
		EscrowID:   &esc.ID,
		ActorID:    actorID,
		Entity:     models.AuditEntityEscrow,
		FromStatus: string(from),
		ToStatus:   string(lifecycle.EscrowStatusFailed),
		Event:      "provider_fatal",
		Detail:     map[string]interface{}{"error": lastError},
	}); err != nil {
		return nil, err
	}

	return &esc, tx.Commit()
}

// ListStuck возвращает транзакции, зависшие в releasing/refunding дольше
// порога: процесс упал между вызовом провайдера и коммитом, их разбирает
// сверка.
func (r *EscrowRepository) ListStuck(ctx context.Context, stuckSince time.Time, limit int) ([]models.EscrowTransaction, error) {
	var escrows []models.EscrowTransaction
	err := r.db.SelectContext(ctx, &escrows, `
		SELECT * FROM escrow_transactions
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC LIMIT $4
	`, lifecycle.EscrowStatusReleasing, lifecycle.EscrowStatusRefunding, stuckSince, limit)
	return escrows, err
}

// ListStalePending возвращает удержания, зависшие в pending дольше порога:
// вызов CreateHold исчерпал повторы или процесс упал до записи intent, и
// подтверждение провайдера до нас не дошло.
func (r *EscrowRepository) ListStalePending(ctx context.Context, stuckSince time.Time, limit int) ([]models.EscrowTransaction, error) {
	var escrows []models.EscrowTransaction
	err := r.db.SelectContext(ctx, &escrows, `
		SELECT * FROM escrow_transactions
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3
	`, lifecycle.EscrowStatusPending, stuckSince, limit)
	return escrows, err
}

// ListFailed возвращает транзакции из очереди ручного разбора.
func (r *EscrowRepository) ListFailed(ctx context.Context, limit, offset int) ([]models.EscrowTransaction, error) {
	var escrows []models.EscrowTransaction
	err := r.db.SelectContext(ctx, &escrows, `
		SELECT * FROM escrow_transactions
		WHERE status = $1 ORDER BY updated_at DESC LIMIT $2 OFFSET $3
	`, lifecycle.EscrowStatusFailed, limit, offset)
	return escrows, err
}

// classifyMissed выясняет причину промаха условного UPDATE: транзакции нет
// вовсе либо статус уже изменён конкурентом (защита от повторов).
func (r *EscrowRepository) classifyMissed(ctx context.Context, id uuid.UUID) error {
	var status string
	err := r.db.GetContext(ctx, &status, `SELECT status FROM escrow_transactions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrEscrowNotFound
	}
	if err != nil {
		return fmt.Errorf("escrow repository: classify missed update %w", err)
	}
	return ErrEscrowAlreadyProcessed
}
