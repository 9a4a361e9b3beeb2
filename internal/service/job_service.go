package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mkazarin/homefix-backend/internal/lifecycle"
	"github.com/mkazarin/homefix-backend/internal/models"
	"github.com/mkazarin/homefix-backend/internal/pkg/apperror"
	"github.com/mkazarin/homefix-backend/internal/repository"
	"github.com/mkazarin/homefix-backend/internal/validation"
)

// JobStore описывает зависимости JobService от хранилища заявок.
type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	List(ctx context.Context, limit, offset int) ([]models.Job, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Job, error)
	UpdateStatusGuarded(ctx context.Context, id uuid.UUID, from, to lifecycle.JobStatus, event lifecycle.Event, actorID *uuid.UUID) (*models.Job, error)
	SetWorkSubmitted(ctx context.Context, id uuid.UUID) error
	Archive(ctx context.Context, id uuid.UUID, homeownerID uuid.UUID) error
}

// BidStore описывает зависимости JobService от хранилища откликов.
type BidStore interface {
	Create(ctx context.Context, bid *models.Bid) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Bid, error)
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]models.Bid, error)
	ListByContractor(ctx context.Context, contractorID uuid.UUID, limit, offset int) ([]models.Bid, error)
	Withdraw(ctx context.Context, id, contractorID uuid.UUID) error
	Accept(ctx context.Context, jobID, bidID uuid.UUID, actorID *uuid.UUID) (*models.Job, *models.Bid, error)
}

// AuditStore — чтение журнала переходов.
type AuditStore interface {
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]models.AuditRecord, error)
}

// EscrowCoordinator — операции движения средств, нужные жизненному циклу заявки.
type EscrowCoordinator interface {
	OpenHold(ctx context.Context, job *models.Job, amount float64, actorID *uuid.UUID) (*models.EscrowTransaction, error)
	RefundForCancel(ctx context.Context, jobID uuid.UUID, actorID *uuid.UUID) (*models.EscrowTransaction, error)
}

// JobService содержит бизнес-логику жизненного цикла заявки.
type JobService struct {
	jobs     JobStore
	bids     BidStore
	audit    AuditStore
	escrow   EscrowCoordinator
	notifier Notifier
}

// CreateJobInput — данные новой заявки.
type CreateJobInput struct {
	Title       string
	Description string
	Budget      float64
	Currency    string
}

// PlaceBidInput — данные отклика подрядчика.
type PlaceBidInput struct {
	Amount  float64
	Message string
}

// NewJobService создаёт сервис заявок.
func NewJobService(jobs JobStore, bids BidStore, audit AuditStore, escrow EscrowCoordinator, notifier Notifier) *JobService {
	return &JobService{
		jobs:     jobs,
		bids:     bids,
		audit:    audit,
		escrow:   escrow,
		notifier: notifier,
	}
}

// CreateJob создаёт черновик заявки.
func (s *JobService) CreateJob(ctx context.Context, homeowner *models.User, in CreateJobInput) (*models.Job, error) {
	if homeowner.Role != models.RoleHomeowner {
		return nil, apperror.New(apperror.ErrCodeForbidden, "создавать заявки могут только домовладельцы")
	}
	if err := validation.ValidateJobTitle(in.Title); err != nil {
		return nil, fmt.Errorf("job service: %w", err)
	}
	if err := validation.ValidateJobDescription(in.Description); err != nil {
		return nil, fmt.Errorf("job service: %w", err)
	}
	if err := validation.ValidateAmount("бюджет", in.Budget); err != nil {
		return nil, fmt.Errorf("job service: %w", err)
	}
	currency := strings.ToUpper(in.Currency)
	if currency == "" {
		currency = "RUB"
	}
	if err := validation.ValidateCurrency(currency); err != nil {
		return nil, fmt.Errorf("job service: %w", err)
	}

	job := &models.Job{
		HomeownerID: homeowner.ID,
		Title:       strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
		Budget:      in.Budget,
		Currency:    currency,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// GetJob возвращает заявку.
func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if errors.Is(err, repository.ErrJobNotFound) {
		return nil, apperror.ErrJobNotFound
	}
	return job, err
}

// ListOpenJobs возвращает заявки, доступные для откликов.
func (s *JobService) ListOpenJobs(ctx context.Context, limit, offset int) ([]models.Job, error) {
	limit, offset = normalizePage(limit, offset)
	return s.jobs.List(ctx, limit, offset)
}

// ListUserJobs возвращает заявки пользователя (как домовладельца или подрядчика).
func (s *JobService) ListUserJobs(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Job, error) {
	limit, offset = normalizePage(limit, offset)
	return s.jobs.ListByUser(ctx, userID, limit, offset)
}

// Publish публикует черновик: draft → posted.
func (s *JobService) Publish(ctx context.Context, jobID, actorID uuid.UUID) (*models.Job, error) {
	job, err := s.ownJob(ctx, jobID, actorID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, job, lifecycle.EventPublish, &actorID)
}

// Cancel отменяет заявку до начала работ. Если по заявке уже создано
// удержание средств, запускается возврат.
func (s *JobService) Cancel(ctx context.Context, jobID, actorID uuid.UUID) (*models.Job, error) {
	job, err := s.ownJob(ctx, jobID, actorID)
	if err != nil {
		return nil, err
	}

	updated, err := s.transition(ctx, job, lifecycle.EventCancel, &actorID)
	if err != nil {
		return nil, err
	}

	if _, err := s.escrow.RefundForCancel(ctx, jobID, &actorID); err != nil {
		// Заявка уже отменена; возврат при недоступном провайдере доведёт
		// сверка, фатальный отказ уходит в очередь ручного разбора.
		if !apperror.Is(err, apperror.ErrCodeProviderRetryable) && !apperror.Is(err, apperror.ErrCodeAlreadyProcessed) {
			return updated, err
		}
	}

	if job.ContractorID != nil {
		s.notify(*job.ContractorID, "job.cancelled", updated)
	}
	return updated, nil
}

// PlaceBid создаёт отклик подрядчика. Первый отклик переводит заявку
// posted → bidding.
func (s *JobService) PlaceBid(ctx context.Context, contractor *models.User, jobID uuid.UUID, in PlaceBidInput) (*models.Bid, error) {
	if contractor.Role != models.RoleContractor {
		return nil, apperror.New(apperror.ErrCodeForbidden, "откликаться могут только подрядчики")
	}
	if err := validation.ValidateAmount("сумма отклика", in.Amount); err != nil {
		return nil, fmt.Errorf("job service: %w", err)
	}
	if err := validation.ValidateBidMessage(in.Message); err != nil {
		return nil, fmt.Errorf("job service: %w", err)
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.HomeownerID == contractor.ID {
		return nil, apperror.New(apperror.ErrCodeForbidden, "нельзя откликнуться на собственную заявку")
	}
	if _, err := lifecycle.Next(job.Status, lifecycle.EventBidPlaced); err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeInvalidTransition, "заявка не принимает отклики")
	}

	// Первый отклик открывает торги. Проигрыш гонки не ошибка: заявка уже
	// в bidding усилиями конкурента.
	if job.Status == lifecycle.JobStatusPosted {
		if _, err := s.jobs.UpdateStatusGuarded(ctx, jobID,
			lifecycle.JobStatusPosted, lifecycle.JobStatusBidding,
			lifecycle.EventBidPlaced, &contractor.ID); err != nil && !errors.Is(err, repository.ErrStatusConflict) {
			return nil, err
		}
	}

	bid := &models.Bid{
		JobID:        jobID,
		ContractorID: contractor.ID,
		Amount:       in.Amount,
		Message:      strings.TrimSpace(in.Message),
	}
	if err := s.bids.Create(ctx, bid); err != nil {
		if errors.Is(err, repository.ErrBidAlreadyPlaced) {
			return nil, apperror.Wrap(err, apperror.ErrCodeConflict, "вы уже откликнулись на эту заявку")
		}
		return nil, err
	}

	s.notify(job.HomeownerID, "bid.placed", bid)
	return bid, nil
}

// AcceptBid принимает отклик: заявка bidding → accepted, отклик закрепляется
// за подрядчиком, остальные отклоняются, создаётся удержание средств на
// сумму принятого отклика.
func (s *JobService) AcceptBid(ctx context.Context, jobID, bidID, actorID uuid.UUID) (*models.Job, *models.EscrowTransaction, error) {
	if _, err := s.ownJob(ctx, jobID, actorID); err != nil {
		return nil, nil, err
	}

	job, bid, err := s.bids.Accept(ctx, jobID, bidID, &actorID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrBidNotFound):
			return nil, nil, apperror.ErrBidNotFound
		case errors.Is(err, repository.ErrStatusConflict):
			return nil, nil, apperror.Wrap(err, apperror.ErrCodeInvalidTransition, "заявка не в статусе торгов")
		}
		return nil, nil, err
	}

	esc, err := s.escrow.OpenHold(ctx, job, bid.Amount, &actorID)
	if err != nil && !apperror.Is(err, apperror.ErrCodeProviderRetryable) {
		return job, esc, err
	}

	s.notify(bid.ContractorID, "bid.accepted", bid)
	return job, esc, nil
}

// WithdrawBid отзывает собственный отклик.
func (s *JobService) WithdrawBid(ctx context.Context, bidID, contractorID uuid.UUID) error {
	err := s.bids.Withdraw(ctx, bidID, contractorID)
	if errors.Is(err, repository.ErrBidNotFound) {
		return apperror.ErrBidNotFound
	}
	return err
}

// ListBids возвращает отклики по заявке. Полный список видит только автор
// заявки; подрядчик видит собственные отклики.
func (s *JobService) ListBids(ctx context.Context, jobID uuid.UUID, viewer *models.User) ([]models.Bid, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	bids, err := s.bids.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.HomeownerID == viewer.ID || viewer.Role == models.RoleAdmin {
		return bids, nil
	}

	own := make([]models.Bid, 0, 1)
	for _, b := range bids {
		if b.ContractorID == viewer.ID {
			own = append(own, b)
		}
	}
	return own, nil
}

// ListContractorBids возвращает отклики подрядчика.
func (s *JobService) ListContractorBids(ctx context.Context, contractorID uuid.UUID, limit, offset int) ([]models.Bid, error) {
	limit, offset = normalizePage(limit, offset)
	return s.bids.ListByContractor(ctx, contractorID, limit, offset)
}

// SubmitWork отмечает сдачу работы подрядчиком.
func (s *JobService) SubmitWork(ctx context.Context, jobID, contractorID uuid.UUID) (*models.Job, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.ContractorID == nil || *job.ContractorID != contractorID {
		return nil, apperror.New(apperror.ErrCodeForbidden, "сдать работу может только назначенный подрядчик")
	}

	if err := s.jobs.SetWorkSubmitted(ctx, jobID); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil, apperror.Wrap(err, apperror.ErrCodeInvalidTransition, "сдача работы доступна только по заявке в работе")
		}
		return nil, err
	}

	s.notify(job.HomeownerID, "job.work_submitted", job)
	return s.GetJob(ctx, jobID)
}

// Complete подтверждает выполнение работ: in_progress → completed.
// Требуется предварительная сдача работы подрядчиком.
func (s *JobService) Complete(ctx context.Context, jobID, actorID uuid.UUID) (*models.Job, error) {
	job, err := s.ownJob(ctx, jobID, actorID)
	if err != nil {
		return nil, err
	}
	if !job.WorkSubmitted {
		return nil, apperror.New(apperror.ErrCodeConflict, "подрядчик ещё не сдал работу")
	}

	updated, err := s.transition(ctx, job, lifecycle.EventComplete, &actorID)
	if err != nil {
		return nil, err
	}

	if job.ContractorID != nil {
		s.notify(*job.ContractorID, "job.completed", updated)
	}
	return updated, nil
}

// Archive мягко скрывает заявку из списков.
func (s *JobService) Archive(ctx context.Context, jobID, actorID uuid.UUID) error {
	err := s.jobs.Archive(ctx, jobID, actorID)
	if errors.Is(err, repository.ErrJobNotFound) {
		return apperror.ErrJobNotFound
	}
	return err
}

// History возвращает журнал переходов заявки и её escrow.
func (s *JobService) History(ctx context.Context, jobID uuid.UUID, viewer *models.User) ([]models.AuditRecord, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if viewer.Role != models.RoleAdmin && job.HomeownerID != viewer.ID &&
		(job.ContractorID == nil || *job.ContractorID != viewer.ID) {
		return nil, apperror.ErrForbidden
	}
	return s.audit.ListByJob(ctx, jobID)
}

// transition выполняет переход заявки через таблицу машины состояний и
// guarded UPDATE. При проигрыше гонки возвращает CONFLICT с актуальным
// статусом в сообщении.
func (s *JobService) transition(ctx context.Context, job *models.Job, event lifecycle.Event, actorID *uuid.UUID) (*models.Job, error) {
	to, err := lifecycle.Next(job.Status, event)
	if err != nil {
		var invalid *lifecycle.InvalidTransitionError
		if errors.As(err, &invalid) {
			return nil, apperror.Wrap(err, apperror.ErrCodeInvalidTransition,
				fmt.Sprintf("действие %q недоступно в статусе %q", event, job.Status))
		}
		return nil, err
	}

	updated, err := s.jobs.UpdateStatusGuarded(ctx, job.ID, job.Status, to, event, actorID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrStatusConflict):
			return nil, apperror.Wrap(err, apperror.ErrCodeConflict, "статус заявки изменился, обновите данные")
		case errors.Is(err, repository.ErrJobNotFound):
			return nil, apperror.ErrJobNotFound
		}
		return nil, err
	}
	return updated, nil
}

// ownJob возвращает заявку, проверив, что actor — её автор.
func (s *JobService) ownJob(ctx context.Context, jobID, actorID uuid.UUID) (*models.Job, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.HomeownerID != actorID {
		return nil, apperror.New(apperror.ErrCodeForbidden, "действие доступно только автору заявки")
	}
	return job, nil
}

func (s *JobService) notify(userID uuid.UUID, event string, data interface{}) {
	if s.notifier != nil {
		s.notifier.Notify(userID, event, data)
	}
}

// normalizePage приводит пагинацию к безопасным значениям.
func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
