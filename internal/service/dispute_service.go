package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mkazarin/homefix-backend/internal/lifecycle"
	"github.com/mkazarin/homefix-backend/internal/models"
	"github.com/mkazarin/homefix-backend/internal/pkg/apperror"
	"github.com/mkazarin/homefix-backend/internal/repository"
	"github.com/mkazarin/homefix-backend/internal/validation"
)

// DisputeStore описывает зависимости DisputeService от слоя хранилища.
type DisputeStore interface {
	Create(ctx context.Context, dispute *models.Dispute, jobFrom lifecycle.JobStatus) (*models.Job, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	GetOpenByJob(ctx context.Context, jobID uuid.UUID) (*models.Dispute, error)
	ListOpen(ctx context.Context, limit, offset int) ([]models.Dispute, error)
	Resolve(ctx context.Context, id uuid.UUID, outcome string, resolvedBy uuid.UUID) (*models.Dispute, error)
}

// DisputeEscrowCoordinator — движение средств по решению арбитра.
type DisputeEscrowCoordinator interface {
	GetByJob(ctx context.Context, jobID uuid.UUID) (*models.EscrowTransaction, error)
	SettleDispute(ctx context.Context, jobID uuid.UUID, disputeID uuid.UUID, outcome string, actorID *uuid.UUID) (*models.EscrowTransaction, error)
}

// DisputeJobStore — доступ к заявкам для проверки предусловий спора.
type DisputeJobStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateStatusGuarded(ctx context.Context, id uuid.UUID, from, to lifecycle.JobStatus, event lifecycle.Event, actorID *uuid.UUID) (*models.Job, error)
}

// DisputeService содержит бизнес-логику споров и арбитража.
type DisputeService struct {
	disputes DisputeStore
	jobs     DisputeJobStore
	escrow   DisputeEscrowCoordinator
	notifier Notifier
}

// NewDisputeService создаёт сервис споров.
func NewDisputeService(disputes DisputeStore, jobs DisputeJobStore, escrow DisputeEscrowCoordinator, notifier Notifier) *DisputeService {
	return &DisputeService{
		disputes: disputes,
		jobs:     jobs,
		escrow:   escrow,
		notifier: notifier,
	}
}

// Raise открывает спор. Доступно обеим сторонам заявки в статусах
// in_progress и completed; заявка переходит в disputed, движение средств
// по ней замораживается до решения арбитра.
func (s *DisputeService) Raise(ctx context.Context, jobID uuid.UUID, raisedBy *models.User, reason string) (*models.Dispute, error) {
	if err := validation.ValidateDisputeReason(reason); err != nil {
		return nil, fmt.Errorf("dispute service: %w", err)
	}

	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return nil, apperror.ErrJobNotFound
		}
		return nil, err
	}

	isParty := job.HomeownerID == raisedBy.ID ||
		(job.ContractorID != nil && *job.ContractorID == raisedBy.ID)
	if !isParty {
		return nil, apperror.New(apperror.ErrCodeForbidden, "открыть спор может только сторона заявки")
	}

	if _, err := lifecycle.Next(job.Status, lifecycle.EventDispute); err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeInvalidTransition, "спор недоступен в текущем статусе заявки")
	}

	esc, err := s.escrow.GetByJob(ctx, jobID)
	if err != nil {
		return nil, apperror.New(apperror.ErrCodeConflict, "по заявке нет escrow-транзакции, спор не имеет предмета")
	}

	dispute := &models.Dispute{
		JobID:    jobID,
		EscrowID: esc.ID,
		RaisedBy: raisedBy.ID,
		Reason:   reason,
	}
	if _, err := s.disputes.Create(ctx, dispute, job.Status); err != nil {
		switch {
		case errors.Is(err, repository.ErrDisputeAlreadyOpen):
			return nil, apperror.Wrap(err, apperror.ErrCodeConflict, "по заявке уже открыт спор")
		case errors.Is(err, repository.ErrStatusConflict):
			return nil, apperror.Wrap(err, apperror.ErrCodeConflict, "статус заявки изменился, обновите данные")
		}
		return nil, err
	}

	s.notifyParties(job, raisedBy.ID, "dispute.opened", dispute)
	return dispute, nil
}

// Resolve фиксирует решение арбитра и запускает исполнение: release
// переводит средства подрядчику, refund возвращает домовладельцу, split
// переводит заявку в resolved, а средства остаются на ручном разборе.
func (s *DisputeService) Resolve(ctx context.Context, disputeID uuid.UUID, arbiter *models.User, outcome string) (*models.Dispute, error) {
	if arbiter.Role != models.RoleAdmin {
		return nil, apperror.New(apperror.ErrCodeForbidden, "решение по спору принимает только арбитр")
	}
	if _, ok := models.ValidDisputeOutcomes[outcome]; !ok {
		return nil, apperror.New(apperror.ErrCodeValidation, fmt.Sprintf("неизвестный исход спора %q", outcome))
	}

	dispute, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		if errors.Is(err, repository.ErrDisputeNotFound) {
			return nil, apperror.ErrDisputeNotFound
		}
		return nil, err
	}

	resolved, err := s.disputes.Resolve(ctx, disputeID, outcome, arbiter.ID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrStatusConflict):
			return nil, apperror.Wrap(err, apperror.ErrCodeAlreadyProcessed, "спор уже решён")
		case errors.Is(err, repository.ErrDisputeNotFound):
			return nil, apperror.ErrDisputeNotFound
		}
		return nil, err
	}

	switch outcome {
	case models.DisputeOutcomeRelease, models.DisputeOutcomeRefund:
		if _, err := s.escrow.SettleDispute(ctx, dispute.JobID, disputeID, outcome, &arbiter.ID); err != nil {
			// Решение записано; временную недоступность провайдера доведёт
			// сверка, фатальный отказ уходит в очередь ручного разбора.
			if !apperror.Is(err, apperror.ErrCodeProviderRetryable) && !apperror.Is(err, apperror.ErrCodeAlreadyProcessed) {
				return resolved, err
			}
		}
	case models.DisputeOutcomeSplit:
		// Частичных переводов у провайдера нет: заявка закрывается, средства
		// делит оператор через ручные release/refund по транзакции.
		if _, err := s.jobs.UpdateStatusGuarded(ctx, dispute.JobID,
			lifecycle.JobStatusDisputed, lifecycle.JobStatusResolved,
			lifecycle.EventResolve, &arbiter.ID); err != nil && !errors.Is(err, repository.ErrStatusConflict) {
			return resolved, err
		}
	}

	if job, err := s.jobs.GetByID(ctx, dispute.JobID); err == nil {
		s.notifyParties(job, uuid.Nil, "dispute.resolved", resolved)
	}
	return resolved, nil
}

// Get возвращает спор, доступный его сторонам и арбитру.
func (s *DisputeService) Get(ctx context.Context, disputeID uuid.UUID, viewer *models.User) (*models.Dispute, error) {
	dispute, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		if errors.Is(err, repository.ErrDisputeNotFound) {
			return nil, apperror.ErrDisputeNotFound
		}
		return nil, err
	}

	if viewer.Role == models.RoleAdmin {
		return dispute, nil
	}

	job, err := s.jobs.GetByID(ctx, dispute.JobID)
	if err != nil {
		return nil, err
	}
	if job.HomeownerID != viewer.ID && (job.ContractorID == nil || *job.ContractorID != viewer.ID) {
		return nil, apperror.ErrForbidden
	}
	return dispute, nil
}

// ListOpen возвращает очередь арбитража.
func (s *DisputeService) ListOpen(ctx context.Context, limit, offset int) ([]models.Dispute, error) {
	limit, offset = normalizePage(limit, offset)
	return s.disputes.ListOpen(ctx, limit, offset)
}

// notifyParties уведомляет стороны заявки, кроме инициатора события.
func (s *DisputeService) notifyParties(job *models.Job, except uuid.UUID, event string, data interface{}) {
	if s.notifier == nil {
		return
	}
	if job.HomeownerID != except {
		s.notifier.Notify(job.HomeownerID, event, data)
	}
	if job.ContractorID != nil && *job.ContractorID != except {
		s.notifier.Notify(*job.ContractorID, event, data)
	}
}
