package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mkazarin/homefix-backend/internal/lifecycle"
	"github.com/mkazarin/homefix-backend/internal/logger"
	"github.com/mkazarin/homefix-backend/internal/models"
	"github.com/mkazarin/homefix-backend/internal/payments"
	"github.com/mkazarin/homefix-backend/internal/pkg/apperror"
	"github.com/mkazarin/homefix-backend/internal/repository"
)

// EscrowStore описывает зависимости EscrowService от слоя хранилища.
type EscrowStore interface {
	Create(ctx context.Context, esc *models.EscrowTransaction, actorID *uuid.UUID) error
	SetProviderIntent(ctx context.Context, id uuid.UUID, providerIntentID string) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error)
	GetByJobID(ctx context.Context, jobID uuid.UUID) (*models.EscrowTransaction, error)
	GetActiveByJobID(ctx context.Context, jobID uuid.UUID) (*models.EscrowTransaction, error)
	GetByProviderIntentID(ctx context.Context, providerIntentID string) (*models.EscrowTransaction, error)
	ConfirmHold(ctx context.Context, escrowID uuid.UUID, actorID *uuid.UUID) (*models.EscrowTransaction, error)
	Reserve(ctx context.Context, id uuid.UUID, from, to lifecycle.EscrowStatus, idempotencyKey string, actorID *uuid.UUID) (*models.EscrowTransaction, error)
	IncrementAttempt(ctx context.Context, id uuid.UUID, lastError string) error
	CommitTerminal(ctx context.Context, id uuid.UUID, from, to lifecycle.EscrowStatus, providerRef string, jobFrom, jobTo lifecycle.JobStatus, event lifecycle.Event, actorID *uuid.UUID) (*models.EscrowTransaction, error)
	MarkFailed(ctx context.Context, id uuid.UUID, from lifecycle.EscrowStatus, lastError string, actorID *uuid.UUID) (*models.EscrowTransaction, error)
	ListStuck(ctx context.Context, stuckSince time.Time, limit int) ([]models.EscrowTransaction, error)
	ListFailed(ctx context.Context, limit, offset int) ([]models.EscrowTransaction, error)
}

// EscrowJobStore — доступ к заявкам, нужный координатору.
type EscrowJobStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// EscrowDisputeStore — доступ к спорам: открытый спор блокирует release.
type EscrowDisputeStore interface {
	GetOpenByJob(ctx context.Context, jobID uuid.UUID) (*models.Dispute, error)
}

// Notifier рассылает уведомления об изменениях. Реализация не должна
// блокировать вызывающую сторону.
type Notifier interface {
	Notify(userID uuid.UUID, event string, data interface{})
}

// EscrowService — координатор движения средств. Каждое движение проходит две
// фазы: резервирование в БД (единственная точка взаимного исключения), затем
// вызов провайдера и фиксация терминального статуса. Падение между фазами
// оставляет транзакцию в переходном статусе, который разбирает сверка.
type EscrowService struct {
	escrows  EscrowStore
	jobs     EscrowJobStore
	disputes EscrowDisputeStore
	gateway  payments.Gateway
	notifier Notifier

	maxAttempts int
	baseDelay   time.Duration

	// sleep подменяется в тестах, чтобы не ждать реальный backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEscrowService создаёт координатор.
func NewEscrowService(escrows EscrowStore, jobs EscrowJobStore, disputes EscrowDisputeStore, gateway payments.Gateway, notifier Notifier, maxAttempts int, baseDelay time.Duration) *EscrowService {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &EscrowService{
		escrows:     escrows,
		jobs:        jobs,
		disputes:    disputes,
		gateway:     gateway,
		notifier:    notifier,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		sleep:       sleepCtx,
	}
}

// OpenHold создаёт escrow-транзакцию и удержание у провайдера. Вызывается
// после принятия отклика: сумма удержания равна сумме принятого отклика.
func (s *EscrowService) OpenHold(ctx context.Context, job *models.Job, amount float64, actorID *uuid.UUID) (*models.EscrowTransaction, error) {
	esc := &models.EscrowTransaction{
		JobID:    job.ID,
		Amount:   amount,
		Currency: job.Currency,
	}
	if err := s.escrows.Create(ctx, esc, actorID); err != nil {
		if errors.Is(err, repository.ErrEscrowActiveExists) {
			return nil, apperror.Wrap(err, apperror.ErrCodeConflict, "по заявке уже есть активная escrow-транзакция")
		}
		return nil, err
	}

	key := "hold:" + esc.ID.String()
	hold, err := s.callWithRetry(ctx, esc.ID, func() (string, payments.Status, error) {
		res, callErr := s.gateway.CreateHold(ctx, esc.Amount, esc.Currency, key)
		if callErr != nil {
			return "", "", callErr
		}
		return res.ProviderIntentID, res.Status, nil
	})
	if err != nil {
		if !payments.IsRetryable(err) {
			if _, failErr := s.escrows.MarkFailed(ctx, esc.ID, lifecycle.EscrowStatusPending, err.Error(), actorID); failErr != nil {
				return nil, failErr
			}
			return nil, apperror.Wrap(err, apperror.ErrCodeProviderFatal, "провайдер отклонил удержание средств")
		}
		// Удержание осталось pending: итог выяснит вебхук или сверка.
		return nil, apperror.Wrap(err, apperror.ErrCodeProviderRetryable, "провайдер временно недоступен, удержание в обработке")
	}

	if err := s.escrows.SetProviderIntent(ctx, esc.ID, hold.ref); err != nil {
		return nil, err
	}
	intentID := hold.ref
	esc.ProviderIntentID = &intentID

	// Синхронный успех: провайдер подтвердил удержание сразу, не ждём вебхук.
	if hold.status == payments.StatusSucceeded {
		confirmed, err := s.ConfirmHold(ctx, esc.ID, actorID)
		if err != nil {
			return nil, err
		}
		return confirmed, nil
	}

	return esc, nil
}

// ConfirmHold фиксирует подтверждённое удержание: escrow pending → held,
// заявка accepted → in_progress. Повторное подтверждение — не ошибка.
func (s *EscrowService) ConfirmHold(ctx context.Context, escrowID uuid.UUID, actorID *uuid.UUID) (*models.EscrowTransaction, error) {
	esc, err := s.escrows.ConfirmHold(ctx, escrowID, actorID)
	if errors.Is(err, repository.ErrEscrowAlreadyProcessed) {
		return s.alreadyProcessed(ctx, escrowID)
	}
	if err != nil {
		return nil, err
	}

	s.notifyJobParties(ctx, esc.JobID, "escrow.held", esc)
	return esc, nil
}

// FailHold фиксирует отказ провайдера создать удержание: escrow → failed,
// заявка остаётся accepted, домовладелец может повторить оплату.
func (s *EscrowService) FailHold(ctx context.Context, escrowID uuid.UUID, reason string) (*models.EscrowTransaction, error) {
	esc, err := s.escrows.MarkFailed(ctx, escrowID, lifecycle.EscrowStatusPending, reason, nil)
	if errors.Is(err, repository.ErrEscrowAlreadyProcessed) {
		return s.alreadyProcessed(ctx, escrowID)
	}
	if err != nil {
		return nil, err
	}

	s.notifyJobParties(ctx, esc.JobID, "escrow.failed", esc)
	return esc, nil
}

// Release переводит средства подрядчику по одобрению домовладельца.
// Требования: заявка в completed, открытых споров нет, escrow в held.
func (s *EscrowService) Release(ctx context.Context, jobID uuid.UUID, actorID uuid.UUID) (*models.EscrowTransaction, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return nil, apperror.ErrJobNotFound
		}
		return nil, err
	}
	if job.HomeownerID != actorID {
		return nil, apperror.New(apperror.ErrCodeForbidden, "одобрить выплату может только автор заявки")
	}
	return s.releaseJob(ctx, job, &actorID)
}

// ReleaseAuto переводит средства по истечении окна автоматического release.
// Вызывается сверкой; actor отсутствует.
func (s *EscrowService) ReleaseAuto(ctx context.Context, job *models.Job) (*models.EscrowTransaction, error) {
	return s.releaseJob(ctx, job, nil)
}

func (s *EscrowService) releaseJob(ctx context.Context, job *models.Job, actorID *uuid.UUID) (*models.EscrowTransaction, error) {
	if _, err := lifecycle.Next(job.Status, lifecycle.EventRelease); err != nil {
		var invalid *lifecycle.InvalidTransitionError
		if errors.As(err, &invalid) {
			return nil, apperror.Wrap(err, apperror.ErrCodeInvalidTransition, "выплата недоступна в текущем статусе заявки")
		}
		return nil, err
	}

	// Открытый спор замораживает любые автоматические движения средств.
	if _, err := s.disputes.GetOpenByJob(ctx, job.ID); err == nil {
		return nil, apperror.New(apperror.ErrCodeConflict, "по заявке открыт спор, выплата заблокирована")
	} else if !errors.Is(err, repository.ErrDisputeNotFound) {
		return nil, err
	}

	esc, err := s.escrows.GetActiveByJobID(ctx, job.ID)
	if err != nil {
		if errors.Is(err, repository.ErrEscrowNotFound) {
			return nil, apperror.ErrEscrowNotFound
		}
		return nil, err
	}

	return s.settle(ctx, esc, lifecycle.EscrowStatusReleasing,
		"release:"+job.ID.String(),
		lifecycle.JobStatusCompleted, lifecycle.JobStatusReleased, lifecycle.EventRelease, actorID)
}

// RefundForCancel возвращает средства домовладельцу при отмене заявки.
// Заявка уже переведена в cancelled, статус заявки здесь не меняется.
func (s *EscrowService) RefundForCancel(ctx context.Context, jobID uuid.UUID, actorID *uuid.UUID) (*models.EscrowTransaction, error) {
	esc, err := s.escrows.GetActiveByJobID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrEscrowNotFound) {
			// Эскроу не создавался — возвращать нечего.
			return nil, nil
		}
		return nil, err
	}

	return s.settle(ctx, esc, lifecycle.EscrowStatusRefunding,
		"refund:cancel:"+jobID.String(), "", "", lifecycle.EventCancel, actorID)
}

// SettleDispute исполняет решение арбитра: release переводит средства
// подрядчику, refund возвращает домовладельцу. Заявка disputed → resolved.
func (s *EscrowService) SettleDispute(ctx context.Context, jobID uuid.UUID, disputeID uuid.UUID, outcome string, actorID *uuid.UUID) (*models.EscrowTransaction, error) {
	esc, err := s.escrows.GetActiveByJobID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrEscrowNotFound) {
			return nil, apperror.ErrEscrowNotFound
		}
		return nil, err
	}

	var transient lifecycle.EscrowStatus
	switch outcome {
	case models.DisputeOutcomeRelease:
		transient = lifecycle.EscrowStatusReleasing
	case models.DisputeOutcomeRefund:
		transient = lifecycle.EscrowStatusRefunding
	default:
		return nil, fmt.Errorf("escrow service: неизвестный исход спора %q", outcome)
	}

	return s.settle(ctx, esc, transient,
		"resolve:"+disputeID.String(),
		lifecycle.JobStatusDisputed, lifecycle.JobStatusResolved, lifecycle.EventResolve, actorID)
}

// AdminRelease выполняет release по конкретной транзакции без перехода
// заявки: ручной разбор (например, после исхода split).
func (s *EscrowService) AdminRelease(ctx context.Context, escrowID uuid.UUID, actorID uuid.UUID) (*models.EscrowTransaction, error) {
	esc, err := s.escrows.GetByID(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, esc, lifecycle.EscrowStatusReleasing,
		"admin:release:"+escrowID.String(), "", "", lifecycle.EventRelease, &actorID)
}

// AdminRefund — ручной refund по конкретной транзакции.
func (s *EscrowService) AdminRefund(ctx context.Context, escrowID uuid.UUID, actorID uuid.UUID) (*models.EscrowTransaction, error) {
	esc, err := s.escrows.GetByID(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, esc, lifecycle.EscrowStatusRefunding,
		"admin:refund:"+escrowID.String(), "", "", lifecycle.EventCancel, &actorID)
}

// GetByJob возвращает последнюю escrow-транзакцию заявки.
func (s *EscrowService) GetByJob(ctx context.Context, jobID uuid.UUID) (*models.EscrowTransaction, error) {
	esc, err := s.escrows.GetByJobID(ctx, jobID)
	if errors.Is(err, repository.ErrEscrowNotFound) {
		return nil, apperror.ErrEscrowNotFound
	}
	return esc, err
}

// ListFailed возвращает очередь ручного разбора.
func (s *EscrowService) ListFailed(ctx context.Context, limit, offset int) ([]models.EscrowTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.escrows.ListFailed(ctx, limit, offset)
}

// settle выполняет двухфазное движение средств:
//  1. резервирование в БД условным UPDATE с записью ключа идемпотентности —
//     из конкурентных вызовов проходит ровно один;
//  2. вызов провайдера с повторами по retryable ошибкам;
//  3. фиксация терминального статуса и перехода заявки одной транзакцией БД.
//
// Исчерпание повторов оставляет транзакцию в переходном статусе: её добивает
// сверка тем же ключом, провайдер дедуплицирует повтор.
func (s *EscrowService) settle(ctx context.Context, esc *models.EscrowTransaction, transient lifecycle.EscrowStatus, key string, jobFrom, jobTo lifecycle.JobStatus, event lifecycle.Event, actorID *uuid.UUID) (*models.EscrowTransaction, error) {
	// Повторный запрос, заставший транзакцию уже зарезервированной (первый
	// вызов в полёте или ждёт сверку) либо в терминальном статусе, — дубль.
	if esc.Status == transient || esc.Status.IsTerminal() {
		return s.alreadyProcessed(ctx, esc.ID)
	}

	reserved, err := s.escrows.Reserve(ctx, esc.ID, esc.Status, transient, key, actorID)
	if errors.Is(err, repository.ErrEscrowAlreadyProcessed) {
		return s.alreadyProcessed(ctx, esc.ID)
	}
	if err != nil {
		return nil, err
	}

	return s.CompleteReserved(ctx, reserved, jobFrom, jobTo, event, actorID)
}

// CompleteReserved доводит уже зарезервированную транзакцию до терминального
// статуса. Используется и из settle, и из сверки для зависших транзакций.
func (s *EscrowService) CompleteReserved(ctx context.Context, esc *models.EscrowTransaction, jobFrom, jobTo lifecycle.JobStatus, event lifecycle.Event, actorID *uuid.UUID) (*models.EscrowTransaction, error) {
	if esc.ProviderIntentID == nil {
		return nil, fmt.Errorf("escrow service: у транзакции %s нет provider_intent_id", esc.ID)
	}
	if esc.IdempotencyKey == nil {
		return nil, fmt.Errorf("escrow service: у транзакции %s нет ключа идемпотентности", esc.ID)
	}

	intentID := *esc.ProviderIntentID
	key := *esc.IdempotencyKey

	var terminal lifecycle.EscrowStatus
	var call func() (string, payments.Status, error)
	switch esc.Status {
	case lifecycle.EscrowStatusReleasing:
		terminal = lifecycle.EscrowStatusReleased
		call = func() (string, payments.Status, error) {
			res, callErr := s.gateway.Release(ctx, intentID, key)
			if callErr != nil {
				return "", "", callErr
			}
			return res.ProviderTransferID, res.Status, nil
		}
	case lifecycle.EscrowStatusRefunding:
		terminal = lifecycle.EscrowStatusRefunded
		call = func() (string, payments.Status, error) {
			res, callErr := s.gateway.Refund(ctx, intentID, key)
			if callErr != nil {
				return "", "", callErr
			}
			return res.ProviderRefundID, res.Status, nil
		}
	default:
		return nil, fmt.Errorf("escrow service: транзакция %s не зарезервирована (статус %s)", esc.ID, esc.Status)
	}

	result, err := s.callWithRetry(ctx, esc.ID, call)
	if err != nil {
		if !payments.IsRetryable(err) {
			failed, failErr := s.escrows.MarkFailed(ctx, esc.ID, esc.Status, err.Error(), actorID)
			if failErr != nil && !errors.Is(failErr, repository.ErrEscrowAlreadyProcessed) {
				return nil, failErr
			}
			s.notifyJobParties(ctx, esc.JobID, "escrow.failed", failed)
			return failed, apperror.Wrap(err, apperror.ErrCodeProviderFatal, "провайдер окончательно отклонил операцию")
		}
		// Повторы исчерпаны, транзакция остаётся в переходном статусе.
		logger.WithComponent("escrow").WithFields(map[string]interface{}{
			"escrow_id": esc.ID,
			"status":    esc.Status,
			"error":     err.Error(),
		}).Warn("провайдер недоступен, транзакцию доведёт сверка")
		return esc, apperror.Wrap(err, apperror.ErrCodeProviderRetryable, "провайдер временно недоступен, операция будет завершена автоматически")
	}

	committed, err := s.escrows.CommitTerminal(ctx, esc.ID, esc.Status, terminal, result.ref, jobFrom, jobTo, event, actorID)
	if errors.Is(err, repository.ErrEscrowAlreadyProcessed) {
		return s.alreadyProcessed(ctx, esc.ID)
	}
	if err != nil {
		return nil, err
	}

	s.notifyJobParties(ctx, committed.JobID, "escrow."+string(terminal), committed)
	return committed, nil
}

// GetByProviderIntentID находит транзакцию по идентификатору удержания
// провайдера.
func (s *EscrowService) GetByProviderIntentID(ctx context.Context, providerIntentID string) (*models.EscrowTransaction, error) {
	esc, err := s.escrows.GetByProviderIntentID(ctx, providerIntentID)
	if errors.Is(err, repository.ErrEscrowNotFound) {
		return nil, apperror.ErrEscrowNotFound
	}
	return esc, err
}

// CompleteStuck доводит зависшую в переходном статусе транзакцию до
// терминального. Переход заявки восстанавливается из ключа идемпотентности,
// записанного при резервировании.
func (s *EscrowService) CompleteStuck(ctx context.Context, esc *models.EscrowTransaction) (*models.EscrowTransaction, error) {
	jobFrom, jobTo, event := reservationTransition(esc)
	return s.CompleteReserved(ctx, esc, jobFrom, jobTo, event, nil)
}

// RecoverPendingHold доводит удержание, зависшее в pending: вызов CreateHold
// исчерпал повторы, либо процесс упал до записи provider_intent_id. Если
// intent известен, итог сверяется по статусу провайдера; иначе CreateHold
// повторяется с исходным ключом hold:<id> — провайдер дедуплицирует, так что
// уже принятое удержание вернётся с тем же intent, а не создастся второе.
func (s *EscrowService) RecoverPendingHold(ctx context.Context, esc *models.EscrowTransaction) (*models.EscrowTransaction, error) {
	if esc.Status != lifecycle.EscrowStatusPending {
		return s.alreadyProcessed(ctx, esc.ID)
	}

	if esc.ProviderIntentID != nil {
		intent, err := s.gateway.GetStatus(ctx, *esc.ProviderIntentID)
		if err != nil {
			return nil, err
		}
		switch intent.Status {
		case payments.StatusSucceeded:
			return s.ConfirmHold(ctx, esc.ID, nil)
		case payments.StatusFailed:
			return s.FailHold(ctx, esc.ID, "провайдер сообщил об отказе удержания при сверке")
		default:
			return esc, nil
		}
	}

	key := "hold:" + esc.ID.String()
	hold, err := s.callWithRetry(ctx, esc.ID, func() (string, payments.Status, error) {
		res, callErr := s.gateway.CreateHold(ctx, esc.Amount, esc.Currency, key)
		if callErr != nil {
			return "", "", callErr
		}
		return res.ProviderIntentID, res.Status, nil
	})
	if err != nil {
		if !payments.IsRetryable(err) {
			return s.FailHold(ctx, esc.ID, err.Error())
		}
		return nil, apperror.Wrap(err, apperror.ErrCodeProviderRetryable, "провайдер временно недоступен, удержание останется до следующего прохода")
	}

	if err := s.escrows.SetProviderIntent(ctx, esc.ID, hold.ref); err != nil {
		return nil, err
	}
	intentID := hold.ref
	esc.ProviderIntentID = &intentID

	if hold.status == payments.StatusSucceeded {
		return s.ConfirmHold(ctx, esc.ID, nil)
	}
	return esc, nil
}

// CommitFromProvider фиксирует терминальный статус по подтверждению
// провайдера (вебхук) без повторного вызова API.
func (s *EscrowService) CommitFromProvider(ctx context.Context, esc *models.EscrowTransaction, providerRef string) (*models.EscrowTransaction, error) {
	var terminal lifecycle.EscrowStatus
	switch esc.Status {
	case lifecycle.EscrowStatusReleasing:
		terminal = lifecycle.EscrowStatusReleased
	case lifecycle.EscrowStatusRefunding:
		terminal = lifecycle.EscrowStatusRefunded
	default:
		return s.alreadyProcessed(ctx, esc.ID)
	}

	jobFrom, jobTo, event := reservationTransition(esc)
	committed, err := s.escrows.CommitTerminal(ctx, esc.ID, esc.Status, terminal, providerRef, jobFrom, jobTo, event, nil)
	if errors.Is(err, repository.ErrEscrowAlreadyProcessed) {
		return s.alreadyProcessed(ctx, esc.ID)
	}
	if err != nil {
		return nil, err
	}

	s.notifyJobParties(ctx, committed.JobID, "escrow."+string(terminal), committed)
	return committed, nil
}

// FailFromProvider фиксирует окончательный отказ провайдера по переходной
// транзакции (вебхук transfer.failed / refund.failed).
func (s *EscrowService) FailFromProvider(ctx context.Context, esc *models.EscrowTransaction, reason string) (*models.EscrowTransaction, error) {
	failed, err := s.escrows.MarkFailed(ctx, esc.ID, esc.Status, reason, nil)
	if errors.Is(err, repository.ErrEscrowAlreadyProcessed) {
		return s.alreadyProcessed(ctx, esc.ID)
	}
	if err != nil {
		return nil, err
	}
	s.notifyJobParties(ctx, failed.JobID, "escrow.failed", failed)
	return failed, nil
}

// reservationTransition восстанавливает переход заявки из ключа
// идемпотентности: release одобрением закрывает completed → released,
// решение спора — disputed → resolved, возврат при отмене и ручные операции
// статус заявки не меняют.
func reservationTransition(esc *models.EscrowTransaction) (lifecycle.JobStatus, lifecycle.JobStatus, lifecycle.Event) {
	key := ""
	if esc.IdempotencyKey != nil {
		key = *esc.IdempotencyKey
	}
	switch {
	case strings.HasPrefix(key, "release:"):
		return lifecycle.JobStatusCompleted, lifecycle.JobStatusReleased, lifecycle.EventRelease
	case strings.HasPrefix(key, "resolve:"):
		return lifecycle.JobStatusDisputed, lifecycle.JobStatusResolved, lifecycle.EventResolve
	case strings.HasPrefix(key, "refund:cancel:"):
		return "", "", lifecycle.EventCancel
	default:
		if esc.Status == lifecycle.EscrowStatusRefunding {
			return "", "", lifecycle.EventCancel
		}
		return "", "", lifecycle.EventRelease
	}
}

type providerResult struct {
	ref    string
	status payments.Status
}

// callWithRetry вызывает провайдера с экспоненциальным backoff и джиттером.
// Счётчик попыток пишется в БД для наблюдаемости.
func (s *EscrowService) callWithRetry(ctx context.Context, escrowID uuid.UUID, call func() (string, payments.Status, error)) (*providerResult, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		ref, status, err := call()
		if err == nil {
			if status == payments.StatusFailed {
				lastErr = &payments.Error{Code: "operation_failed", Message: "провайдер вернул статус failed", Retryable: false}
				_ = s.escrows.IncrementAttempt(ctx, escrowID, lastErr.Error())
				return nil, lastErr
			}
			return &providerResult{ref: ref, status: status}, nil
		}

		lastErr = err
		if incErr := s.escrows.IncrementAttempt(ctx, escrowID, err.Error()); incErr != nil {
			return nil, incErr
		}
		if !payments.IsRetryable(err) {
			return nil, err
		}
		if attempt == s.maxAttempts {
			break
		}
		if err := s.sleep(ctx, backoffDelay(s.baseDelay, attempt)); err != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// alreadyProcessed возвращает текущее состояние транзакции с кодом
// ALREADY_PROCESSED: для вызывающей стороны это успех, а не ошибка.
func (s *EscrowService) alreadyProcessed(ctx context.Context, escrowID uuid.UUID) (*models.EscrowTransaction, error) {
	esc, err := s.escrows.GetByID(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	return esc, apperror.New(apperror.ErrCodeAlreadyProcessed, "операция уже выполнена")
}

// notifyJobParties уведомляет стороны заявки об изменении escrow.
func (s *EscrowService) notifyJobParties(ctx context.Context, jobID uuid.UUID, event string, data interface{}) {
	if s.notifier == nil {
		return
	}
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return
	}
	s.notifier.Notify(job.HomeownerID, event, data)
	if job.ContractorID != nil {
		s.notifier.Notify(*job.ContractorID, event, data)
	}
}

// backoffDelay считает задержку повтора: base * 2^(attempt-1) плюс джиттер
// до 50%, чтобы повторные вызовы с разных экземпляров не синхронизировались.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}

// sleepCtx ждёт d или отмену контекста.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
