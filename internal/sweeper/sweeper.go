// Package sweeper содержит фоновую сверку escrow-транзакций. Сверка
// закрывает две дыры между БД и провайдером: транзакции, зависшие в
// переходном статусе после падения процесса, и автоматический release по
// истечении окна после завершения работ.
package sweeper

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mkazarin/homefix-backend/internal/goroutine"
	"github.com/mkazarin/homefix-backend/internal/lifecycle"
	"github.com/mkazarin/homefix-backend/internal/logger"
	"github.com/mkazarin/homefix-backend/internal/models"
	"github.com/mkazarin/homefix-backend/internal/payments"
)

const (
	leaseName = "escrow_sweep"
	batchSize = 50
)

// EscrowCoordinator — операции координатора, которыми сверка доводит
// транзакции до терминального статуса.
type EscrowCoordinator interface {
	CompleteStuck(ctx context.Context, esc *models.EscrowTransaction) (*models.EscrowTransaction, error)
	RecoverPendingHold(ctx context.Context, esc *models.EscrowTransaction) (*models.EscrowTransaction, error)
	CommitFromProvider(ctx context.Context, esc *models.EscrowTransaction, providerRef string) (*models.EscrowTransaction, error)
	FailFromProvider(ctx context.Context, esc *models.EscrowTransaction, reason string) (*models.EscrowTransaction, error)
	ReleaseAuto(ctx context.Context, job *models.Job) (*models.EscrowTransaction, error)
}

// EscrowLister — выборка транзакций, требующих внимания сверки.
type EscrowLister interface {
	ListStuck(ctx context.Context, stuckSince time.Time, limit int) ([]models.EscrowTransaction, error)
	ListStalePending(ctx context.Context, stuckSince time.Time, limit int) ([]models.EscrowTransaction, error)
}

// JobLister — выборка заявок для автоматического release.
type JobLister interface {
	ListCompletedForAutoRelease(ctx context.Context, completedBefore time.Time, limit int) ([]models.Job, error)
}

// LeaseStore — аренда для взаимного исключения между экземплярами сервиса.
type LeaseStore interface {
	TryAcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// Sweeper — фоновый процесс сверки.
type Sweeper struct {
	coordinator EscrowCoordinator
	escrows     EscrowLister
	jobs        JobLister
	leases      LeaseStore
	gateway     payments.Gateway

	interval      time.Duration
	stuckAfter    time.Duration
	releaseWindow time.Duration

	holder string
	log    *logrus.Entry
}

// New создаёт сверку.
func New(coordinator EscrowCoordinator, escrows EscrowLister, jobs JobLister, leases LeaseStore, gateway payments.Gateway, interval, stuckAfter, releaseWindow time.Duration) *Sweeper {
	hostname, _ := os.Hostname()
	return &Sweeper{
		coordinator:   coordinator,
		escrows:       escrows,
		jobs:          jobs,
		leases:        leases,
		gateway:       gateway,
		interval:      interval,
		stuckAfter:    stuckAfter,
		releaseWindow: releaseWindow,
		holder:        fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		log:           logger.WithComponent("sweeper"),
	}
}

// Run запускает цикл сверки до отмены контекста.
func (s *Sweeper) Run(ctx context.Context) {
	goroutine.SafeGoWithContext(ctx, func(ctx context.Context) {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	})
}

// runOnce выполняет один проход под арендой: проход без аренды пропускается,
// сверку ведёт другой экземпляр.
func (s *Sweeper) runOnce(ctx context.Context) {
	acquired, err := s.leases.TryAcquireLease(ctx, leaseName, s.holder, s.interval*2)
	if err != nil {
		s.log.WithField("error", err.Error()).Error("не удалось захватить аренду сверки")
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := s.leases.ReleaseLease(ctx, leaseName, s.holder); err != nil {
			s.log.WithField("error", err.Error()).Warn("не удалось освободить аренду сверки")
		}
	}()

	s.resolvePendingHolds(ctx)
	s.resolveStuck(ctx)
	s.autoRelease(ctx)
}

// resolvePendingHolds добивает удержания, зависшие в pending: без этого
// заявка навсегда остаётся с активной, но не подтверждённой транзакцией.
func (s *Sweeper) resolvePendingHolds(ctx context.Context) {
	pending, err := s.escrows.ListStalePending(ctx, time.Now().Add(-s.stuckAfter), batchSize)
	if err != nil {
		s.log.WithField("error", err.Error()).Error("не удалось получить зависшие удержания")
		return
	}

	for i := range pending {
		esc := &pending[i]
		if _, err := s.coordinator.RecoverPendingHold(ctx, esc); err != nil {
			s.log.WithFields(map[string]interface{}{
				"escrow_id": esc.ID,
				"error":     err.Error(),
			}).Warn("удержание не доведено, останется до следующего прохода")
			continue
		}
		s.log.WithField("escrow_id", esc.ID).Info("зависшее удержание доведено")
	}
}

// resolveStuck разбирает транзакции, зависшие в releasing/refunding: сперва
// спрашивает провайдера об итоге, и только если операция там не завершена —
// повторяет вызов с исходным ключом идемпотентности.
func (s *Sweeper) resolveStuck(ctx context.Context) {
	stuck, err := s.escrows.ListStuck(ctx, time.Now().Add(-s.stuckAfter), batchSize)
	if err != nil {
		s.log.WithField("error", err.Error()).Error("не удалось получить зависшие транзакции")
		return
	}

	for i := range stuck {
		esc := &stuck[i]
		log := s.log.WithFields(map[string]interface{}{
			"escrow_id": esc.ID,
			"status":    esc.Status,
		})

		if esc.ProviderIntentID == nil {
			log.Error("зависшая транзакция без provider_intent_id, требуется ручной разбор")
			continue
		}

		intent, err := s.gateway.GetStatus(ctx, *esc.ProviderIntentID)
		if err != nil {
			log.WithField("error", err.Error()).Warn("провайдер недоступен, транзакция останется до следующего прохода")
			continue
		}

		switch {
		case intent.Status == payments.StatusSucceeded && s.providerRef(esc, intent) != "":
			// Операция на стороне провайдера уже прошла (падение между
			// вызовом и коммитом): фиксируем итог без повторного вызова.
			if _, err := s.coordinator.CommitFromProvider(ctx, esc, s.providerRef(esc, intent)); err != nil {
				log.WithField("error", err.Error()).Error("не удалось зафиксировать итог по данным провайдера")
			} else {
				log.Info("транзакция доведена по данным провайдера")
			}
		case intent.Status == payments.StatusFailed:
			if _, err := s.coordinator.FailFromProvider(ctx, esc, "провайдер сообщил об отказе при сверке"); err != nil {
				log.WithField("error", err.Error()).Error("не удалось отметить отказ провайдера")
			}
		default:
			// Операция не инициирована или ещё идёт: повтор с тем же ключом
			// безопасен, провайдер дедуплицирует.
			if _, err := s.coordinator.CompleteStuck(ctx, esc); err != nil {
				log.WithField("error", err.Error()).Warn("повторное проведение не удалось")
			} else {
				log.Info("зависшая транзакция доведена повторным вызовом")
			}
		}
	}
}

// autoRelease переводит средства по заявкам, которые завершены дольше окна
// автоматического release и не оспорены.
func (s *Sweeper) autoRelease(ctx context.Context) {
	jobs, err := s.jobs.ListCompletedForAutoRelease(ctx, time.Now().Add(-s.releaseWindow), batchSize)
	if err != nil {
		s.log.WithField("error", err.Error()).Error("не удалось получить заявки для автоматического release")
		return
	}

	for i := range jobs {
		job := &jobs[i]
		if job.Status != lifecycle.JobStatusCompleted {
			continue
		}
		if _, err := s.coordinator.ReleaseAuto(ctx, job); err != nil {
			s.log.WithFields(map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			}).Warn("автоматический release не завершён")
			continue
		}
		s.log.WithField("job_id", job.ID).Info("автоматический release выполнен")
	}
}

// providerRef выбирает идентификатор операции по направлению транзакции.
func (s *Sweeper) providerRef(esc *models.EscrowTransaction, intent *payments.IntentStatus) string {
	if esc.Status == lifecycle.EscrowStatusRefunding {
		return intent.RefundID
	}
	return intent.TransferID
}
