package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/mkazarin/homefix-backend/internal/lifecycle"
	"github.com/mkazarin/homefix-backend/internal/models"
	"github.com/mkazarin/homefix-backend/internal/payments"
)

type mockCoordinator struct {
	mock.Mock
}

func (m *mockCoordinator) CompleteStuck(ctx context.Context, esc *models.EscrowTransaction) (*models.EscrowTransaction, error) {
	args := m.Called(ctx, esc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.EscrowTransaction), args.Error(1)
}

func (m *mockCoordinator) RecoverPendingHold(ctx context.Context, esc *models.EscrowTransaction) (*models.EscrowTransaction, error) {
	args := m.Called(ctx, esc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.EscrowTransaction), args.Error(1)
}

func (m *mockCoordinator) CommitFromProvider(ctx context.Context, esc *models.EscrowTransaction, providerRef string) (*models.EscrowTransaction, error) {
	args := m.Called(ctx, esc, providerRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.EscrowTransaction), args.Error(1)
}

func (m *mockCoordinator) FailFromProvider(ctx context.Context, esc *models.EscrowTransaction, reason string) (*models.EscrowTransaction, error) {
	args := m.Called(ctx, esc, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.EscrowTransaction), args.Error(1)
}

func (m *mockCoordinator) ReleaseAuto(ctx context.Context, job *models.Job) (*models.EscrowTransaction, error) {
	args := m.Called(ctx, job)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.EscrowTransaction), args.Error(1)
}

type mockEscrowLister struct {
	mock.Mock
}

func (m *mockEscrowLister) ListStuck(ctx context.Context, stuckSince time.Time, limit int) ([]models.EscrowTransaction, error) {
	args := m.Called(ctx, stuckSince, limit)
	return args.Get(0).([]models.EscrowTransaction), args.Error(1)
}

func (m *mockEscrowLister) ListStalePending(ctx context.Context, stuckSince time.Time, limit int) ([]models.EscrowTransaction, error) {
	args := m.Called(ctx, stuckSince, limit)
	return args.Get(0).([]models.EscrowTransaction), args.Error(1)
}

type mockJobLister struct {
	mock.Mock
}

func (m *mockJobLister) ListCompletedForAutoRelease(ctx context.Context, completedBefore time.Time, limit int) ([]models.Job, error) {
	args := m.Called(ctx, completedBefore, limit)
	return args.Get(0).([]models.Job), args.Error(1)
}

type mockLeaseStore struct {
	mock.Mock
}

func (m *mockLeaseStore) TryAcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, name, holder, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *mockLeaseStore) ReleaseLease(ctx context.Context, name, holder string) error {
	args := m.Called(ctx, name, holder)
	return args.Error(0)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateHold(ctx context.Context, amount float64, currency, idempotencyKey string) (*payments.HoldResult, error) {
	args := m.Called(ctx, amount, currency, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payments.HoldResult), args.Error(1)
}

func (m *mockGateway) Release(ctx context.Context, providerIntentID, idempotencyKey string) (*payments.ReleaseResult, error) {
	args := m.Called(ctx, providerIntentID, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payments.ReleaseResult), args.Error(1)
}

func (m *mockGateway) Refund(ctx context.Context, providerIntentID, idempotencyKey string) (*payments.RefundResult, error) {
	args := m.Called(ctx, providerIntentID, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payments.RefundResult), args.Error(1)
}

func (m *mockGateway) GetStatus(ctx context.Context, providerIntentID string) (*payments.IntentStatus, error) {
	args := m.Called(ctx, providerIntentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payments.IntentStatus), args.Error(1)
}

func strPtr(s string) *string { return &s }

func newSweeperForTest(coordinator *mockCoordinator, escrows *mockEscrowLister, jobs *mockJobLister, leases *mockLeaseStore, gateway *mockGateway) *Sweeper {
	return New(coordinator, escrows, jobs, leases, gateway, time.Minute, 5*time.Minute, 72*time.Hour)
}

func TestSweeper_SkipsRunWithoutLease(t *testing.T) {
	coordinator := new(mockCoordinator)
	escrows := new(mockEscrowLister)
	jobs := new(mockJobLister)
	leases := new(mockLeaseStore)
	gateway := new(mockGateway)
	s := newSweeperForTest(coordinator, escrows, jobs, leases, gateway)
	ctx := context.Background()

	leases.On("TryAcquireLease", ctx, "escrow_sweep", s.holder, 2*time.Minute).Return(false, nil)

	s.runOnce(ctx)

	escrows.AssertNotCalled(t, "ListStuck", mock.Anything, mock.Anything, mock.Anything)
	leases.AssertNotCalled(t, "ReleaseLease", mock.Anything, mock.Anything, mock.Anything)
}

func TestSweeper_ProviderAlreadySucceeded_NoSecondTransfer(t *testing.T) {
	coordinator := new(mockCoordinator)
	escrows := new(mockEscrowLister)
	jobs := new(mockJobLister)
	leases := new(mockLeaseStore)
	gateway := new(mockGateway)
	s := newSweeperForTest(coordinator, escrows, jobs, leases, gateway)
	ctx := context.Background()

	stuck := models.EscrowTransaction{
		ID:               uuid.New(),
		JobID:            uuid.New(),
		Status:           lifecycle.EscrowStatusReleasing,
		ProviderIntentID: strPtr("pi_1"),
		IdempotencyKey:   strPtr("release:" + uuid.NewString()),
	}

	leases.On("TryAcquireLease", ctx, "escrow_sweep", s.holder, 2*time.Minute).Return(true, nil)
	leases.On("ReleaseLease", ctx, "escrow_sweep", s.holder).Return(nil)
	escrows.On("ListStalePending", ctx, mock.AnythingOfType("time.Time"), 50).Return([]models.EscrowTransaction{}, nil)
	escrows.On("ListStuck", ctx, mock.AnythingOfType("time.Time"), 50).Return([]models.EscrowTransaction{stuck}, nil)
	jobs.On("ListCompletedForAutoRelease", ctx, mock.AnythingOfType("time.Time"), 50).Return([]models.Job{}, nil)

	// Перевод на стороне провайдера уже прошёл: падение случилось между
	// вызовом и коммитом. Итог фиксируется без повторного вызова.
	gateway.On("GetStatus", ctx, "pi_1").Return(&payments.IntentStatus{
		ProviderIntentID: "pi_1",
		Status:           payments.StatusSucceeded,
		TransferID:       "tr_1",
	}, nil)
	coordinator.On("CommitFromProvider", ctx, &stuck, "tr_1").
		Return(&models.EscrowTransaction{ID: stuck.ID, Status: lifecycle.EscrowStatusReleased}, nil)

	s.runOnce(ctx)

	coordinator.AssertExpectations(t)
	coordinator.AssertNotCalled(t, "CompleteStuck", mock.Anything, mock.Anything)
	gateway.AssertNotCalled(t, "Release", mock.Anything, mock.Anything, mock.Anything)
}

func TestSweeper_ProviderFailed_MarksFailed(t *testing.T) {
	coordinator := new(mockCoordinator)
	escrows := new(mockEscrowLister)
	jobs := new(mockJobLister)
	leases := new(mockLeaseStore)
	gateway := new(mockGateway)
	s := newSweeperForTest(coordinator, escrows, jobs, leases, gateway)
	ctx := context.Background()

	stuck := models.EscrowTransaction{
		ID:               uuid.New(),
		Status:           lifecycle.EscrowStatusRefunding,
		ProviderIntentID: strPtr("pi_2"),
	}

	leases.On("TryAcquireLease", ctx, "escrow_sweep", s.holder, 2*time.Minute).Return(true, nil)
	leases.On("ReleaseLease", ctx, "escrow_sweep", s.holder).Return(nil)
	escrows.On("ListStalePending", ctx, mock.AnythingOfType("time.Time"), 50).Return([]models.EscrowTransaction{}, nil)
	escrows.On("ListStuck", ctx, mock.AnythingOfType("time.Time"), 50).Return([]models.EscrowTransaction{stuck}, nil)
	jobs.On("ListCompletedForAutoRelease", ctx, mock.AnythingOfType("time.Time"), 50).Return([]models.Job{}, nil)

	gateway.On("GetStatus", ctx, "pi_2").Return(&payments.IntentStatus{
		ProviderIntentID: "pi_2",
		Status:           payments.StatusFailed,
	}, nil)
	coordinator.On("FailFromProvider", ctx, &stuck, mock.AnythingOfType("string")).
		Return(&models.EscrowTransaction{ID: stuck.ID, Status: lifecycle.EscrowStatusFailed}, nil)

	s.runOnce(ctx)

	coordinator.AssertExpectations(t)
	coordinator.AssertNotCalled(t, "CompleteStuck", mock.Anything, mock.Anything)
}

func TestSweeper_ProviderPending_RetriesWithSameKey(t *testing.T) {
	coordinator := new(mockCoordinator)
	escrows := new(mockEscrowLister)
	jobs := new(mockJobLister)
	leases := new(mockLeaseStore)
	gateway := new(mockGateway)
	s := newSweeperForTest(coordinator, escrows, jobs, leases, gateway)
	ctx := context.Background()

	stuck := models.EscrowTransaction{
		ID:               uuid.New(),
		Status:           lifecycle.EscrowStatusReleasing,
		ProviderIntentID: strPtr("pi_3"),
		IdempotencyKey:   strPtr("release:" + uuid.NewString()),
	}

	leases.On("TryAcquireLease", ctx, "escrow_sweep", s.holder, 2*time.Minute).Return(true, nil)
	leases.On("ReleaseLease", ctx, "escrow_sweep", s.holder).Return(nil)
	escrows.On("ListStalePending", ctx, mock.AnythingOfType("time.Time"), 50).Return([]models.EscrowTransaction{}, nil)
	escrows.On("ListStuck", ctx, mock.AnythingOfType("time.Time"), 50).Return([]models.EscrowTransaction{stuck}, nil)
	jobs.On("ListCompletedForAutoRelease", ctx, mock.AnythingOfType("time.Time"), 50).Return([]models.Job{}, nil)

	gateway.On("GetStatus", ctx, "pi_3").Return(&payments.IntentStatus{
		ProviderIntentID: "pi_3",
		Status:           payments.StatusPending,
	}, nil)
	coordinator.On("CompleteStuck", ctx, &stuck).
		Return(&models.EscrowTransaction{ID: stuck.ID, Status: lifecycle.EscrowStatusReleased}, nil)

	s.runOnce(ctx)

	coordinator.AssertExpectations(t)
	coordinator.AssertNotCalled(t, "CommitFromProvider", mock.Anything, mock.Anything, mock.Anything)
}

func TestSweeper_SkipsStuckWithoutIntent(t *testing.T) {
	coordinator := new(mockCoordinator)
	escrows := new(mockEscrowLister)
	jobs := new(mockJobLister)
	leases := new(mockLeaseStore)
	gateway := new(mockGateway)
	s := newSweeperForTest(coordinator, escrows, jobs, leases, gateway)
	ctx := context.Background()

	stuck := models.EscrowTransaction{ID: uuid.New(), Status: lifecycle.EscrowStatusReleasing}

	leases.On("TryAcquireLease", ctx, "escrow_sweep", s.holder, 2*time.Minute).Return(true, nil)
	leases.On("ReleaseLease", ctx, "escrow_sweep", s.holder).Return(nil)
	escrows.On("ListStalePending", ctx, mock.AnythingOfType("time.Time"), 50).Return([]models.EscrowTransaction{}, nil)
	escrows.On("ListStuck", ctx, mock.AnythingOfType("time.Time"), 50).Return([]models.EscrowTransaction{stuck}, nil)
	jobs.On("ListCompletedForAutoRelease", ctx, mock.AnythingOfType("time.Time"), 50).Return([]models.Job{}, nil)

	s.runOnce(ctx)

	gateway.AssertNotCalled(t, "GetStatus", mock.Anything, mock.Anything)
	coordinator.AssertNotCalled(t, "CompleteStuck", mock.Anything, mock.Anything)
}

func TestSweeper_RecoversStalePendingHolds(t *testing.T) {
	coordinator := new(mockCoordinator)
	escrows := new(mockEscrowLister)
	jobs := new(mockJobLister)
	leases := new(mockLeaseStore)
	gateway := new(mockGateway)
	s := newSweeperForTest(coordinator, escrows, jobs, leases, gateway)
	ctx := context.Background()

	// Удержание зависло в pending без intent: CreateHold исчерпал повторы
	// или процесс упал до записи intent. Без сверки заявка останется с
	// активной, но не подтверждённой транзакцией навсегда.
	stale := models.EscrowTransaction{
		ID:       uuid.New(),
		JobID:    uuid.New(),
		Amount:   5000,
		Currency: "RUB",
		Status:   lifecycle.EscrowStatusPending,
	}

	leases.On("TryAcquireLease", ctx, "escrow_sweep", s.holder, 2*time.Minute).Return(true, nil)
	leases.On("ReleaseLease", ctx, "escrow_sweep", s.holder).Return(nil)
	escrows.On("ListStalePending", ctx, mock.AnythingOfType("time.Time"), 50).Return([]models.EscrowTransaction{stale}, nil)
	escrows.On("ListStuck", ctx, mock.AnythingOfType("time.Time"), 50).Return([]models.EscrowTransaction{}, nil)
	jobs.On("ListCompletedForAutoRelease", ctx, mock.AnythingOfType("time.Time"), 50).Return([]models.Job{}, nil)

	coordinator.On("RecoverPendingHold", ctx, &stale).
		Return(&models.EscrowTransaction{ID: stale.ID, Status: lifecycle.EscrowStatusHeld}, nil).Once()

	s.runOnce(ctx)

	coordinator.AssertExpectations(t)
}

func TestSweeper_AutoReleaseCompletedJobs(t *testing.T) {
	coordinator := new(mockCoordinator)
	escrows := new(mockEscrowLister)
	jobs := new(mockJobLister)
	leases := new(mockLeaseStore)
	gateway := new(mockGateway)
	s := newSweeperForTest(coordinator, escrows, jobs, leases, gateway)
	ctx := context.Background()

	completed := models.Job{ID: uuid.New(), Status: lifecycle.JobStatusCompleted}
	disputed := models.Job{ID: uuid.New(), Status: lifecycle.JobStatusDisputed}

	leases.On("TryAcquireLease", ctx, "escrow_sweep", s.holder, 2*time.Minute).Return(true, nil)
	leases.On("ReleaseLease", ctx, "escrow_sweep", s.holder).Return(nil)
	escrows.On("ListStalePending", ctx, mock.AnythingOfType("time.Time"), 50).Return([]models.EscrowTransaction{}, nil)
	escrows.On("ListStuck", ctx, mock.AnythingOfType("time.Time"), 50).Return([]models.EscrowTransaction{}, nil)
	jobs.On("ListCompletedForAutoRelease", ctx, mock.AnythingOfType("time.Time"), 50).
		Return([]models.Job{completed, disputed}, nil)

	coordinator.On("ReleaseAuto", ctx, &completed).
		Return(&models.EscrowTransaction{Status: lifecycle.EscrowStatusReleased}, nil).Once()

	s.runOnce(ctx)

	coordinator.AssertExpectations(t)
	assert.Equal(t, 1, len(coordinator.Calls))
}

func TestSweeper_ReleasesLeaseAfterRun(t *testing.T) {
	coordinator := new(mockCoordinator)
	escrows := new(mockEscrowLister)
	jobs := new(mockJobLister)
	leases := new(mockLeaseStore)
	gateway := new(mockGateway)
	s := newSweeperForTest(coordinator, escrows, jobs, leases, gateway)
	ctx := context.Background()

	leases.On("TryAcquireLease", ctx, "escrow_sweep", s.holder, 2*time.Minute).Return(true, nil)
	leases.On("ReleaseLease", ctx, "escrow_sweep", s.holder).Return(nil).Once()
	escrows.On("ListStalePending", ctx, mock.AnythingOfType("time.Time"), 50).Return([]models.EscrowTransaction{}, nil)
	escrows.On("ListStuck", ctx, mock.AnythingOfType("time.Time"), 50).Return([]models.EscrowTransaction{}, nil)
	jobs.On("ListCompletedForAutoRelease", ctx, mock.AnythingOfType("time.Time"), 50).Return([]models.Job{}, nil)

	s.runOnce(ctx)

	leases.AssertExpectations(t)
}
