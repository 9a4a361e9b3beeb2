package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mkazarin/homefix-backend/internal/lifecycle"
	"github.com/mkazarin/homefix-backend/internal/models"
	"github.com/mkazarin/homefix-backend/internal/pkg/apperror"
	"github.com/mkazarin/homefix-backend/internal/repository"
)

type mockJobStore struct {
	mock.Mock
}

func (m *mockJobStore) Create(ctx context.Context, job *models.Job) error {
	args := m.Called(ctx, job)
	if args.Error(0) == nil {
		job.ID = uuid.New()
		job.Status = lifecycle.JobStatusDraft
	}
	return args.Error(0)
}

func (m *mockJobStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Job), args.Error(1)
}

func (m *mockJobStore) List(ctx context.Context, limit, offset int) ([]models.Job, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]models.Job), args.Error(1)
}

func (m *mockJobStore) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Job, error) {
	args := m.Called(ctx, userID, limit, offset)
	return args.Get(0).([]models.Job), args.Error(1)
}

func (m *mockJobStore) UpdateStatusGuarded(ctx context.Context, id uuid.UUID, from, to lifecycle.JobStatus, event lifecycle.Event, actorID *uuid.UUID) (*models.Job, error) {
	args := m.Called(ctx, id, from, to, event, actorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Job), args.Error(1)
}

func (m *mockJobStore) SetWorkSubmitted(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockJobStore) Archive(ctx context.Context, id uuid.UUID, homeownerID uuid.UUID) error {
	args := m.Called(ctx, id, homeownerID)
	return args.Error(0)
}

type mockBidStore struct {
	mock.Mock
}

func (m *mockBidStore) Create(ctx context.Context, bid *models.Bid) error {
	args := m.Called(ctx, bid)
	if args.Error(0) == nil {
		bid.ID = uuid.New()
		bid.Status = lifecycle.BidStatusPending
	}
	return args.Error(0)
}

func (m *mockBidStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Bid, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Bid), args.Error(1)
}

func (m *mockBidStore) ListByJob(ctx context.Context, jobID uuid.UUID) ([]models.Bid, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).([]models.Bid), args.Error(1)
}

func (m *mockBidStore) ListByContractor(ctx context.Context, contractorID uuid.UUID, limit, offset int) ([]models.Bid, error) {
	args := m.Called(ctx, contractorID, limit, offset)
	return args.Get(0).([]models.Bid), args.Error(1)
}

func (m *mockBidStore) Withdraw(ctx context.Context, id, contractorID uuid.UUID) error {
	args := m.Called(ctx, id, contractorID)
	return args.Error(0)
}

func (m *mockBidStore) Accept(ctx context.Context, jobID, bidID uuid.UUID, actorID *uuid.UUID) (*models.Job, *models.Bid, error) {
	args := m.Called(ctx, jobID, bidID, actorID)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*models.Job), args.Get(1).(*models.Bid), args.Error(2)
}

type mockAuditStore struct {
	mock.Mock
}

func (m *mockAuditStore) ListByJob(ctx context.Context, jobID uuid.UUID) ([]models.AuditRecord, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).([]models.AuditRecord), args.Error(1)
}

type mockEscrowCoordinator struct {
	mock.Mock
}

func (m *mockEscrowCoordinator) OpenHold(ctx context.Context, job *models.Job, amount float64, actorID *uuid.UUID) (*models.EscrowTransaction, error) {
	args := m.Called(ctx, job, amount, actorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.EscrowTransaction), args.Error(1)
}

func (m *mockEscrowCoordinator) RefundForCancel(ctx context.Context, jobID uuid.UUID, actorID *uuid.UUID) (*models.EscrowTransaction, error) {
	args := m.Called(ctx, jobID, actorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.EscrowTransaction), args.Error(1)
}

func newJobServiceForTest(jobs *mockJobStore, bids *mockBidStore, escrow *mockEscrowCoordinator) *JobService {
	return NewJobService(jobs, bids, new(mockAuditStore), escrow, nil)
}

func homeowner() *models.User {
	return &models.User{ID: uuid.New(), Role: models.RoleHomeowner}
}

func contractor() *models.User {
	return &models.User{ID: uuid.New(), Role: models.RoleContractor}
}

func TestJobService_CreateJob_Success(t *testing.T) {
	jobs := new(mockJobStore)
	svc := newJobServiceForTest(jobs, new(mockBidStore), new(mockEscrowCoordinator))
	ctx := context.Background()
	owner := homeowner()

	jobs.On("Create", ctx, mock.AnythingOfType("*models.Job")).Return(nil)

	job, err := svc.CreateJob(ctx, owner, CreateJobInput{
		Title:       "Замена проводки в гостиной",
		Description: "Нужно заменить старую алюминиевую проводку на медную, ~40 метров.",
		Budget:      45000,
	})
	require.NoError(t, err)
	assert.Equal(t, owner.ID, job.HomeownerID)
	assert.Equal(t, "RUB", job.Currency)
	assert.Equal(t, lifecycle.JobStatusDraft, job.Status)
}

func TestJobService_CreateJob_ContractorForbidden(t *testing.T) {
	svc := newJobServiceForTest(new(mockJobStore), new(mockBidStore), new(mockEscrowCoordinator))

	_, err := svc.CreateJob(context.Background(), contractor(), CreateJobInput{
		Title:       "Тестовая заявка",
		Description: "Описание тестовой заявки достаточной длины.",
		Budget:      1000,
	})
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.ErrCodeForbidden))
}

func TestJobService_CreateJob_Validation(t *testing.T) {
	svc := newJobServiceForTest(new(mockJobStore), new(mockBidStore), new(mockEscrowCoordinator))
	ctx := context.Background()
	owner := homeowner()

	_, err := svc.CreateJob(ctx, owner, CreateJobInput{Title: "x", Description: "Описание тестовой заявки достаточной длины.", Budget: 1000})
	assert.Error(t, err)

	_, err = svc.CreateJob(ctx, owner, CreateJobInput{Title: "Нормальный заголовок", Description: "Описание тестовой заявки достаточной длины.", Budget: -5})
	assert.Error(t, err)

	_, err = svc.CreateJob(ctx, owner, CreateJobInput{Title: "Нормальный заголовок", Description: "Описание тестовой заявки достаточной длины.", Budget: 1000, Currency: "BTC"})
	assert.Error(t, err)
}

func TestJobService_Publish(t *testing.T) {
	jobs := new(mockJobStore)
	svc := newJobServiceForTest(jobs, new(mockBidStore), new(mockEscrowCoordinator))
	ctx := context.Background()
	owner := homeowner()
	jobID := uuid.New()

	draft := &models.Job{ID: jobID, HomeownerID: owner.ID, Status: lifecycle.JobStatusDraft}
	posted := &models.Job{ID: jobID, HomeownerID: owner.ID, Status: lifecycle.JobStatusPosted}

	jobs.On("GetByID", ctx, jobID).Return(draft, nil)
	jobs.On("UpdateStatusGuarded", ctx, jobID, lifecycle.JobStatusDraft, lifecycle.JobStatusPosted, lifecycle.EventPublish, &owner.ID).
		Return(posted, nil)

	job, err := svc.Publish(ctx, jobID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.JobStatusPosted, job.Status)
}

func TestJobService_Publish_InvalidFromStatus(t *testing.T) {
	jobs := new(mockJobStore)
	svc := newJobServiceForTest(jobs, new(mockBidStore), new(mockEscrowCoordinator))
	ctx := context.Background()
	owner := homeowner()
	jobID := uuid.New()

	jobs.On("GetByID", ctx, jobID).Return(&models.Job{ID: jobID, HomeownerID: owner.ID, Status: lifecycle.JobStatusInProgress}, nil)

	_, err := svc.Publish(ctx, jobID, owner.ID)
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.ErrCodeInvalidTransition))
	jobs.AssertNotCalled(t, "UpdateStatusGuarded", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestJobService_Publish_LostRaceIsConflict(t *testing.T) {
	jobs := new(mockJobStore)
	svc := newJobServiceForTest(jobs, new(mockBidStore), new(mockEscrowCoordinator))
	ctx := context.Background()
	owner := homeowner()
	jobID := uuid.New()

	jobs.On("GetByID", ctx, jobID).Return(&models.Job{ID: jobID, HomeownerID: owner.ID, Status: lifecycle.JobStatusDraft}, nil)
	jobs.On("UpdateStatusGuarded", ctx, jobID, lifecycle.JobStatusDraft, lifecycle.JobStatusPosted, lifecycle.EventPublish, &owner.ID).
		Return(nil, repository.ErrStatusConflict)

	_, err := svc.Publish(ctx, jobID, owner.ID)
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.ErrCodeConflict))
}

func TestJobService_PlaceBid_FirstBidOpensBidding(t *testing.T) {
	jobs := new(mockJobStore)
	bids := new(mockBidStore)
	svc := newJobServiceForTest(jobs, bids, new(mockEscrowCoordinator))
	ctx := context.Background()
	bidder := contractor()
	jobID := uuid.New()

	posted := &models.Job{ID: jobID, HomeownerID: uuid.New(), Status: lifecycle.JobStatusPosted}

	jobs.On("GetByID", ctx, jobID).Return(posted, nil)
	jobs.On("UpdateStatusGuarded", ctx, jobID, lifecycle.JobStatusPosted, lifecycle.JobStatusBidding, lifecycle.EventBidPlaced, &bidder.ID).
		Return(&models.Job{ID: jobID, Status: lifecycle.JobStatusBidding}, nil)
	bids.On("Create", ctx, mock.AnythingOfType("*models.Bid")).Return(nil)

	bid, err := svc.PlaceBid(ctx, bidder, jobID, PlaceBidInput{Amount: 40000, Message: "Сделаю за неделю"})
	require.NoError(t, err)
	assert.Equal(t, bidder.ID, bid.ContractorID)
	jobs.AssertExpectations(t)
}

func TestJobService_PlaceBid_LostRaceOnFirstBidIsTolerated(t *testing.T) {
	jobs := new(mockJobStore)
	bids := new(mockBidStore)
	svc := newJobServiceForTest(jobs, bids, new(mockEscrowCoordinator))
	ctx := context.Background()
	bidder := contractor()
	jobID := uuid.New()

	jobs.On("GetByID", ctx, jobID).Return(&models.Job{ID: jobID, HomeownerID: uuid.New(), Status: lifecycle.JobStatusPosted}, nil)
	// Конкурент успел первым: заявка уже в bidding, отклик всё равно создаётся.
	jobs.On("UpdateStatusGuarded", ctx, jobID, lifecycle.JobStatusPosted, lifecycle.JobStatusBidding, lifecycle.EventBidPlaced, &bidder.ID).
		Return(nil, repository.ErrStatusConflict)
	bids.On("Create", ctx, mock.AnythingOfType("*models.Bid")).Return(nil)

	_, err := svc.PlaceBid(ctx, bidder, jobID, PlaceBidInput{Amount: 40000})
	require.NoError(t, err)
}

func TestJobService_PlaceBid_OwnJobForbidden(t *testing.T) {
	jobs := new(mockJobStore)
	svc := newJobServiceForTest(jobs, new(mockBidStore), new(mockEscrowCoordinator))
	ctx := context.Background()

	owner := &models.User{ID: uuid.New(), Role: models.RoleContractor}
	jobID := uuid.New()
	jobs.On("GetByID", ctx, jobID).Return(&models.Job{ID: jobID, HomeownerID: owner.ID, Status: lifecycle.JobStatusPosted}, nil)

	_, err := svc.PlaceBid(ctx, owner, jobID, PlaceBidInput{Amount: 100})
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.ErrCodeForbidden))
}

func TestJobService_PlaceBid_ClosedJob(t *testing.T) {
	jobs := new(mockJobStore)
	svc := newJobServiceForTest(jobs, new(mockBidStore), new(mockEscrowCoordinator))
	ctx := context.Background()
	jobID := uuid.New()

	jobs.On("GetByID", ctx, jobID).Return(&models.Job{ID: jobID, HomeownerID: uuid.New(), Status: lifecycle.JobStatusInProgress}, nil)

	_, err := svc.PlaceBid(ctx, contractor(), jobID, PlaceBidInput{Amount: 100})
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.ErrCodeInvalidTransition))
}

func TestJobService_PlaceBid_DuplicateIsConflict(t *testing.T) {
	jobs := new(mockJobStore)
	bids := new(mockBidStore)
	svc := newJobServiceForTest(jobs, bids, new(mockEscrowCoordinator))
	ctx := context.Background()
	bidder := contractor()
	jobID := uuid.New()

	jobs.On("GetByID", ctx, jobID).Return(&models.Job{ID: jobID, HomeownerID: uuid.New(), Status: lifecycle.JobStatusBidding}, nil)
	bids.On("Create", ctx, mock.AnythingOfType("*models.Bid")).Return(repository.ErrBidAlreadyPlaced)

	_, err := svc.PlaceBid(ctx, bidder, jobID, PlaceBidInput{Amount: 100})
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.ErrCodeConflict))
}

func TestJobService_AcceptBid_OpensHoldForBidAmount(t *testing.T) {
	jobs := new(mockJobStore)
	bids := new(mockBidStore)
	escrow := new(mockEscrowCoordinator)
	svc := newJobServiceForTest(jobs, bids, escrow)
	ctx := context.Background()
	owner := homeowner()
	jobID := uuid.New()
	bidID := uuid.New()
	contractorID := uuid.New()

	bidding := &models.Job{ID: jobID, HomeownerID: owner.ID, Status: lifecycle.JobStatusBidding}
	accepted := &models.Job{ID: jobID, HomeownerID: owner.ID, ContractorID: &contractorID, Status: lifecycle.JobStatusAccepted, Currency: "RUB"}
	bid := &models.Bid{ID: bidID, JobID: jobID, ContractorID: contractorID, Amount: 38000, Status: lifecycle.BidStatusAccepted}

	jobs.On("GetByID", ctx, jobID).Return(bidding, nil)
	bids.On("Accept", ctx, jobID, bidID, &owner.ID).Return(accepted, bid, nil)
	// Удержание создаётся на сумму принятого отклика, не на бюджет заявки.
	escrow.On("OpenHold", ctx, accepted, float64(38000), &owner.ID).
		Return(&models.EscrowTransaction{JobID: jobID, Amount: 38000, Status: lifecycle.EscrowStatusHeld}, nil)

	job, esc, err := svc.AcceptBid(ctx, jobID, bidID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.JobStatusAccepted, job.Status)
	assert.Equal(t, float64(38000), esc.Amount)
	escrow.AssertExpectations(t)
}

func TestJobService_AcceptBid_RetryableHoldIsTolerated(t *testing.T) {
	jobs := new(mockJobStore)
	bids := new(mockBidStore)
	escrow := new(mockEscrowCoordinator)
	svc := newJobServiceForTest(jobs, bids, escrow)
	ctx := context.Background()
	owner := homeowner()
	jobID := uuid.New()
	bidID := uuid.New()
	contractorID := uuid.New()

	accepted := &models.Job{ID: jobID, HomeownerID: owner.ID, ContractorID: &contractorID, Status: lifecycle.JobStatusAccepted}
	bid := &models.Bid{ID: bidID, JobID: jobID, ContractorID: contractorID, Amount: 1000}

	jobs.On("GetByID", ctx, jobID).Return(&models.Job{ID: jobID, HomeownerID: owner.ID, Status: lifecycle.JobStatusBidding}, nil)
	bids.On("Accept", ctx, jobID, bidID, &owner.ID).Return(accepted, bid, nil)
	escrow.On("OpenHold", ctx, accepted, float64(1000), &owner.ID).
		Return(nil, apperror.New(apperror.ErrCodeProviderRetryable, "провайдер временно недоступен"))

	job, _, err := svc.AcceptBid(ctx, jobID, bidID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.JobStatusAccepted, job.Status)
}

func TestJobService_Complete_RequiresWorkSubmitted(t *testing.T) {
	jobs := new(mockJobStore)
	svc := newJobServiceForTest(jobs, new(mockBidStore), new(mockEscrowCoordinator))
	ctx := context.Background()
	owner := homeowner()
	jobID := uuid.New()

	jobs.On("GetByID", ctx, jobID).Return(&models.Job{
		ID: jobID, HomeownerID: owner.ID, Status: lifecycle.JobStatusInProgress, WorkSubmitted: false,
	}, nil)

	_, err := svc.Complete(ctx, jobID, owner.ID)
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.ErrCodeConflict))
	jobs.AssertNotCalled(t, "UpdateStatusGuarded", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestJobService_Complete_Success(t *testing.T) {
	jobs := new(mockJobStore)
	svc := newJobServiceForTest(jobs, new(mockBidStore), new(mockEscrowCoordinator))
	ctx := context.Background()
	owner := homeowner()
	jobID := uuid.New()

	inProgress := &models.Job{ID: jobID, HomeownerID: owner.ID, Status: lifecycle.JobStatusInProgress, WorkSubmitted: true}
	completed := &models.Job{ID: jobID, HomeownerID: owner.ID, Status: lifecycle.JobStatusCompleted, WorkSubmitted: true}

	jobs.On("GetByID", ctx, jobID).Return(inProgress, nil)
	jobs.On("UpdateStatusGuarded", ctx, jobID, lifecycle.JobStatusInProgress, lifecycle.JobStatusCompleted, lifecycle.EventComplete, &owner.ID).
		Return(completed, nil)

	job, err := svc.Complete(ctx, jobID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.JobStatusCompleted, job.Status)
}

func TestJobService_SubmitWork_OnlyAssignedContractor(t *testing.T) {
	jobs := new(mockJobStore)
	svc := newJobServiceForTest(jobs, new(mockBidStore), new(mockEscrowCoordinator))
	ctx := context.Background()
	jobID := uuid.New()
	assigned := uuid.New()

	jobs.On("GetByID", ctx, jobID).Return(&models.Job{
		ID: jobID, HomeownerID: uuid.New(), ContractorID: &assigned, Status: lifecycle.JobStatusInProgress,
	}, nil)

	_, err := svc.SubmitWork(ctx, jobID, uuid.New())
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.ErrCodeForbidden))
}

func TestJobService_Cancel_TriggersRefund(t *testing.T) {
	jobs := new(mockJobStore)
	escrow := new(mockEscrowCoordinator)
	svc := newJobServiceForTest(jobs, new(mockBidStore), escrow)
	ctx := context.Background()
	owner := homeowner()
	jobID := uuid.New()

	accepted := &models.Job{ID: jobID, HomeownerID: owner.ID, Status: lifecycle.JobStatusAccepted}
	cancelled := &models.Job{ID: jobID, HomeownerID: owner.ID, Status: lifecycle.JobStatusCancelled}

	jobs.On("GetByID", ctx, jobID).Return(accepted, nil)
	jobs.On("UpdateStatusGuarded", ctx, jobID, lifecycle.JobStatusAccepted, lifecycle.JobStatusCancelled, lifecycle.EventCancel, &owner.ID).
		Return(cancelled, nil)
	escrow.On("RefundForCancel", ctx, jobID, &owner.ID).
		Return(&models.EscrowTransaction{JobID: jobID, Status: lifecycle.EscrowStatusRefunded}, nil)

	job, err := svc.Cancel(ctx, jobID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.JobStatusCancelled, job.Status)
	escrow.AssertExpectations(t)
}

func TestJobService_Cancel_RetryableRefundStillCancels(t *testing.T) {
	jobs := new(mockJobStore)
	escrow := new(mockEscrowCoordinator)
	svc := newJobServiceForTest(jobs, new(mockBidStore), escrow)
	ctx := context.Background()
	owner := homeowner()
	jobID := uuid.New()

	jobs.On("GetByID", ctx, jobID).Return(&models.Job{ID: jobID, HomeownerID: owner.ID, Status: lifecycle.JobStatusAccepted}, nil)
	jobs.On("UpdateStatusGuarded", ctx, jobID, lifecycle.JobStatusAccepted, lifecycle.JobStatusCancelled, lifecycle.EventCancel, &owner.ID).
		Return(&models.Job{ID: jobID, Status: lifecycle.JobStatusCancelled}, nil)
	escrow.On("RefundForCancel", ctx, jobID, &owner.ID).
		Return(nil, apperror.New(apperror.ErrCodeProviderRetryable, "провайдер временно недоступен"))

	job, err := svc.Cancel(ctx, jobID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.JobStatusCancelled, job.Status)
}

func TestJobService_ListBids_ContractorSeesOnlyOwn(t *testing.T) {
	jobs := new(mockJobStore)
	bids := new(mockBidStore)
	svc := newJobServiceForTest(jobs, bids, new(mockEscrowCoordinator))
	ctx := context.Background()
	viewer := contractor()
	jobID := uuid.New()

	jobs.On("GetByID", ctx, jobID).Return(&models.Job{ID: jobID, HomeownerID: uuid.New(), Status: lifecycle.JobStatusBidding}, nil)
	bids.On("ListByJob", ctx, jobID).Return([]models.Bid{
		{ID: uuid.New(), ContractorID: viewer.ID},
		{ID: uuid.New(), ContractorID: uuid.New()},
	}, nil)

	visible, err := svc.ListBids(ctx, jobID, viewer)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, viewer.ID, visible[0].ContractorID)
}

func TestJobService_History_PartiesOnly(t *testing.T) {
	jobs := new(mockJobStore)
	svc := newJobServiceForTest(jobs, new(mockBidStore), new(mockEscrowCoordinator))
	ctx := context.Background()
	jobID := uuid.New()

	jobs.On("GetByID", ctx, jobID).Return(&models.Job{ID: jobID, HomeownerID: uuid.New(), Status: lifecycle.JobStatusCompleted}, nil)

	_, err := svc.History(ctx, jobID, &models.User{ID: uuid.New(), Role: models.RoleContractor})
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.ErrCodeForbidden))
}
