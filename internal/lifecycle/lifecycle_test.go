package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext_HappyPath(t *testing.T) {
	path := []struct {
		from  JobStatus
		event Event
		to    JobStatus
	}{
		{JobStatusDraft, EventPublish, JobStatusPosted},
		{JobStatusPosted, EventBidPlaced, JobStatusBidding},
		{JobStatusBidding, EventBidAccepted, JobStatusAccepted},
		{JobStatusAccepted, EventFundsConfirmed, JobStatusInProgress},
		{JobStatusInProgress, EventComplete, JobStatusCompleted},
		{JobStatusCompleted, EventRelease, JobStatusReleased},
	}

	for _, step := range path {
		to, err := Next(step.from, step.event)
		require.NoError(t, err, "переход %s + %s", step.from, step.event)
		assert.Equal(t, step.to, to)
	}
}

func TestNext_RepeatedBidsKeepBidding(t *testing.T) {
	to, err := Next(JobStatusBidding, EventBidPlaced)
	require.NoError(t, err)
	assert.Equal(t, JobStatusBidding, to)
}

func TestNext_DisputePaths(t *testing.T) {
	to, err := Next(JobStatusInProgress, EventDispute)
	require.NoError(t, err)
	assert.Equal(t, JobStatusDisputed, to)

	to, err = Next(JobStatusCompleted, EventDispute)
	require.NoError(t, err)
	assert.Equal(t, JobStatusDisputed, to)

	to, err = Next(JobStatusDisputed, EventResolve)
	require.NoError(t, err)
	assert.Equal(t, JobStatusResolved, to)
}

func TestNext_CancelOnlyBeforeWork(t *testing.T) {
	for _, from := range []JobStatus{JobStatusDraft, JobStatusPosted, JobStatusBidding, JobStatusAccepted} {
		to, err := Next(from, EventCancel)
		require.NoError(t, err, "отмена из %s", from)
		assert.Equal(t, JobStatusCancelled, to)
	}

	for _, from := range []JobStatus{JobStatusInProgress, JobStatusCompleted, JobStatusDisputed} {
		_, err := Next(from, EventCancel)
		assert.Error(t, err, "отмена из %s должна быть запрещена", from)
	}
}

func TestNext_InvalidTransitionError(t *testing.T) {
	_, err := Next(JobStatusDraft, EventRelease)
	require.Error(t, err)

	var invalid *InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, JobStatusDraft, invalid.From)
	assert.Equal(t, EventRelease, invalid.Event)
	assert.Equal(t, []Event{EventCancel, EventPublish}, invalid.Allowed)
	assert.Contains(t, invalid.Error(), "release")
}

func TestNext_TerminalStatusesHaveNoTransitions(t *testing.T) {
	for _, from := range []JobStatus{JobStatusReleased, JobStatusResolved, JobStatusCancelled} {
		require.True(t, from.IsTerminal())
		for _, event := range []Event{EventPublish, EventBidPlaced, EventComplete, EventRelease, EventDispute, EventResolve, EventCancel} {
			_, err := Next(from, event)
			assert.Error(t, err, "%s + %s", from, event)
		}
	}
}

func TestNext_UnknownStatus(t *testing.T) {
	_, err := Next(JobStatus("unknown"), EventPublish)
	assert.Error(t, err)
	assert.False(t, JobStatus("unknown").IsValid())
}

func TestEscrowTransitions(t *testing.T) {
	assert.True(t, EscrowStatusPending.CanTransitionTo(EscrowStatusHeld))
	assert.True(t, EscrowStatusPending.CanTransitionTo(EscrowStatusFailed))
	assert.True(t, EscrowStatusPending.CanTransitionTo(EscrowStatusRefunding))
	assert.True(t, EscrowStatusHeld.CanTransitionTo(EscrowStatusReleasing))
	assert.True(t, EscrowStatusHeld.CanTransitionTo(EscrowStatusRefunding))
	assert.True(t, EscrowStatusReleasing.CanTransitionTo(EscrowStatusReleased))
	assert.True(t, EscrowStatusRefunding.CanTransitionTo(EscrowStatusRefunded))

	// Перескок через переходный статус запрещён.
	assert.False(t, EscrowStatusHeld.CanTransitionTo(EscrowStatusReleased))
	assert.False(t, EscrowStatusHeld.CanTransitionTo(EscrowStatusRefunded))
	assert.False(t, EscrowStatusPending.CanTransitionTo(EscrowStatusReleasing))

	// Из терминального статуса выхода нет.
	for _, terminal := range []EscrowStatus{EscrowStatusReleased, EscrowStatusRefunded, EscrowStatusFailed} {
		require.True(t, terminal.IsTerminal())
		assert.False(t, terminal.CanTransitionTo(EscrowStatusHeld))
	}
}
