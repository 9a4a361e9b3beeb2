// Package lifecycle содержит машину состояний заявки и escrow-транзакции.
// Все переходы — пользовательские, вебхуки провайдера и фоновая сверка —
// проходят через единые таблицы переходов этого пакета: переход, которого нет
// в таблице, невозможен ни по одному пути кода.
package lifecycle

import (
	"fmt"
	"sort"
	"strings"
)

// JobStatus — статус заявки.
type JobStatus string

const (
	JobStatusDraft      JobStatus = "draft"
	JobStatusPosted     JobStatus = "posted"
	JobStatusBidding    JobStatus = "bidding"
	JobStatusAccepted   JobStatus = "accepted"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusReleased   JobStatus = "released"
	JobStatusDisputed   JobStatus = "disputed"
	JobStatusResolved   JobStatus = "resolved"
	JobStatusCancelled  JobStatus = "cancelled"
)

// EscrowStatus — статус escrow-транзакции.
type EscrowStatus string

const (
	EscrowStatusPending   EscrowStatus = "pending"
	EscrowStatusHeld      EscrowStatus = "held"
	EscrowStatusReleasing EscrowStatus = "releasing"
	EscrowStatusRefunding EscrowStatus = "refunding"
	EscrowStatusReleased  EscrowStatus = "released"
	EscrowStatusRefunded  EscrowStatus = "refunded"
	EscrowStatusFailed    EscrowStatus = "failed"
)

// BidStatus — статус отклика подрядчика.
type BidStatus string

const (
	BidStatusPending   BidStatus = "pending"
	BidStatusAccepted  BidStatus = "accepted"
	BidStatusRejected  BidStatus = "rejected"
	BidStatusWithdrawn BidStatus = "withdrawn"
)

// Event — событие, инициирующее переход заявки.
type Event string

const (
	EventPublish        Event = "publish"
	EventBidPlaced      Event = "bid_placed"
	EventBidAccepted    Event = "bid_accepted"
	EventFundsConfirmed Event = "funds_confirmed"
	EventComplete       Event = "complete"
	EventRelease        Event = "release"
	EventDispute        Event = "dispute"
	EventResolve        Event = "resolve"
	EventCancel         Event = "cancel"
)

// jobTransitions — единственная таблица допустимых переходов заявки.
var jobTransitions = map[JobStatus]map[Event]JobStatus{
	JobStatusDraft: {
		EventPublish: JobStatusPosted,
		EventCancel:  JobStatusCancelled,
	},
	JobStatusPosted: {
		EventBidPlaced: JobStatusBidding,
		EventCancel:    JobStatusCancelled,
	},
	JobStatusBidding: {
		EventBidPlaced:   JobStatusBidding,
		EventBidAccepted: JobStatusAccepted,
		EventCancel:      JobStatusCancelled,
	},
	JobStatusAccepted: {
		EventFundsConfirmed: JobStatusInProgress,
		EventCancel:         JobStatusCancelled,
	},
	JobStatusInProgress: {
		EventComplete: JobStatusCompleted,
		EventDispute:  JobStatusDisputed,
	},
	JobStatusCompleted: {
		EventRelease: JobStatusReleased,
		EventDispute: JobStatusDisputed,
	},
	JobStatusDisputed: {
		EventResolve: JobStatusResolved,
	},
	// Терминальные статусы: переходов нет.
	JobStatusReleased:  {},
	JobStatusResolved:  {},
	JobStatusCancelled: {},
}

// escrowTransitions — допустимые переходы escrow-транзакции.
// Переходы held → releasing/refunding и фиксация терминального статуса
// выполняются репозиторием одним условным UPDATE (см. EscrowRepository);
// таблица задаёт контракт, который эти UPDATE обязаны соблюдать.
var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowStatusPending:   {EscrowStatusHeld, EscrowStatusRefunding, EscrowStatusFailed},
	EscrowStatusHeld:      {EscrowStatusReleasing, EscrowStatusRefunding},
	EscrowStatusReleasing: {EscrowStatusReleased, EscrowStatusFailed},
	EscrowStatusRefunding: {EscrowStatusRefunded, EscrowStatusFailed},
	EscrowStatusReleased:  {},
	EscrowStatusRefunded:  {},
	EscrowStatusFailed:    {},
}

// InvalidTransitionError возвращается при попытке недопустимого перехода.
// Содержит текущий статус, событие и список допустимых событий, чтобы
// вызывающая сторона могла перечитать состояние и показать корректный UI.
type InvalidTransitionError struct {
	From    JobStatus
	Event   Event
	Allowed []Event
}

func (e *InvalidTransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, ev := range e.Allowed {
		allowed[i] = string(ev)
	}
	return fmt.Sprintf("invalid transition: event %q is not allowed from status %q (allowed: %s)",
		e.Event, e.From, strings.Join(allowed, ", "))
}

// Next возвращает целевой статус заявки для события или InvalidTransitionError.
func Next(from JobStatus, event Event) (JobStatus, error) {
	allowed, ok := jobTransitions[from]
	if !ok {
		return "", &InvalidTransitionError{From: from, Event: event}
	}
	to, ok := allowed[event]
	if !ok {
		return "", &InvalidTransitionError{From: from, Event: event, Allowed: AllowedEvents(from)}
	}
	return to, nil
}

// AllowedEvents возвращает отсортированный список допустимых событий для статуса.
func AllowedEvents(from JobStatus) []Event {
	allowed := jobTransitions[from]
	events := make([]Event, 0, len(allowed))
	for ev := range allowed {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	return events
}

// IsTerminal сообщает, является ли статус заявки терминальным.
func (s JobStatus) IsTerminal() bool {
	return len(jobTransitions[s]) == 0 && s.IsValid()
}

// IsValid проверяет, что статус заявки известен машине состояний.
func (s JobStatus) IsValid() bool {
	_, ok := jobTransitions[s]
	return ok
}

// CanTransitionTo проверяет допустимость перехода escrow-транзакции.
func (s EscrowStatus) CanTransitionTo(to EscrowStatus) bool {
	for _, allowed := range escrowTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal сообщает, является ли статус escrow терминальным.
func (s EscrowStatus) IsTerminal() bool {
	allowed, ok := escrowTransitions[s]
	return ok && len(allowed) == 0
}

// IsValid проверяет, что статус escrow известен машине состояний.
func (s EscrowStatus) IsValid() bool {
	_, ok := escrowTransitions[s]
	return ok
}

// IsValid проверяет статус отклика.
func (s BidStatus) IsValid() bool {
	switch s {
	case BidStatusPending, BidStatusAccepted, BidStatusRejected, BidStatusWithdrawn:
		return true
	}
	return false
}
