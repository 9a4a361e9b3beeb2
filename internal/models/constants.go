package models

// Роли пользователей
const (
	RoleHomeowner  = "homeowner"
	RoleContractor = "contractor"
	RoleAdmin      = "admin"
)

// ValidRoles список валидных ролей
var ValidRoles = map[string]struct{}{
	RoleHomeowner:  {},
	RoleContractor: {},
	RoleAdmin:      {},
}

// Исходы спора
const (
	DisputeOutcomeRelease = "release"
	DisputeOutcomeRefund  = "refund"
	DisputeOutcomeSplit   = "split"
)

// ValidDisputeOutcomes список валидных исходов спора
var ValidDisputeOutcomes = map[string]struct{}{
	DisputeOutcomeRelease: {},
	DisputeOutcomeRefund:  {},
	DisputeOutcomeSplit:   {},
}

// Сущности, фигурирующие в журнале аудита
const (
	AuditEntityJob    = "job"
	AuditEntityEscrow = "escrow"
)
