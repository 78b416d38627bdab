package application

import "fraudledger/internal/domain"

type AlertQueryFilter struct {
	Severity domain.Severity
	Status   domain.AlertStatus
	Limit    int
}

type RecordQueryFilter struct {
	Status domain.ConfirmationStatus
	Limit  int
}

type HistoryQueryFilter struct {
	OnlyFraud bool
	Limit     int
}
