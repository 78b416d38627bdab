package application

import (
	"context"
	"time"

	"fraudledger/internal/domain"
)

// RecordStore is the persistence capability injected into the pipeline.
// Implementations must make CreateLedgerRecordIfAbsent an atomic
// check-and-insert: when a non-failed record already exists for the
// transaction it is returned with created=false and nothing is written. That
// contract, not an ad-hoc uniqueness violation, is what carries the
// exactly-once guarantee under concurrent submissions.
type RecordStore interface {
	StoreTransaction(ctx context.Context, tx domain.Transaction) error
	GetTransaction(ctx context.Context, id string) (domain.Transaction, bool, error)

	CreateAlertIfAbsent(ctx context.Context, alert domain.FraudAlert) (domain.FraudAlert, bool, error)
	GetAlertByTransaction(ctx context.Context, txID string) (domain.FraudAlert, bool, error)
	LinkAlertLedger(ctx context.Context, alertID, txHash, tokenID string) error

	CreateLedgerRecordIfAbsent(ctx context.Context, record domain.LedgerRecord) (domain.LedgerRecord, bool, error)
	GetLedgerRecord(ctx context.Context, id string) (domain.LedgerRecord, bool, error)
	LatestLedgerRecord(ctx context.Context, txID string) (domain.LedgerRecord, bool, error)
	ListLedgerRecordsByStatus(ctx context.Context, status domain.ConfirmationStatus, limit int) ([]domain.LedgerRecord, error)
	SetLedgerRecordSubmitted(ctx context.Context, id, txHash, tokenID string, submitCount int) error
	ScheduleLedgerRetry(ctx context.Context, id string, submitCount int, nextRetryAt time.Time) error
	MarkLedgerRecordConfirmed(ctx context.Context, id string, blockHeight uint64) (bool, error)
	MarkLedgerRecordFailed(ctx context.Context, id, reason string) (bool, error)
}

// SubmitResult is the ledger's acknowledgment of an accepted submission.
type SubmitResult struct {
	TxHash      string
	TokenID     string
	SubmittedAt time.Time
}

// LedgerStatus is the confirmation state reported by the network. A hash the
// network has not seen yet reports Confirmed=false, which callers treat as
// still pending.
type LedgerStatus struct {
	Confirmed   bool
	BlockHeight uint64
}

// LedgerClient is the external ledger boundary. Implementations hold no
// durable state and must be safe for concurrent use; submission errors follow
// the taxonomy in errors.go.
type LedgerClient interface {
	Submit(ctx context.Context, metadata []byte) (SubmitResult, error)
	QueryStatus(ctx context.Context, txHash string) (LedgerStatus, error)
	QueryByReference(ctx context.Context, reference string) (string, bool, error)
}
