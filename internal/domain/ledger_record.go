package domain

import "time"

type ConfirmationStatus string

const (
	StatusPending   ConfirmationStatus = "pending"
	StatusConfirmed ConfirmationStatus = "confirmed"
	StatusFailed    ConfirmationStatus = "failed"
)

// Terminal reports whether no further status transition is allowed.
func (s ConfirmationStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// LedgerRecord tracks one submission attempt of alert metadata to the ledger.
// At most one non-failed record exists per transaction; a resubmission after
// failure gets a fresh record with the next attempt number. TxHash is empty
// until the ledger has accepted the submission, BlockHeight is zero until the
// submission is confirmed.
type LedgerRecord struct {
	ID            string
	TransactionID string
	Attempt       int
	TxHash        string
	TokenID       string
	Metadata      []byte
	BlockHeight   uint64
	Status        ConfirmationStatus
	FailureReason string
	SubmitCount   int
	NextRetryAt   time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
