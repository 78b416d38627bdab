package application

import "errors"

// Error taxonomy for the recording pipeline. Retriability drives how callers
// and the confirmation tracker react, so each class gets its own sentinel.
var (
	// ErrNotEligible is the expected outcome for transactions the model did
	// not flag. It is caller-facing and never retried.
	ErrNotEligible = errors.New("transaction not eligible for ledger recording")

	// ErrLedgerUnavailable marks transient network faults. Submissions are
	// parked and retried by the confirmation tracker with bounded backoff.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrLedgerRejected marks a terminal payload rejection by the network.
	ErrLedgerRejected = errors.New("ledger rejected submission")

	// ErrInsufficientFunds means the submitting wallet cannot cover the fee.
	// Operator intervention is required; no automatic retry.
	ErrInsufficientFunds = errors.New("insufficient funds for ledger submission")

	// ErrWalletError covers other signing-identity failures.
	ErrWalletError = errors.New("wallet error")

	// ErrScoringUnavailable marks a scoring oracle failure. It is caught by
	// the scoring service, which degrades to a conservative default.
	ErrScoringUnavailable = errors.New("scoring oracle unavailable")
)

// RetriableSubmitError reports whether a submission failure may be retried by
// the tracker. Everything outside the taxonomy is treated as transient, which
// keeps unknown I/O faults away from the terminal failed state.
func RetriableSubmitError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLedgerRejected) || errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrWalletError) {
		return false
	}
	return true
}

// FailureReason maps a non-retriable submission error to the reason code
// stored on the record, so operators can tell funding problems from payload
// problems.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrLedgerRejected):
		return "ledger_rejected"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrWalletError):
		return "wallet_error"
	case err == nil:
		return ""
	default:
		return "submission_error"
	}
}
