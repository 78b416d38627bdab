package application

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"fraudledger/internal/domain"
	"fraudledger/internal/metadata"
)

type VerificationStatus string

const (
	VerificationVerified VerificationStatus = "verified"
	VerificationPending  VerificationStatus = "pending"
	VerificationMismatch VerificationStatus = "mismatch"
	VerificationNotFound VerificationStatus = "not_found"
)

// AuditTrail is the reconstructed, cross-checked view of one transaction's
// alert: the local rows, the payload decoded from the stored blob, and the
// verdict of checking that blob against re-derived fields and live ledger
// state.
type AuditTrail struct {
	TransactionID string
	Alert         *domain.FraudAlert
	Record        *domain.LedgerRecord
	Payload       *metadata.Payload
	Verification  VerificationStatus
	Detail        string
}

// AuditService only reads. It decodes the metadata blob that was actually
// submitted rather than re-deriving it from current state, so drift and
// tampering in stored data surface as mismatch instead of being papered over.
type AuditService struct {
	store  RecordStore
	ledger LedgerClient
	codec  *metadata.Codec
}

func NewAuditService(store RecordStore, ledger LedgerClient, codec *metadata.Codec) (*AuditService, error) {
	if store == nil || ledger == nil || codec == nil {
		return nil, errors.New("audit dependencies must not be nil")
	}
	return &AuditService{store: store, ledger: ledger, codec: codec}, nil
}

func (a *AuditService) GetAuditTrail(ctx context.Context, txID string) (AuditTrail, error) {
	trail := AuditTrail{TransactionID: txID}

	record, ok, err := a.store.LatestLedgerRecord(ctx, txID)
	if err != nil {
		return trail, fmt.Errorf("load ledger record: %w", err)
	}
	if !ok {
		trail.Verification = VerificationNotFound
		trail.Detail = "no ledger record for transaction"
		return trail, nil
	}
	trail.Record = &record

	if alert, ok, err := a.store.GetAlertByTransaction(ctx, txID); err != nil {
		return trail, fmt.Errorf("load alert: %w", err)
	} else if ok {
		trail.Alert = &alert
	}

	payload, err := a.codec.Decode(record.Metadata)
	if err != nil {
		trail.Verification = VerificationMismatch
		trail.Detail = fmt.Sprintf("stored metadata undecodable: %v", err)
		return trail, nil
	}
	trail.Payload = &payload

	if detail, ok := a.checkDrift(ctx, txID, payload); !ok {
		trail.Verification = VerificationMismatch
		trail.Detail = detail
		return trail, nil
	}

	a.checkLedger(ctx, record, &trail)
	return trail, nil
}

// VerifyTransaction answers just the integrity verdict.
func (a *AuditService) VerifyTransaction(ctx context.Context, txID string) (VerificationStatus, error) {
	trail, err := a.GetAuditTrail(ctx, txID)
	if err != nil {
		return "", err
	}
	return trail.Verification, nil
}

// checkDrift re-encodes the locally stored transaction and alert and compares
// the result with what was decoded from the stored blob. Any divergence means
// either the blob or the rows were altered after submission.
func (a *AuditService) checkDrift(ctx context.Context, txID string, decoded metadata.Payload) (string, bool) {
	tx, haveTx, err := a.store.GetTransaction(ctx, txID)
	if err != nil || !haveTx {
		// Without the source row there is nothing to re-derive against.
		return "", true
	}
	alert, haveAlert, err := a.store.GetAlertByTransaction(ctx, txID)
	if err != nil || !haveAlert {
		return "", true
	}

	expectedBytes, err := a.codec.Encode(tx, alert)
	if err != nil {
		return fmt.Sprintf("cannot re-derive metadata: %v", err), false
	}
	expected, err := a.codec.Decode(expectedBytes)
	if err != nil {
		return fmt.Sprintf("re-derived metadata undecodable: %v", err), false
	}
	if !reflect.DeepEqual(decoded, expected) {
		return "stored metadata diverges from local transaction and alert fields", false
	}
	return "", true
}

func (a *AuditService) checkLedger(ctx context.Context, record domain.LedgerRecord, trail *AuditTrail) {
	if record.Status == domain.StatusFailed {
		trail.Verification = VerificationPending
		trail.Detail = fmt.Sprintf("submission failed terminally (%s); no confirmation will arrive for this record", record.FailureReason)
		return
	}

	if record.TxHash == "" {
		trail.Verification = VerificationPending
		trail.Detail = "submission not yet accepted by ledger"
		if hash, found, err := a.ledger.QueryByReference(ctx, record.TransactionID); err == nil && found {
			trail.Detail = fmt.Sprintf("ledger transaction %s exists for reference but is not linked locally", hash)
		}
		return
	}

	status, err := a.ledger.QueryStatus(ctx, record.TxHash)
	if err != nil {
		// Transient; the trail is still consistent, just unverifiable now.
		trail.Verification = VerificationPending
		trail.Detail = fmt.Sprintf("ledger status unavailable: %v", err)
		return
	}

	switch {
	case status.Confirmed && record.Status == domain.StatusConfirmed:
		if record.BlockHeight != status.BlockHeight {
			trail.Verification = VerificationMismatch
			trail.Detail = fmt.Sprintf("block height drift: local %d, ledger %d", record.BlockHeight, status.BlockHeight)
			return
		}
		trail.Verification = VerificationVerified
	case !status.Confirmed && record.Status == domain.StatusConfirmed:
		trail.Verification = VerificationMismatch
		trail.Detail = "local record claims confirmation the ledger does not report"
	case status.Confirmed:
		trail.Verification = VerificationPending
		trail.Detail = "ledger confirmation not yet reconciled locally"
	default:
		trail.Verification = VerificationPending
		trail.Detail = "awaiting ledger confirmation"
	}
}
