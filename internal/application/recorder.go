package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fraudledger/internal/domain"
	"fraudledger/internal/metadata"

	"github.com/google/uuid"
)

type RecorderObserver interface {
	OnAlertRecorded(alert domain.FraudAlert, record domain.LedgerRecord)
	OnNotEligible(txID string)
	OnSubmitFailed(txID string, reason string)
}

type RecorderConfig struct {
	ModelID        string
	Thresholds     domain.SeverityThresholds
	SubmitWorkers  int
	RetryBaseDelay time.Duration
}

// AlertRecorder is the orchestration core: it decides eligibility, persists
// the alert, and drives the first ledger submission. The insert-if-absent
// step runs before the submission so that two concurrent calls for the same
// transaction can never both reach the network.
type AlertRecorder struct {
	store    RecordStore
	ledger   LedgerClient
	codec    *metadata.Codec
	observer RecorderObserver
	cfg      RecorderConfig
}

func NewAlertRecorder(store RecordStore, ledger LedgerClient, codec *metadata.Codec, observer RecorderObserver, cfg RecorderConfig) (*AlertRecorder, error) {
	if store == nil || ledger == nil || codec == nil {
		return nil, errors.New("recorder dependencies must not be nil")
	}
	if cfg.Thresholds.Medium <= 0 {
		cfg.Thresholds.Medium = 0.5
	}
	if cfg.Thresholds.High <= 0 {
		cfg.Thresholds.High = 0.8
	}
	if cfg.SubmitWorkers <= 0 {
		cfg.SubmitWorkers = 4
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 20 * time.Second
	}
	return &AlertRecorder{store: store, ledger: ledger, codec: codec, observer: observer, cfg: cfg}, nil
}

type RecordOptions struct {
	// ManualFlag forces recording for a transaction the model did not flag.
	ManualFlag bool
}

// RecordAlert records a fraud alert for one scored transaction and submits
// its metadata to the ledger. A second call for the same transaction returns
// the existing non-failed record without resubmitting; a failed record may be
// superseded by a fresh attempt. On transient ledger faults the returned
// record is pending without a hash and the confirmation tracker owns the
// retries.
func (r *AlertRecorder) RecordAlert(ctx context.Context, tx domain.Transaction, pred domain.Prediction, opts RecordOptions) (domain.LedgerRecord, error) {
	if tx.ID == "" {
		return domain.LedgerRecord{}, errors.New("transaction id is required")
	}
	if !pred.IsFraud && !opts.ManualFlag {
		if r.observer != nil {
			r.observer.OnNotEligible(tx.ID)
		}
		return domain.LedgerRecord{}, fmt.Errorf("%w: transaction %s", ErrNotEligible, tx.ID)
	}

	tx.IsFraud = true
	tx.FraudScore = pred.FraudScore
	if err := r.store.StoreTransaction(ctx, tx); err != nil {
		return domain.LedgerRecord{}, fmt.Errorf("store transaction: %w", err)
	}

	modelID := pred.ModelID
	if modelID == "" {
		modelID = r.cfg.ModelID
	}
	now := time.Now().UTC()
	alert, _, err := r.store.CreateAlertIfAbsent(ctx, domain.FraudAlert{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		Type:          domain.AlertTypeFraud,
		Severity:      r.cfg.Thresholds.Classify(pred.FraudScore),
		Confidence:    pred.Confidence,
		ModelID:       modelID,
		Features:      pred.Features,
		Status:        domain.AlertStatusActive,
		CreatedAt:     now,
	})
	if err != nil {
		return domain.LedgerRecord{}, fmt.Errorf("create alert: %w", err)
	}

	encoded, err := r.codec.Encode(tx, alert)
	if err != nil {
		return domain.LedgerRecord{}, fmt.Errorf("encode metadata: %w", err)
	}

	record, created, err := r.store.CreateLedgerRecordIfAbsent(ctx, domain.LedgerRecord{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		Metadata:      encoded,
		Status:        domain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return domain.LedgerRecord{}, fmt.Errorf("create ledger record: %w", err)
	}
	if !created {
		slog.Debug("submission already tracked", "tx_id", tx.ID, "record_id", record.ID, "status", record.Status)
		return record, nil
	}

	return r.submit(ctx, alert, record)
}

func (r *AlertRecorder) submit(ctx context.Context, alert domain.FraudAlert, record domain.LedgerRecord) (domain.LedgerRecord, error) {
	result, err := r.ledger.Submit(ctx, record.Metadata)
	if err != nil {
		if RetriableSubmitError(err) {
			next := time.Now().UTC().Add(r.cfg.RetryBaseDelay)
			if storeErr := r.store.ScheduleLedgerRetry(ctx, record.ID, 1, next); storeErr != nil {
				return record, fmt.Errorf("schedule retry: %w", storeErr)
			}
			slog.Warn("ledger submit deferred", "tx_id", record.TransactionID, "record_id", record.ID, "err", err)
			record.SubmitCount = 1
			record.NextRetryAt = next
			return record, nil
		}

		reason := FailureReason(err)
		if _, storeErr := r.store.MarkLedgerRecordFailed(ctx, record.ID, reason); storeErr != nil {
			return record, fmt.Errorf("mark failed: %w", storeErr)
		}
		if r.observer != nil {
			r.observer.OnSubmitFailed(record.TransactionID, reason)
		}
		record.Status = domain.StatusFailed
		record.FailureReason = reason
		return record, fmt.Errorf("ledger submit %s: %w", reason, err)
	}

	if err := r.store.SetLedgerRecordSubmitted(ctx, record.ID, result.TxHash, result.TokenID, 1); err != nil {
		return record, fmt.Errorf("persist submission: %w", err)
	}
	if err := r.store.LinkAlertLedger(ctx, alert.ID, result.TxHash, result.TokenID); err != nil {
		return record, fmt.Errorf("link alert: %w", err)
	}
	record.TxHash = result.TxHash
	record.TokenID = result.TokenID
	record.SubmitCount = 1
	if r.observer != nil {
		r.observer.OnAlertRecorded(alert, record)
	}
	slog.Info("fraud alert recorded",
		"tx_id", record.TransactionID,
		"record_id", record.ID,
		"ledger_tx", result.TxHash,
		"severity", alert.Severity,
	)
	return record, nil
}

type BatchItem struct {
	Transaction domain.Transaction
	Prediction  domain.Prediction
}

type BatchResult struct {
	TransactionID string
	Record        domain.LedgerRecord
	Err           error
}

// RecordBatch processes items independently on a bounded worker pool. One
// item failing never aborts or corrupts its siblings; results keep the input
// order.
func (r *AlertRecorder) RecordBatch(ctx context.Context, items []BatchItem) []BatchResult {
	results := make([]BatchResult, len(items))
	sem := make(chan struct{}, r.cfg.SubmitWorkers)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(i int, item BatchItem) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			record, err := r.RecordAlert(ctx, item.Transaction, item.Prediction, RecordOptions{})
			results[i] = BatchResult{
				TransactionID: item.Transaction.ID,
				Record:        record,
				Err:           err,
			}
		}(i, item)
	}
	wg.Wait()
	return results
}
