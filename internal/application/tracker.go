package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"fraudledger/internal/domain"

	"github.com/cenkalti/backoff/v4"
)

type TrackerObserver interface {
	OnRecordConfirmed(record domain.LedgerRecord)
	OnRecordFailed(record domain.LedgerRecord)
	OnSweep(stats SweepStats)
}

type TrackerConfig struct {
	SweepInterval time.Duration
	// MaxAttempts bounds total submissions per record, the first one included.
	MaxAttempts int
	// BaseDelay is the first resubmission delay, doubled per attempt. It
	// defaults to the ledger's expected block time.
	BaseDelay      time.Duration
	SweepBatchSize int
}

type SweepStats struct {
	Checked     int
	Confirmed   int
	Resubmitted int
	Failed      int
	Errors      int
}

// ConfirmationTracker promotes pending ledger records through their
// lifecycle. It runs as a periodic background sweep, decoupled from request
// handling: records with a hash are polled for confirmation, records still
// awaiting a first accepted submission are resubmitted with exponential
// backoff until the attempt budget runs out.
type ConfirmationTracker struct {
	store    RecordStore
	ledger   LedgerClient
	observer TrackerObserver
	cfg      TrackerConfig
}

func NewConfirmationTracker(store RecordStore, ledger LedgerClient, observer TrackerObserver, cfg TrackerConfig) (*ConfirmationTracker, error) {
	if store == nil || ledger == nil {
		return nil, errors.New("tracker dependencies must not be nil")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 20 * time.Second
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 200
	}
	return &ConfirmationTracker{store: store, ledger: ledger, observer: observer, cfg: cfg}, nil
}

func (t *ConfirmationTracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats, err := t.Sweep(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				slog.Error("confirmation sweep error", "err", err)
				continue
			}
			if t.observer != nil {
				t.observer.OnSweep(stats)
			}
		}
	}
}

// Sweep walks all non-terminal records once. Transient faults on individual
// records are counted and skipped; the record stays pending for the next
// sweep.
func (t *ConfirmationTracker) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	records, err := t.store.ListLedgerRecordsByStatus(ctx, domain.StatusPending, t.cfg.SweepBatchSize)
	if err != nil {
		return stats, err
	}

	now := time.Now().UTC()
	for _, record := range records {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}
		stats.Checked++

		if record.TxHash != "" {
			t.checkConfirmation(ctx, record, &stats)
			continue
		}
		if record.NextRetryAt.After(now) {
			continue
		}
		t.resubmit(ctx, record, &stats)
	}
	return stats, nil
}

func (t *ConfirmationTracker) checkConfirmation(ctx context.Context, record domain.LedgerRecord, stats *SweepStats) {
	status, err := t.ledger.QueryStatus(ctx, record.TxHash)
	if err != nil {
		stats.Errors++
		slog.Warn("confirmation query failed", "record_id", record.ID, "ledger_tx", record.TxHash, "err", err)
		return
	}
	if !status.Confirmed {
		return
	}

	updated, err := t.store.MarkLedgerRecordConfirmed(ctx, record.ID, status.BlockHeight)
	if err != nil {
		stats.Errors++
		slog.Error("confirm update failed", "record_id", record.ID, "err", err)
		return
	}
	if !updated {
		// Already terminal; a concurrent sweep got there first.
		return
	}
	stats.Confirmed++
	record.Status = domain.StatusConfirmed
	record.BlockHeight = status.BlockHeight
	if t.observer != nil {
		t.observer.OnRecordConfirmed(record)
	}
	slog.Info("ledger record confirmed",
		"tx_id", record.TransactionID,
		"ledger_tx", record.TxHash,
		"block_height", status.BlockHeight,
	)
}

func (t *ConfirmationTracker) resubmit(ctx context.Context, record domain.LedgerRecord, stats *SweepStats) {
	if record.SubmitCount >= t.cfg.MaxAttempts {
		t.fail(ctx, record, "retry_budget_exhausted", stats)
		return
	}

	result, err := t.ledger.Submit(ctx, record.Metadata)
	if err != nil {
		attempt := record.SubmitCount + 1
		if !RetriableSubmitError(err) {
			t.fail(ctx, record, FailureReason(err), stats)
			return
		}
		if attempt >= t.cfg.MaxAttempts {
			t.fail(ctx, record, "retry_budget_exhausted", stats)
			return
		}
		next := time.Now().UTC().Add(t.retryDelay(attempt))
		if storeErr := t.store.ScheduleLedgerRetry(ctx, record.ID, attempt, next); storeErr != nil {
			stats.Errors++
			slog.Error("retry schedule failed", "record_id", record.ID, "err", storeErr)
			return
		}
		slog.Warn("ledger resubmit deferred",
			"record_id", record.ID,
			"attempt", attempt,
			"next_retry", next,
			"err", err,
		)
		return
	}

	if err := t.store.SetLedgerRecordSubmitted(ctx, record.ID, result.TxHash, result.TokenID, record.SubmitCount+1); err != nil {
		stats.Errors++
		slog.Error("submission update failed", "record_id", record.ID, "err", err)
		return
	}
	if alert, ok, err := t.store.GetAlertByTransaction(ctx, record.TransactionID); err == nil && ok {
		if err := t.store.LinkAlertLedger(ctx, alert.ID, result.TxHash, result.TokenID); err != nil {
			slog.Warn("alert link failed", "alert_id", alert.ID, "err", err)
		}
	}
	stats.Resubmitted++
	slog.Info("ledger record submitted", "record_id", record.ID, "ledger_tx", result.TxHash, "attempt", record.SubmitCount+1)
}

func (t *ConfirmationTracker) fail(ctx context.Context, record domain.LedgerRecord, reason string, stats *SweepStats) {
	updated, err := t.store.MarkLedgerRecordFailed(ctx, record.ID, reason)
	if err != nil {
		stats.Errors++
		slog.Error("failure update failed", "record_id", record.ID, "err", err)
		return
	}
	if !updated {
		return
	}
	stats.Failed++
	record.Status = domain.StatusFailed
	record.FailureReason = reason
	if t.observer != nil {
		t.observer.OnRecordFailed(record)
	}
	slog.Warn("ledger record failed", "tx_id", record.TransactionID, "record_id", record.ID, "reason", reason)
}

// retryDelay computes the delay after the given attempt number: BaseDelay
// doubled per attempt, no jitter, so the schedule is reproducible in tests.
func (t *ConfirmationTracker) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 30 * time.Minute
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
