package storage

import (
	"context"
	"errors"
	"time"

	"fraudledger/internal/application"
	"fraudledger/internal/domain"
	"fraudledger/internal/infrastructure/clickhouse"
	"fraudledger/internal/infrastructure/mysql"
)

// Repository fronts both stores: relational rows for alerts and ledger
// records, clickhouse for the scored-transaction history.
type Repository struct {
	records *mysql.CachedRepository
	history *clickhouse.ScoreRepository
}

func NewRepository(records *mysql.CachedRepository, history *clickhouse.ScoreRepository) (*Repository, error) {
	if records == nil {
		return nil, errors.New("record repository is required")
	}
	if history == nil {
		return nil, errors.New("clickhouse score repository is required")
	}
	return &Repository{records: records, history: history}, nil
}

func (r *Repository) StoreScoredTransactions(ctx context.Context, transactions []domain.Transaction) error {
	return r.history.StoreScoredTransactions(ctx, transactions)
}

func (r *Repository) ListRecent(ctx context.Context, filter application.HistoryQueryFilter) ([]domain.Transaction, error) {
	return r.history.ListRecent(ctx, filter)
}

func (r *Repository) StoreTransaction(ctx context.Context, tx domain.Transaction) error {
	return r.records.StoreTransaction(ctx, tx)
}

func (r *Repository) GetTransaction(ctx context.Context, id string) (domain.Transaction, bool, error) {
	return r.records.GetTransaction(ctx, id)
}

func (r *Repository) CreateAlertIfAbsent(ctx context.Context, alert domain.FraudAlert) (domain.FraudAlert, bool, error) {
	return r.records.CreateAlertIfAbsent(ctx, alert)
}

func (r *Repository) GetAlertByTransaction(ctx context.Context, txID string) (domain.FraudAlert, bool, error) {
	return r.records.GetAlertByTransaction(ctx, txID)
}

func (r *Repository) LinkAlertLedger(ctx context.Context, alertID, txHash, tokenID string) error {
	return r.records.LinkAlertLedger(ctx, alertID, txHash, tokenID)
}

func (r *Repository) ListAlerts(ctx context.Context, filter application.AlertQueryFilter) ([]domain.FraudAlert, error) {
	return r.records.ListAlerts(ctx, filter)
}

func (r *Repository) CreateLedgerRecordIfAbsent(ctx context.Context, record domain.LedgerRecord) (domain.LedgerRecord, bool, error) {
	return r.records.CreateLedgerRecordIfAbsent(ctx, record)
}

func (r *Repository) GetLedgerRecord(ctx context.Context, id string) (domain.LedgerRecord, bool, error) {
	return r.records.GetLedgerRecord(ctx, id)
}

func (r *Repository) LatestLedgerRecord(ctx context.Context, txID string) (domain.LedgerRecord, bool, error) {
	return r.records.LatestLedgerRecord(ctx, txID)
}

func (r *Repository) ListLedgerRecordsByStatus(ctx context.Context, status domain.ConfirmationStatus, limit int) ([]domain.LedgerRecord, error) {
	return r.records.ListLedgerRecordsByStatus(ctx, status, limit)
}

func (r *Repository) SetLedgerRecordSubmitted(ctx context.Context, id, txHash, tokenID string, submitCount int) error {
	return r.records.SetLedgerRecordSubmitted(ctx, id, txHash, tokenID, submitCount)
}

func (r *Repository) ScheduleLedgerRetry(ctx context.Context, id string, submitCount int, nextRetryAt time.Time) error {
	return r.records.ScheduleLedgerRetry(ctx, id, submitCount, nextRetryAt)
}

func (r *Repository) MarkLedgerRecordConfirmed(ctx context.Context, id string, blockHeight uint64) (bool, error) {
	return r.records.MarkLedgerRecordConfirmed(ctx, id, blockHeight)
}

func (r *Repository) MarkLedgerRecordFailed(ctx context.Context, id, reason string) (bool, error) {
	return r.records.MarkLedgerRecordFailed(ctx, id, reason)
}

func (r *Repository) Ping(ctx context.Context) error {
	if err := r.records.Ping(ctx); err != nil {
		return err
	}
	return r.history.Ping(ctx)
}
