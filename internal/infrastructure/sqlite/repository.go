package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fraudledger/internal/application"
	"fraudledger/internal/domain"

	_ "modernc.org/sqlite"
)

// Repository is the lightweight record store used for local development and
// tests. It honors the same insert-if-absent contract as the mysql store;
// sqlite's single-writer transactions provide the serialization.
type Repository struct {
	db *sql.DB
}

func NewRepository(dbPath string) (*Repository, error) {
	if dbPath == "" {
		return nil, errors.New("db path is required")
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Concurrent writers otherwise trip SQLITE_BUSY immediately.
	db.SetMaxOpenConns(1)
	if err := createSchema(db); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			amount REAL NOT NULL,
			currency TEXT NOT NULL,
			merchant_name TEXT NOT NULL DEFAULT '',
			merchant_category TEXT NOT NULL DEFAULT '',
			ts DATETIME NOT NULL,
			location_lat REAL NOT NULL DEFAULT 0,
			location_lng REAL NOT NULL DEFAULT 0,
			fraud_score REAL NOT NULL DEFAULT 0,
			is_fraud INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS fraud_alerts (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL UNIQUE,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			confidence REAL NOT NULL,
			model_id TEXT NOT NULL DEFAULT '',
			features TEXT NOT NULL,
			ledger_tx_hash TEXT,
			token_id TEXT,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_records (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			tx_hash TEXT UNIQUE,
			token_id TEXT,
			metadata BLOB NOT NULL,
			block_height INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			submit_count INTEGER NOT NULL DEFAULT 0,
			next_retry_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(transaction_id, attempt)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) StoreTransaction(ctx context.Context, tx domain.Transaction) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO transactions (id, amount, currency, merchant_name, merchant_category, ts, location_lat, location_lng, fraud_score, is_fraud)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET fraud_score = excluded.fraud_score, is_fraud = excluded.is_fraud`,
		tx.ID, tx.Amount, tx.Currency, tx.MerchantName, tx.MerchantCategory, tx.Timestamp.UTC(), tx.LocationLat, tx.LocationLng, tx.FraudScore, boolToInt(tx.IsFraud))
	return err
}

func (r *Repository) GetTransaction(ctx context.Context, id string) (domain.Transaction, bool, error) {
	var tx domain.Transaction
	var isFraud int
	err := r.db.QueryRowContext(ctx, `SELECT id, amount, currency, merchant_name, merchant_category, ts, location_lat, location_lng, fraud_score, is_fraud
		FROM transactions WHERE id = ?`, id).
		Scan(&tx.ID, &tx.Amount, &tx.Currency, &tx.MerchantName, &tx.MerchantCategory, &tx.Timestamp, &tx.LocationLat, &tx.LocationLng, &tx.FraudScore, &isFraud)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Transaction{}, false, nil
		}
		return domain.Transaction{}, false, err
	}
	tx.IsFraud = isFraud != 0
	return tx, true, nil
}

const alertSelect = `SELECT id, transaction_id, alert_type, severity, confidence, model_id, features, ledger_tx_hash, token_id, status, created_at FROM fraud_alerts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (domain.FraudAlert, bool, error) {
	var alert domain.FraudAlert
	var features string
	var ledgerTxHash, tokenID sql.NullString
	err := row.Scan(&alert.ID, &alert.TransactionID, &alert.Type, &alert.Severity, &alert.Confidence, &alert.ModelID, &features, &ledgerTxHash, &tokenID, &alert.Status, &alert.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.FraudAlert{}, false, nil
		}
		return domain.FraudAlert{}, false, err
	}
	if features != "" && features != "null" {
		if err := json.Unmarshal([]byte(features), &alert.Features); err != nil {
			return domain.FraudAlert{}, false, fmt.Errorf("decode alert features: %w", err)
		}
	}
	alert.LedgerTxHash = ledgerTxHash.String
	alert.TokenID = tokenID.String
	return alert, true, nil
}

func (r *Repository) CreateAlertIfAbsent(ctx context.Context, alert domain.FraudAlert) (domain.FraudAlert, bool, error) {
	features, err := json.Marshal(alert.Features)
	if err != nil {
		return domain.FraudAlert{}, false, err
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.FraudAlert{}, false, err
	}
	defer func() { _ = dbTx.Rollback() }()

	existing, found, err := scanAlert(dbTx.QueryRowContext(ctx, alertSelect+` WHERE transaction_id = ?`, alert.TransactionID))
	if err != nil {
		return domain.FraudAlert{}, false, err
	}
	if found {
		return existing, false, dbTx.Commit()
	}

	_, err = dbTx.ExecContext(ctx, `INSERT INTO fraud_alerts (id, transaction_id, alert_type, severity, confidence, model_id, features, ledger_tx_hash, token_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.TransactionID, alert.Type, alert.Severity, alert.Confidence, alert.ModelID, string(features), nullString(alert.LedgerTxHash), nullString(alert.TokenID), alert.Status, alert.CreatedAt.UTC())
	if err != nil {
		return domain.FraudAlert{}, false, err
	}
	return alert, true, dbTx.Commit()
}

func (r *Repository) GetAlertByTransaction(ctx context.Context, txID string) (domain.FraudAlert, bool, error) {
	return scanAlert(r.db.QueryRowContext(ctx, alertSelect+` WHERE transaction_id = ?`, txID))
}

func (r *Repository) LinkAlertLedger(ctx context.Context, alertID, txHash, tokenID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE fraud_alerts SET ledger_tx_hash = ?, token_id = ? WHERE id = ?`,
		nullString(txHash), nullString(tokenID), alertID)
	return err
}

func (r *Repository) ListAlerts(ctx context.Context, filter application.AlertQueryFilter) ([]domain.FraudAlert, error) {
	query := alertSelect + ` WHERE 1=1`
	args := []any{}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, filter.Severity)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, normalizeLimit(filter.Limit))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []domain.FraudAlert
	for rows.Next() {
		alert, _, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

const recordSelect = `SELECT id, transaction_id, attempt, tx_hash, token_id, metadata, block_height, status, failure_reason, submit_count, next_retry_at, created_at, updated_at FROM ledger_records`

func scanRecord(row rowScanner) (domain.LedgerRecord, bool, error) {
	var record domain.LedgerRecord
	var txHash, tokenID sql.NullString
	var nextRetry sql.NullTime
	err := row.Scan(&record.ID, &record.TransactionID, &record.Attempt, &txHash, &tokenID, &record.Metadata, &record.BlockHeight,
		&record.Status, &record.FailureReason, &record.SubmitCount, &nextRetry, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LedgerRecord{}, false, nil
		}
		return domain.LedgerRecord{}, false, err
	}
	record.TxHash = txHash.String
	record.TokenID = tokenID.String
	if nextRetry.Valid {
		record.NextRetryAt = nextRetry.Time
	}
	return record, true, nil
}

func (r *Repository) CreateLedgerRecordIfAbsent(ctx context.Context, record domain.LedgerRecord) (domain.LedgerRecord, bool, error) {
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.LedgerRecord{}, false, err
	}
	defer func() { _ = dbTx.Rollback() }()

	existing, found, err := scanRecord(dbTx.QueryRowContext(ctx, recordSelect+` WHERE transaction_id = ? AND status != ? ORDER BY attempt DESC LIMIT 1`,
		record.TransactionID, domain.StatusFailed))
	if err != nil {
		return domain.LedgerRecord{}, false, err
	}
	if found {
		return existing, false, dbTx.Commit()
	}

	var maxAttempt sql.NullInt64
	if err := dbTx.QueryRowContext(ctx, `SELECT MAX(attempt) FROM ledger_records WHERE transaction_id = ?`, record.TransactionID).Scan(&maxAttempt); err != nil {
		return domain.LedgerRecord{}, false, err
	}
	record.Attempt = int(maxAttempt.Int64) + 1
	record.Status = domain.StatusPending

	_, err = dbTx.ExecContext(ctx, `INSERT INTO ledger_records (id, transaction_id, attempt, tx_hash, token_id, metadata, block_height, status, failure_reason, submit_count, next_retry_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.TransactionID, record.Attempt, nullString(record.TxHash), nullString(record.TokenID), record.Metadata, record.BlockHeight,
		record.Status, record.FailureReason, record.SubmitCount, nullTime(record.NextRetryAt), record.CreatedAt.UTC(), record.UpdatedAt.UTC())
	if err != nil {
		return domain.LedgerRecord{}, false, err
	}
	return record, true, dbTx.Commit()
}

func (r *Repository) GetLedgerRecord(ctx context.Context, id string) (domain.LedgerRecord, bool, error) {
	return scanRecord(r.db.QueryRowContext(ctx, recordSelect+` WHERE id = ?`, id))
}

func (r *Repository) LatestLedgerRecord(ctx context.Context, txID string) (domain.LedgerRecord, bool, error) {
	return scanRecord(r.db.QueryRowContext(ctx, recordSelect+` WHERE transaction_id = ? ORDER BY attempt DESC LIMIT 1`, txID))
}

func (r *Repository) ListLedgerRecordsByStatus(ctx context.Context, status domain.ConfirmationStatus, limit int) ([]domain.LedgerRecord, error) {
	rows, err := r.db.QueryContext(ctx, recordSelect+` WHERE status = ? ORDER BY created_at ASC LIMIT ?`, status, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.LedgerRecord
	for rows.Next() {
		record, _, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (r *Repository) SetLedgerRecordSubmitted(ctx context.Context, id, txHash, tokenID string, submitCount int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE ledger_records SET tx_hash = ?, token_id = ?, submit_count = ?, next_retry_at = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		nullString(txHash), nullString(tokenID), submitCount, time.Now().UTC(), id, domain.StatusPending)
	return err
}

func (r *Repository) ScheduleLedgerRetry(ctx context.Context, id string, submitCount int, nextRetryAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE ledger_records SET submit_count = ?, next_retry_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		submitCount, nextRetryAt.UTC(), time.Now().UTC(), id, domain.StatusPending)
	return err
}

func (r *Repository) MarkLedgerRecordConfirmed(ctx context.Context, id string, blockHeight uint64) (bool, error) {
	result, err := r.db.ExecContext(ctx, `UPDATE ledger_records SET status = ?, block_height = ?, updated_at = ? WHERE id = ? AND status = ?`,
		domain.StatusConfirmed, blockHeight, time.Now().UTC(), id, domain.StatusPending)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *Repository) MarkLedgerRecordFailed(ctx context.Context, id, reason string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `UPDATE ledger_records SET status = ?, failure_reason = ?, updated_at = ? WHERE id = ? AND status = ?`,
		domain.StatusFailed, reason, time.Now().UTC(), id, domain.StatusPending)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value.UTC()
}
