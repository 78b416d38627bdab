package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fraudledger/internal/application"
	"fraudledger/internal/domain"

	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(dsn string) (*Repository, error) {
	if dsn == "" {
		return nil, errors.New("db dsn is required")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if err := createSchema(db); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id VARCHAR(64) NOT NULL,
			amount DOUBLE NOT NULL,
			currency VARCHAR(8) NOT NULL,
			merchant_name VARCHAR(255) NOT NULL DEFAULT '',
			merchant_category VARCHAR(64) NOT NULL DEFAULT '',
			ts DATETIME(6) NOT NULL,
			location_lat DOUBLE NOT NULL DEFAULT 0,
			location_lng DOUBLE NOT NULL DEFAULT 0,
			fraud_score DOUBLE NOT NULL DEFAULT 0,
			is_fraud TINYINT(1) NOT NULL DEFAULT 0,
			PRIMARY KEY (id)
		)`,
		`CREATE TABLE IF NOT EXISTS fraud_alerts (
			id VARCHAR(36) NOT NULL,
			transaction_id VARCHAR(64) NOT NULL,
			alert_type VARCHAR(32) NOT NULL,
			severity VARCHAR(16) NOT NULL,
			confidence DOUBLE NOT NULL,
			model_id VARCHAR(64) NOT NULL DEFAULT '',
			features MEDIUMTEXT NOT NULL,
			ledger_tx_hash VARCHAR(128) NULL,
			token_id VARCHAR(128) NULL,
			status VARCHAR(16) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			PRIMARY KEY (id),
			UNIQUE KEY alerts_tx_unique (transaction_id),
			KEY alerts_severity_idx (severity, status)
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_records (
			id VARCHAR(36) NOT NULL,
			transaction_id VARCHAR(64) NOT NULL,
			attempt INT NOT NULL,
			tx_hash VARCHAR(128) NULL,
			token_id VARCHAR(128) NULL,
			metadata MEDIUMBLOB NOT NULL,
			block_height BIGINT UNSIGNED NOT NULL DEFAULT 0,
			status VARCHAR(16) NOT NULL,
			failure_reason VARCHAR(64) NOT NULL DEFAULT '',
			submit_count INT NOT NULL DEFAULT 0,
			next_retry_at DATETIME(6) NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			PRIMARY KEY (id),
			UNIQUE KEY records_attempt_unique (transaction_id, attempt),
			UNIQUE KEY records_hash_unique (tx_hash),
			KEY records_status_idx (status, next_retry_at)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) StoreTransaction(ctx context.Context, tx domain.Transaction) error {
	ctx, span := startDBSpan(ctx, "mysql.StoreTransaction", attribute.String("tx.id", tx.ID))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `INSERT INTO transactions (id, amount, currency, merchant_name, merchant_category, ts, location_lat, location_lng, fraud_score, is_fraud)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			fraud_score = VALUES(fraud_score),
			is_fraud = VALUES(is_fraud)`,
		tx.ID, tx.Amount, tx.Currency, tx.MerchantName, tx.MerchantCategory, tx.Timestamp.UTC(), tx.LocationLat, tx.LocationLng, tx.FraudScore, boolToInt(tx.IsFraud))
	if err != nil {
		recordSpanError(span, err)
	}
	return err
}

func (r *Repository) GetTransaction(ctx context.Context, id string) (domain.Transaction, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

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

func (r *Repository) CreateAlertIfAbsent(ctx context.Context, alert domain.FraudAlert) (domain.FraudAlert, bool, error) {
	ctx, span := startDBSpan(ctx, "mysql.CreateAlertIfAbsent", attribute.String("tx.id", alert.TransactionID))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	features, err := json.Marshal(alert.Features)
	if err != nil {
		recordSpanError(span, err)
		return domain.FraudAlert{}, false, err
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		recordSpanError(span, err)
		return domain.FraudAlert{}, false, err
	}
	defer func() { _ = dbTx.Rollback() }()

	// The transactions row doubles as the per-transaction lock.
	var lock string
	if err := dbTx.QueryRowContext(ctx, `SELECT id FROM transactions WHERE id = ? FOR UPDATE`, alert.TransactionID).Scan(&lock); err != nil && !errors.Is(err, sql.ErrNoRows) {
		recordSpanError(span, err)
		return domain.FraudAlert{}, false, err
	}

	existing, found, err := scanAlert(dbTx.QueryRowContext(ctx, alertSelect+` WHERE transaction_id = ?`, alert.TransactionID))
	if err != nil {
		recordSpanError(span, err)
		return domain.FraudAlert{}, false, err
	}
	if found {
		if err := dbTx.Commit(); err != nil {
			recordSpanError(span, err)
			return domain.FraudAlert{}, false, err
		}
		return existing, false, nil
	}

	_, err = dbTx.ExecContext(ctx, `INSERT INTO fraud_alerts (id, transaction_id, alert_type, severity, confidence, model_id, features, ledger_tx_hash, token_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.TransactionID, alert.Type, alert.Severity, alert.Confidence, alert.ModelID, string(features), nullString(alert.LedgerTxHash), nullString(alert.TokenID), alert.Status, alert.CreatedAt.UTC())
	if err != nil {
		recordSpanError(span, err)
		return domain.FraudAlert{}, false, err
	}
	if err := dbTx.Commit(); err != nil {
		recordSpanError(span, err)
		return domain.FraudAlert{}, false, err
	}
	return alert, true, nil
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

func (r *Repository) GetAlertByTransaction(ctx context.Context, txID string) (domain.FraudAlert, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return scanAlert(r.db.QueryRowContext(ctx, alertSelect+` WHERE transaction_id = ?`, txID))
}

func (r *Repository) LinkAlertLedger(ctx context.Context, alertID, txHash, tokenID string) error {
	ctx, span := startDBSpan(ctx, "mysql.LinkAlertLedger", attribute.String("alert.id", alertID))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `UPDATE fraud_alerts SET ledger_tx_hash = ?, token_id = ? WHERE id = ?`,
		nullString(txHash), nullString(tokenID), alertID)
	if err != nil {
		recordSpanError(span, err)
	}
	return err
}

func (r *Repository) ListAlerts(ctx context.Context, filter application.AlertQueryFilter) ([]domain.FraudAlert, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

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

// CreateLedgerRecordIfAbsent performs the transactional check-and-insert
// behind the exactly-once guarantee. The row lock on the transactions row
// serializes concurrent submissions for the same transaction, so at most one
// caller observes created=true while a non-failed record exists.
func (r *Repository) CreateLedgerRecordIfAbsent(ctx context.Context, record domain.LedgerRecord) (domain.LedgerRecord, bool, error) {
	ctx, span := startDBSpan(ctx, "mysql.CreateLedgerRecordIfAbsent", attribute.String("tx.id", record.TransactionID))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		recordSpanError(span, err)
		return domain.LedgerRecord{}, false, err
	}
	defer func() { _ = dbTx.Rollback() }()

	var lock string
	if err := dbTx.QueryRowContext(ctx, `SELECT id FROM transactions WHERE id = ? FOR UPDATE`, record.TransactionID).Scan(&lock); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LedgerRecord{}, false, fmt.Errorf("transaction %s not stored", record.TransactionID)
		}
		recordSpanError(span, err)
		return domain.LedgerRecord{}, false, err
	}

	existing, found, err := scanRecord(dbTx.QueryRowContext(ctx, recordSelect+` WHERE transaction_id = ? AND status != ? ORDER BY attempt DESC LIMIT 1`,
		record.TransactionID, domain.StatusFailed))
	if err != nil {
		recordSpanError(span, err)
		return domain.LedgerRecord{}, false, err
	}
	if found {
		if err := dbTx.Commit(); err != nil {
			recordSpanError(span, err)
			return domain.LedgerRecord{}, false, err
		}
		return existing, false, nil
	}

	var maxAttempt sql.NullInt64
	if err := dbTx.QueryRowContext(ctx, `SELECT MAX(attempt) FROM ledger_records WHERE transaction_id = ?`, record.TransactionID).Scan(&maxAttempt); err != nil {
		recordSpanError(span, err)
		return domain.LedgerRecord{}, false, err
	}
	record.Attempt = int(maxAttempt.Int64) + 1
	record.Status = domain.StatusPending

	_, err = dbTx.ExecContext(ctx, `INSERT INTO ledger_records (id, transaction_id, attempt, tx_hash, token_id, metadata, block_height, status, failure_reason, submit_count, next_retry_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.TransactionID, record.Attempt, nullString(record.TxHash), nullString(record.TokenID), record.Metadata, record.BlockHeight,
		record.Status, record.FailureReason, record.SubmitCount, nullTime(record.NextRetryAt), record.CreatedAt.UTC(), record.UpdatedAt.UTC())
	if err != nil {
		recordSpanError(span, err)
		return domain.LedgerRecord{}, false, err
	}
	if err := dbTx.Commit(); err != nil {
		recordSpanError(span, err)
		return domain.LedgerRecord{}, false, err
	}
	return record, true, nil
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

func (r *Repository) GetLedgerRecord(ctx context.Context, id string) (domain.LedgerRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return scanRecord(r.db.QueryRowContext(ctx, recordSelect+` WHERE id = ?`, id))
}

func (r *Repository) LatestLedgerRecord(ctx context.Context, txID string) (domain.LedgerRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return scanRecord(r.db.QueryRowContext(ctx, recordSelect+` WHERE transaction_id = ? ORDER BY attempt DESC LIMIT 1`, txID))
}

func (r *Repository) ListLedgerRecordsByStatus(ctx context.Context, status domain.ConfirmationStatus, limit int) ([]domain.LedgerRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

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
	ctx, span := startDBSpan(ctx, "mysql.SetLedgerRecordSubmitted", attribute.String("record.id", id))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `UPDATE ledger_records SET tx_hash = ?, token_id = ?, submit_count = ?, next_retry_at = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		nullString(txHash), nullString(tokenID), submitCount, time.Now().UTC(), id, domain.StatusPending)
	if err != nil {
		recordSpanError(span, err)
	}
	return err
}

func (r *Repository) ScheduleLedgerRetry(ctx context.Context, id string, submitCount int, nextRetryAt time.Time) error {
	ctx, span := startDBSpan(ctx, "mysql.ScheduleLedgerRetry", attribute.String("record.id", id))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `UPDATE ledger_records SET submit_count = ?, next_retry_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		submitCount, nextRetryAt.UTC(), time.Now().UTC(), id, domain.StatusPending)
	if err != nil {
		recordSpanError(span, err)
	}
	return err
}

// MarkLedgerRecordConfirmed sets status and block height in a single guarded
// update: terminal rows are untouched and report updated=false, and no reader
// can observe a confirmed status without its block height.
func (r *Repository) MarkLedgerRecordConfirmed(ctx context.Context, id string, blockHeight uint64) (bool, error) {
	ctx, span := startDBSpan(ctx, "mysql.MarkLedgerRecordConfirmed",
		attribute.String("record.id", id),
		attribute.Int64("block.height", int64(blockHeight)),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := r.db.ExecContext(ctx, `UPDATE ledger_records SET status = ?, block_height = ?, updated_at = ? WHERE id = ? AND status = ?`,
		domain.StatusConfirmed, blockHeight, time.Now().UTC(), id, domain.StatusPending)
	if err != nil {
		recordSpanError(span, err)
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		recordSpanError(span, err)
		return false, err
	}
	return affected > 0, nil
}

func (r *Repository) MarkLedgerRecordFailed(ctx context.Context, id, reason string) (bool, error) {
	ctx, span := startDBSpan(ctx, "mysql.MarkLedgerRecordFailed", attribute.String("record.id", id))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := r.db.ExecContext(ctx, `UPDATE ledger_records SET status = ?, failure_reason = ?, updated_at = ? WHERE id = ? AND status = ?`,
		domain.StatusFailed, reason, time.Now().UTC(), id, domain.StatusPending)
	if err != nil {
		recordSpanError(span, err)
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		recordSpanError(span, err)
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

func startDBSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("fraudledger/mysql")
	ctx, span := tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
