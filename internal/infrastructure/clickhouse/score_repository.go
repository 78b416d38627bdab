package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"fraudledger/internal/application"
	"fraudledger/internal/domain"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ScoreRepository keeps the append-only history of every scored
// transaction, fraudulent or not. The relational store only ever sees
// the fraudulent subset.
type ScoreRepository struct {
	db   *sql.DB
	conn clickhouse.Conn
}

func NewRepository(dsn string) (*ScoreRepository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("clickhouse dsn is required")
	}
	options, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, err
	}
	db := clickhouse.OpenDB(options)
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if err := createSchema(db); err != nil {
		return nil, err
	}
	return &ScoreRepository{db: db, conn: conn}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS scored_transactions (
		transaction_id String,
		amount Float64,
		currency String,
		merchant_name String,
		merchant_category String,
		ts DateTime64(3, 'UTC'),
		location_lat Float64,
		location_lng Float64,
		fraud_score Float64,
		is_fraud UInt8,
		scored_at DateTime64(3, 'UTC')
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(ts)
	ORDER BY (ts, transaction_id)`)
	return err
}

func (r *ScoreRepository) StoreScoredTransactions(ctx context.Context, transactions []domain.Transaction) error {
	if len(transactions) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	batch, err := r.conn.PrepareBatch(ctx, `INSERT INTO scored_transactions (transaction_id, amount, currency, merchant_name, merchant_category, ts, location_lat, location_lng, fraud_score, is_fraud, scored_at)`)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, tx := range transactions {
		isFraud := uint8(0)
		if tx.IsFraud {
			isFraud = 1
		}
		if err := batch.Append(
			tx.ID,
			tx.Amount,
			tx.Currency,
			tx.MerchantName,
			tx.MerchantCategory,
			tx.Timestamp.UTC(),
			tx.LocationLat,
			tx.LocationLng,
			tx.FraudScore,
			isFraud,
			now,
		); err != nil {
			return err
		}
	}
	return batch.Send()
}

func (r *ScoreRepository) ListRecent(ctx context.Context, filter application.HistoryQueryFilter) ([]domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT transaction_id, amount, currency, merchant_name, merchant_category, ts, location_lat, location_lng, fraud_score, is_fraud FROM scored_transactions`
	if filter.OnlyFraud {
		query += ` WHERE is_fraud = 1`
	}
	query += ` ORDER BY ts DESC LIMIT ?`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		var isFraud uint8
		if err := rows.Scan(&tx.ID, &tx.Amount, &tx.Currency, &tx.MerchantName, &tx.MerchantCategory, &tx.Timestamp, &tx.LocationLat, &tx.LocationLng, &tx.FraudScore, &isFraud); err != nil {
			return nil, err
		}
		tx.IsFraud = isFraud != 0
		transactions = append(transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transactions, nil
}

func (r *ScoreRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.db.PingContext(ctx)
}
