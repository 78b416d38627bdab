package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fraudledger/internal/application"
	"fraudledger/internal/config"
	"fraudledger/internal/domain"
	"fraudledger/internal/infrastructure/clickhouse"
	localkafka "fraudledger/internal/infrastructure/kafka"
	"fraudledger/internal/infrastructure/ledgerrpc"
	"fraudledger/internal/infrastructure/logging"
	"fraudledger/internal/infrastructure/mysql"
	"fraudledger/internal/infrastructure/storage"
	"fraudledger/internal/infrastructure/telemetry"
	"fraudledger/internal/interfaces/httpapi"
	"fraudledger/internal/metadata"
	"fraudledger/internal/streaming"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logFile := cfg.LogFile
	if logFile == "" {
		logFile = "logs/ingest.log"
	}
	if _, err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Service:    "fraudledger-ingest",
		File:       logFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	}); err != nil {
		slog.Error("logger init error", "err", err)
	}

	shutdownTracing, err := telemetry.InitTracer(context.Background(), "fraudledger-ingest", cfg.OtelEndpoint)
	if err != nil {
		slog.Warn("tracing init error", "err", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				slog.Warn("tracing shutdown error", "err", err)
			}
		}()
	}

	baseRepo, err := mysql.NewRepository(cfg.DBDSN)
	if err != nil {
		slog.Error("db error", "err", err)
		os.Exit(1)
	}
	cachedRepo, err := mysql.NewCachedRepository(baseRepo, mysql.CacheConfig{Addr: cfg.RedisAddr})
	if err != nil {
		slog.Warn("redis cache disabled", "err", err)
		cachedRepo, _ = mysql.NewCachedRepository(baseRepo, mysql.CacheConfig{})
	}
	historyRepo, err := clickhouse.NewRepository(cfg.ClickhouseDSN)
	if err != nil {
		slog.Error("clickhouse error", "err", err)
		os.Exit(1)
	}
	store, err := storage.NewRepository(cachedRepo, historyRepo)
	if err != nil {
		slog.Error("storage error", "err", err)
		os.Exit(1)
	}

	ledger, err := ledgerrpc.NewClient(ledgerrpc.Config{
		URL:        cfg.LedgerURL,
		Network:    cfg.LedgerNetwork,
		SigningKey: cfg.LedgerSigningKey,
	})
	if err != nil {
		slog.Error("ledger client error", "err", err)
		os.Exit(1)
	}

	producer, err := localkafka.NewProducer(localkafka.ProducerConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaAlertTopic,
	})
	if err != nil {
		slog.Error("kafka producer error", "err", err)
		os.Exit(1)
	}
	defer producer.Close()

	metrics := httpapi.NewMetrics()
	recorder, err := application.NewAlertRecorder(store, ledger, metadata.NewCodec(cfg.MetadataMaxBytes), ingestObserver{metrics: metrics, producer: producer}, application.RecorderConfig{
		ModelID: cfg.ModelID,
		Thresholds: domain.SeverityThresholds{
			Medium: cfg.SeverityMedium,
			High:   cfg.SeverityHigh,
		},
		SubmitWorkers:  cfg.SubmitWorkers,
		RetryBaseDelay: cfg.RetryBaseDelay,
	})
	if err != nil {
		slog.Error("recorder error", "err", err)
		os.Exit(1)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  cfg.KafkaGroupID,
		Topic:    cfg.KafkaIngestTopic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("ingest started",
		"topic", cfg.KafkaIngestTopic,
		"group", cfg.KafkaGroupID,
		"brokers", cfg.KafkaBrokers,
	)
	consume(ctx, reader, store, recorder, metrics)
	_ = reader.Close()
}

func consume(ctx context.Context, reader *kafka.Reader, store *storage.Repository, recorder *application.AlertRecorder, metrics *httpapi.Metrics) {
	tracer := otel.Tracer("fraudledger/ingest")

	for {
		message, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			metrics.IncIngestFetchErr()
			slog.Warn("kafka fetch error", "err", err)
			continue
		}

		decoded, err := streaming.Decode(message.Value)
		if err != nil {
			slog.Warn("message decode error", "err", err)
			metrics.IncIngestDecodeErr()
			_ = reader.CommitMessages(ctx, message)
			continue
		}
		if decoded.Type != streaming.MessageTypeScoredTransaction {
			slog.Debug("skipping message", "type", decoded.Type)
			_ = reader.CommitMessages(ctx, message)
			continue
		}

		messageCtx := telemetry.ExtractKafkaHeaders(ctx, message.Headers)
		if !trace.SpanContextFromContext(messageCtx).IsValid() && decoded.TraceID != "" {
			if ctxWithTrace, ok := telemetry.ContextWithTraceID(messageCtx, decoded.TraceID); ok {
				messageCtx = ctxWithTrace
			}
		}
		messageCtx, span := tracer.Start(messageCtx, "ingest.process_transaction", trace.WithSpanKind(trace.SpanKindConsumer))
		span.SetAttributes(
			attribute.String("transaction.id", decoded.TransactionID),
			attribute.Bool("transaction.is_fraud", decoded.IsFraud),
			attribute.Float64("transaction.fraud_score", decoded.FraudScore),
		)

		if err := apply(messageCtx, store, recorder, decoded); err != nil {
			slog.Warn("apply message error", "tx_id", decoded.TransactionID, "err", err)
			metrics.IncIngestApplyErr()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			time.Sleep(500 * time.Millisecond)
			continue
		}
		span.End()

		metrics.IncIngestMessage()
		if err := reader.CommitMessages(ctx, message); err != nil {
			slog.Warn("kafka commit error", "err", err)
			metrics.IncIngestCommitErr()
		}
	}
}

// apply lands every scored transaction in the history store and records an
// alert for the flagged ones. Failed records are treated as applied; retrying
// the message would only burn the ledger attempt budget again.
func apply(ctx context.Context, store *storage.Repository, recorder *application.AlertRecorder, msg streaming.Message) error {
	tx := domain.Transaction{
		ID:               msg.TransactionID,
		Amount:           msg.Amount,
		Currency:         msg.Currency,
		MerchantName:     msg.MerchantName,
		MerchantCategory: msg.MerchantCategory,
		Timestamp:        msg.Timestamp,
		LocationLat:      msg.LocationLat,
		LocationLng:      msg.LocationLng,
		FraudScore:       msg.FraudScore,
		IsFraud:          msg.IsFraud,
	}
	if err := store.StoreScoredTransactions(ctx, []domain.Transaction{tx}); err != nil {
		return err
	}
	if !msg.IsFraud {
		return nil
	}

	pred := domain.Prediction{
		IsFraud:    msg.IsFraud,
		FraudScore: msg.FraudScore,
		Confidence: msg.Confidence,
		ModelID:    msg.ModelID,
		Features:   msg.Features,
	}
	_, err := recorder.RecordAlert(ctx, tx, pred, application.RecordOptions{})
	if err != nil && !application.RetriableSubmitError(err) && !errors.Is(err, application.ErrNotEligible) {
		// Terminal submit failures already produced a failed record; a replay
		// of the message would not change the outcome.
		slog.Warn("alert recording ended in failure", "tx_id", tx.ID, "err", err)
		return nil
	}
	return err
}

type ingestObserver struct {
	metrics  *httpapi.Metrics
	producer *localkafka.Producer
}

func (o ingestObserver) OnAlertRecorded(alert domain.FraudAlert, record domain.LedgerRecord) {
	o.metrics.OnAlertRecorded(alert, record)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.producer.PublishAlertRecorded(ctx, alert, record); err != nil {
		slog.Warn("alert event publish failed", "tx_id", alert.TransactionID, "err", err)
	}
}

func (o ingestObserver) OnNotEligible(txID string) {
	o.metrics.OnNotEligible(txID)
}

func (o ingestObserver) OnSubmitFailed(txID string, reason string) {
	o.metrics.OnSubmitFailed(txID, reason)
}
