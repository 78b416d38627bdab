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
	"fraudledger/internal/infrastructure/kafka"
	"fraudledger/internal/infrastructure/ledgerrpc"
	"fraudledger/internal/infrastructure/logging"
	"fraudledger/internal/infrastructure/mysql"
	"fraudledger/internal/infrastructure/scoring"
	"fraudledger/internal/infrastructure/storage"
	"fraudledger/internal/infrastructure/telemetry"
	"fraudledger/internal/interfaces/httpapi"
	"fraudledger/internal/metadata"
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
		logFile = "logs/recorder.log"
	}
	if _, err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Service:    "fraudledger-recorder",
		File:       logFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	}); err != nil {
		slog.Error("logger init error", "err", err)
	}

	shutdownTracing, err := telemetry.InitTracer(context.Background(), "fraudledger-recorder", cfg.OtelEndpoint)
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

	var producer *kafka.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer, err = kafka.NewProducer(kafka.ProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaAlertTopic,
		})
		if err != nil {
			slog.Warn("kafka publishing disabled", "err", err)
			producer = nil
		} else {
			defer producer.Close()
		}
	}

	metrics := httpapi.NewMetrics()
	observer := pipelineObserver{metrics: metrics, producer: producer}

	codec := metadata.NewCodec(cfg.MetadataMaxBytes)
	recorder, err := application.NewAlertRecorder(store, ledger, codec, observer, application.RecorderConfig{
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

	tracker, err := application.NewConfirmationTracker(store, ledger, observer, application.TrackerConfig{
		SweepInterval: cfg.SweepInterval,
		MaxAttempts:   cfg.MaxAttempts,
		BaseDelay:     cfg.RetryBaseDelay,
	})
	if err != nil {
		slog.Error("tracker error", "err", err)
		os.Exit(1)
	}

	audit, err := application.NewAuditService(store, ledger, codec)
	if err != nil {
		slog.Error("audit error", "err", err)
		os.Exit(1)
	}

	var scorer *application.ScoringService
	if cfg.ScoringCommand != "" {
		oracle, err := scoring.NewExecOracle(scoring.Config{
			Command: cfg.ScoringCommand,
			ModelID: cfg.ModelID,
		})
		if err != nil {
			slog.Error("scoring oracle error", "err", err)
			os.Exit(1)
		}
		scorer, err = application.NewScoringService(oracle, metrics, application.ScoringConfig{
			Timeout: cfg.ScoringTimeout,
			ModelID: cfg.ModelID,
		})
		if err != nil {
			slog.Error("scoring service error", "err", err)
			os.Exit(1)
		}
	}

	httpServer, err := httpapi.NewServer(store, recorder, audit, scorer, metrics, httpapi.BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	})
	if err != nil {
		slog.Error("http server error", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		slog.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(ctx, cfg.HTTPAddr); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("http server error", "err", err)
			cancel()
		}
	}()

	slog.Info("confirmation tracker started",
		"sweep_interval", cfg.SweepInterval,
		"max_attempts", cfg.MaxAttempts,
		"base_delay", cfg.RetryBaseDelay,
	)
	if err := tracker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		slog.Error("tracker stopped", "err", err)
	}
}

// pipelineObserver fans pipeline events out to the metrics snapshot and,
// when a producer is wired, to the alert topic.
type pipelineObserver struct {
	metrics  *httpapi.Metrics
	producer *kafka.Producer
}

func (o pipelineObserver) OnAlertRecorded(alert domain.FraudAlert, record domain.LedgerRecord) {
	o.metrics.OnAlertRecorded(alert, record)
	if o.producer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.producer.PublishAlertRecorded(ctx, alert, record); err != nil {
		slog.Warn("alert event publish failed", "tx_id", alert.TransactionID, "err", err)
	}
}

func (o pipelineObserver) OnNotEligible(txID string) {
	o.metrics.OnNotEligible(txID)
}

func (o pipelineObserver) OnSubmitFailed(txID string, reason string) {
	o.metrics.OnSubmitFailed(txID, reason)
}

func (o pipelineObserver) OnRecordConfirmed(record domain.LedgerRecord) {
	o.metrics.OnRecordConfirmed(record)
	if o.producer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.producer.PublishRecordConfirmed(ctx, record); err != nil {
		slog.Warn("confirm event publish failed", "tx_id", record.TransactionID, "err", err)
	}
}

func (o pipelineObserver) OnRecordFailed(record domain.LedgerRecord) {
	o.metrics.OnRecordFailed(record)
	if o.producer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.producer.PublishRecordFailed(ctx, record, record.FailureReason); err != nil {
		slog.Warn("failure event publish failed", "tx_id", record.TransactionID, "err", err)
	}
}

func (o pipelineObserver) OnSweep(stats application.SweepStats) {
	o.metrics.OnSweep(stats)
}
