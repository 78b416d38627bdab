package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	LedgerURL        string
	LedgerNetwork    string
	LedgerSigningKey string
	MetadataMaxBytes int

	DBDSN         string
	ClickhouseDSN string
	RedisAddr     string

	HTTPAddr     string
	OtelEndpoint string

	ScoringCommand string
	ScoringTimeout time.Duration
	ModelID        string

	SeverityMedium float64
	SeverityHigh   float64

	SubmitWorkers  int
	SweepInterval  time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration

	KafkaBrokers     []string
	KafkaIngestTopic string
	KafkaAlertTopic  string
	KafkaGroupID     string

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
}

type EnvSource interface {
	Lookup(key string) (string, bool)
}

type EnvMap map[string]string

func (e EnvMap) Lookup(key string) (string, bool) {
	value, ok := e[key]
	return value, ok
}

func FromEnviron() EnvSource {
	env := make(EnvMap)
	for _, entry := range os.Environ() {
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}
	return env
}

func Load(source EnvSource) (Config, error) {
	if source == nil {
		return Config{}, errors.New("env source is required")
	}

	ledgerURL, ok := source.Lookup("LEDGER_URL")
	if !ok || strings.TrimSpace(ledgerURL) == "" {
		return Config{}, errors.New("LEDGER_URL is required")
	}

	network := lookupDefault(source, "LEDGER_NETWORK", "preprod")
	signingKey, _ := source.Lookup("LEDGER_SIGNING_KEY")

	metadataMax, err := parseIntEnv(source, "METADATA_MAX_BYTES", 16*1024)
	if err != nil {
		return Config{}, err
	}

	dbDSN := lookupDefault(source, "DB_DSN", "root:@tcp(127.0.0.1:3306)/fraudledger?parseTime=true&multiStatements=true")
	clickhouseDSN := lookupDefault(source, "CLICKHOUSE_DSN", "clickhouse://127.0.0.1:9000?database=fraudledger")
	redisAddr := strings.TrimSpace(lookupDefault(source, "REDIS_ADDR", "127.0.0.1:6379"))

	httpAddr := lookupDefault(source, "HTTP_ADDR", ":8080")
	otelEndpoint := strings.TrimSpace(lookupDefault(source, "OTEL_EXPORTER_OTLP_ENDPOINT", ""))

	scoringCommand := lookupDefault(source, "SCORING_COMMAND", "")
	scoringTimeout, err := parseDurationEnv(source, "SCORING_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	modelID := lookupDefault(source, "MODEL_ID", "xgb-kmeans-v1")

	severityMedium, err := parseFloatEnv(source, "SEVERITY_MEDIUM", 0.5)
	if err != nil {
		return Config{}, err
	}
	severityHigh, err := parseFloatEnv(source, "SEVERITY_HIGH", 0.8)
	if err != nil {
		return Config{}, err
	}
	if severityMedium >= severityHigh {
		return Config{}, fmt.Errorf("SEVERITY_MEDIUM %.2f must be below SEVERITY_HIGH %.2f", severityMedium, severityHigh)
	}

	submitWorkers, err := parseIntEnv(source, "SUBMIT_WORKERS", 4)
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := parseDurationEnv(source, "SWEEP_INTERVAL", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxAttempts, err := parseIntEnv(source, "MAX_SUBMIT_ATTEMPTS", 5)
	if err != nil {
		return Config{}, err
	}
	retryBaseDelay, err := parseDurationEnv(source, "RETRY_BASE_DELAY", 20*time.Second)
	if err != nil {
		return Config{}, err
	}

	kafkaBrokers, err := parseList(source, "KAFKA_BROKERS", "localhost:9092")
	if err != nil {
		return Config{}, err
	}
	kafkaIngestTopic := lookupDefault(source, "KAFKA_INGEST_TOPIC", "fraudledger-transactions")
	kafkaAlertTopic := lookupDefault(source, "KAFKA_ALERT_TOPIC", "fraudledger-alerts")
	kafkaGroupID := lookupDefault(source, "KAFKA_GROUP_ID", "fraudledger-ingest")

	logLevel := lookupDefault(source, "LOG_LEVEL", "info")
	logFile, _ := source.Lookup("LOG_FILE")
	logMaxSize, err := parseIntEnv(source, "LOG_MAX_SIZE_MB", 100)
	if err != nil {
		return Config{}, err
	}
	logMaxBackups, err := parseIntEnv(source, "LOG_MAX_BACKUPS", 3)
	if err != nil {
		return Config{}, err
	}

	return Config{
		LedgerURL:        ledgerURL,
		LedgerNetwork:    network,
		LedgerSigningKey: signingKey,
		MetadataMaxBytes: metadataMax,
		DBDSN:            dbDSN,
		ClickhouseDSN:    clickhouseDSN,
		RedisAddr:        redisAddr,
		HTTPAddr:         httpAddr,
		OtelEndpoint:     otelEndpoint,
		ScoringCommand:   scoringCommand,
		ScoringTimeout:   scoringTimeout,
		ModelID:          modelID,
		SeverityMedium:   severityMedium,
		SeverityHigh:     severityHigh,
		SubmitWorkers:    submitWorkers,
		SweepInterval:    sweepInterval,
		MaxAttempts:      maxAttempts,
		RetryBaseDelay:   retryBaseDelay,
		KafkaBrokers:     kafkaBrokers,
		KafkaIngestTopic: kafkaIngestTopic,
		KafkaAlertTopic:  kafkaAlertTopic,
		KafkaGroupID:     kafkaGroupID,
		LogLevel:         logLevel,
		LogFile:          logFile,
		LogMaxSizeMB:     logMaxSize,
		LogMaxBackups:    logMaxBackups,
	}, nil
}

func lookupDefault(source EnvSource, key, defaultValue string) string {
	if raw, ok := source.Lookup(key); ok && strings.TrimSpace(raw) != "" {
		return raw
	}
	return defaultValue
}

func parseIntEnv(source EnvSource, key string, defaultValue int) (int, error) {
	raw, ok := source.Lookup(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseFloatEnv(source EnvSource, key string, defaultValue float64) (float64, error) {
	raw, ok := source.Lookup(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if value < 0 || value > 1 {
		return 0, fmt.Errorf("invalid %s: must be in [0,1]", key)
	}
	return value, nil
}

func parseDurationEnv(source EnvSource, key string, defaultValue time.Duration) (time.Duration, error) {
	raw, ok := source.Lookup(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseList(source EnvSource, key string, defaultValue string) ([]string, error) {
	raw, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		raw = defaultValue
	}
	items := strings.Split(raw, ",")
	var values []string
	for _, item := range items {
		value := strings.TrimSpace(item)
		if value == "" {
			continue
		}
		values = append(values, value)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s is required", key)
	}
	return values, nil
}
