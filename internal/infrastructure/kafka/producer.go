package kafka

import (
	"context"
	"errors"
	"strings"
	"time"

	"fraudledger/internal/domain"
	"fraudledger/internal/infrastructure/telemetry"
	"fraudledger/internal/streaming"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Producer publishes alert lifecycle events. Messages are keyed by
// transaction id so all events for one transaction land on one partition
// in order.
type Producer struct {
	writer *kafka.Writer
	topic  string
}

type ProducerConfig struct {
	Brokers []string
	Topic   string
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		cfg.Topic = "fraudledger-alerts"
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 500 * time.Millisecond,
	}
	return &Producer{writer: writer, topic: cfg.Topic}, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func (p *Producer) PublishAlertRecorded(ctx context.Context, alert domain.FraudAlert, record domain.LedgerRecord) error {
	return p.publish(ctx, "alerts.publish_recorded", streaming.Message{
		Type:          streaming.MessageTypeAlertRecorded,
		TransactionID: alert.TransactionID,
		AlertID:       alert.ID,
		Severity:      string(alert.Severity),
		Confidence:    alert.Confidence,
		ModelID:       alert.ModelID,
		RecordID:      record.ID,
		LedgerTxHash:  record.TxHash,
		TokenID:       record.TokenID,
	})
}

func (p *Producer) PublishRecordConfirmed(ctx context.Context, record domain.LedgerRecord) error {
	return p.publish(ctx, "alerts.publish_confirmed", streaming.Message{
		Type:          streaming.MessageTypeRecordConfirmed,
		TransactionID: record.TransactionID,
		RecordID:      record.ID,
		LedgerTxHash:  record.TxHash,
		TokenID:       record.TokenID,
		BlockHeight:   record.BlockHeight,
	})
}

func (p *Producer) PublishRecordFailed(ctx context.Context, record domain.LedgerRecord, reason string) error {
	return p.publish(ctx, "alerts.publish_failed", streaming.Message{
		Type:          streaming.MessageTypeRecordFailed,
		TransactionID: record.TransactionID,
		RecordID:      record.ID,
		FailureReason: reason,
	})
}

func (p *Producer) publish(ctx context.Context, spanName string, msg streaming.Message) error {
	traceCtx, traceIDHex := telemetry.MessageTraceContext(ctx)
	msg.TraceID = traceIDHex

	tracer := otel.Tracer("fraudledger/kafka")
	traceCtx, span := tracer.Start(traceCtx, spanName, trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("transaction.id", msg.TransactionID),
		attribute.String("message.type", string(msg.Type)),
	)

	payload, err := streaming.Encode(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	headers := make([]kafka.Header, 0, 2)
	telemetry.InjectKafkaHeaders(traceCtx, &headers)

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.TransactionID),
		Value:   payload,
		Headers: headers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
