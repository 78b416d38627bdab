package streaming

import (
	"encoding/json"
	"errors"
	"time"
)

type MessageType string

const (
	MessageTypeScoredTransaction MessageType = "scored_transaction"
	MessageTypeAlertRecorded     MessageType = "alert_recorded"
	MessageTypeRecordConfirmed   MessageType = "record_confirmed"
	MessageTypeRecordFailed      MessageType = "record_failed"
)

// Message is the wire format on the alert and ingest topics. Scored
// transactions flow in, alert lifecycle events flow out.
type Message struct {
	Type             MessageType       `json:"type"`
	TransactionID    string            `json:"transaction_id"`
	TraceID          string            `json:"trace_id,omitempty"`
	Amount           float64           `json:"amount,omitempty"`
	Currency         string            `json:"currency,omitempty"`
	MerchantName     string            `json:"merchant_name,omitempty"`
	MerchantCategory string            `json:"merchant_category,omitempty"`
	Timestamp        time.Time         `json:"timestamp,omitzero"`
	LocationLat      float64           `json:"location_lat,omitempty"`
	LocationLng      float64           `json:"location_lng,omitempty"`
	IsFraud          bool              `json:"is_fraud,omitempty"`
	FraudScore       float64           `json:"fraud_score,omitempty"`
	Confidence       float64           `json:"confidence,omitempty"`
	ModelID          string            `json:"model_id,omitempty"`
	Features         map[string]string `json:"features,omitempty"`
	AlertID          string            `json:"alert_id,omitempty"`
	Severity         string            `json:"severity,omitempty"`
	RecordID         string            `json:"record_id,omitempty"`
	LedgerTxHash     string            `json:"ledger_tx_hash,omitempty"`
	TokenID          string            `json:"token_id,omitempty"`
	BlockHeight      uint64            `json:"block_height,omitempty"`
	FailureReason    string            `json:"failure_reason,omitempty"`
}

func Encode(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, errors.New("message type is required")
	}
	if msg.TransactionID == "" {
		return nil, errors.New("transaction_id is required")
	}
	return json.Marshal(msg)
}

func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	if msg.Type == "" {
		return Message{}, errors.New("message type is missing")
	}
	if msg.TransactionID == "" {
		return Message{}, errors.New("transaction_id is missing")
	}
	return msg, nil
}
