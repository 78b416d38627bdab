package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fraudledger/internal/domain"
)

const (
	// SchemaVersion is the current payload schema. Decoders reject anything newer.
	SchemaVersion = 1

	// DefaultMaxBytes matches the ledger's per-transaction metadata cap.
	DefaultMaxBytes = 16 * 1024

	flagSuspicious = "Suspicious"
	flagLegitimate = "Legitimate"
)

var (
	ErrSchemaVersionUnsupported = errors.New("metadata schema version unsupported")
	ErrMalformedPayload         = errors.New("metadata payload malformed")
	ErrPayloadTooLarge          = errors.New("metadata payload exceeds size cap")
)

// Payload is the canonical on-ledger representation of a fraud alert.
type Payload struct {
	SchemaVersion    int               `json:"schema_version"`
	AlertType        string            `json:"alert_type"`
	TransactionID    string            `json:"transaction_id"`
	Amount           float64           `json:"amount"`
	Currency         string            `json:"currency"`
	Flag             string            `json:"flag"`
	FraudScore       float64           `json:"fraud_score"`
	Confidence       float64           `json:"confidence"`
	Timestamp        string            `json:"timestamp"`
	MerchantName     string            `json:"merchant_name"`
	MerchantCategory string            `json:"merchant_category"`
	ModelID          string            `json:"model_id"`
	Features         map[string]string `json:"features,omitempty"`
}

type Codec struct {
	maxBytes int
}

func NewCodec(maxBytes int) *Codec {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Codec{maxBytes: maxBytes}
}

// Encode builds the deterministic metadata payload for one alert. The result
// is what gets submitted to the ledger and what the audit service later
// re-derives for drift detection, so it must depend only on its inputs.
func (c *Codec) Encode(tx domain.Transaction, alert domain.FraudAlert) ([]byte, error) {
	if tx.ID == "" {
		return nil, errors.New("transaction id is required")
	}
	if alert.TransactionID != "" && alert.TransactionID != tx.ID {
		return nil, fmt.Errorf("alert references transaction %s, not %s", alert.TransactionID, tx.ID)
	}

	flag := flagLegitimate
	if tx.IsFraud {
		flag = flagSuspicious
	}
	payload := Payload{
		SchemaVersion:    SchemaVersion,
		AlertType:        string(alert.Type),
		TransactionID:    tx.ID,
		Amount:           tx.Amount,
		Currency:         tx.Currency,
		Flag:             flag,
		FraudScore:       tx.FraudScore,
		Confidence:       alert.Confidence,
		Timestamp:        tx.Timestamp.UTC().Format(time.RFC3339),
		MerchantName:     tx.MerchantName,
		MerchantCategory: tx.MerchantCategory,
		ModelID:          alert.ModelID,
		Features:         alert.Features,
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if len(encoded) > c.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes, cap %d", ErrPayloadTooLarge, len(encoded), c.maxBytes)
	}
	return encoded, nil
}

// Decode parses a payload previously produced by Encode. Malformed bytes and
// unknown future schema versions are reported as errors with no partial
// result, so callers never surface corrupted data as valid.
func (c *Codec) Decode(raw []byte) (Payload, error) {
	if len(raw) == 0 {
		return Payload{}, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}

	var versionProbe struct {
		SchemaVersion *int `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &versionProbe); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if versionProbe.SchemaVersion == nil {
		return Payload{}, fmt.Errorf("%w: schema_version is missing", ErrMalformedPayload)
	}
	if *versionProbe.SchemaVersion > SchemaVersion {
		return Payload{}, fmt.Errorf("%w: version %d", ErrSchemaVersionUnsupported, *versionProbe.SchemaVersion)
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.TransactionID == "" {
		return Payload{}, fmt.Errorf("%w: transaction_id is missing", ErrMalformedPayload)
	}
	if payload.Flag != flagSuspicious && payload.Flag != flagLegitimate {
		return Payload{}, fmt.Errorf("%w: unknown flag %q", ErrMalformedPayload, payload.Flag)
	}
	return payload, nil
}
