package domain

import "time"

type AlertType string

const (
	AlertTypeFraud AlertType = "FRAUD_ALERT"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SeverityThresholds maps a fraud score onto a severity band. Medium and High
// are lower bounds; scores below Medium fall into the low band.
type SeverityThresholds struct {
	Medium float64
	High   float64
}

func (t SeverityThresholds) Classify(score float64) Severity {
	switch {
	case score >= t.High:
		return SeverityHigh
	case score >= t.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

type AlertStatus string

const (
	AlertStatusActive    AlertStatus = "active"
	AlertStatusResolved  AlertStatus = "resolved"
	AlertStatusDismissed AlertStatus = "dismissed"
)

// FraudAlert is the durable alert raised for a flagged transaction. Alerts are
// never deleted; resolution happens through status transitions only. The
// ledger link fields stay empty until a submission lands on the ledger.
type FraudAlert struct {
	ID            string
	TransactionID string
	Type          AlertType
	Severity      Severity
	Confidence    float64
	ModelID       string
	Features      map[string]string
	LedgerTxHash  string
	TokenID       string
	Status        AlertStatus
	CreatedAt     time.Time
}
