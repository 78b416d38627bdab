package domain

import "time"

// Transaction is a scored payment transaction. It is owned by the upstream
// ingestion/scoring pipeline and is read-only inside this service.
type Transaction struct {
	ID               string
	Amount           float64
	Currency         string
	MerchantName     string
	MerchantCategory string
	Timestamp        time.Time
	LocationLat      float64
	LocationLng      float64
	FraudScore       float64
	IsFraud          bool
}
