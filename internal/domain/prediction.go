package domain

// Prediction is the output of the scoring oracle for one transaction.
type Prediction struct {
	IsFraud         bool
	FraudScore      float64
	XGBProbability  float64
	KMeansAnomaly   bool
	AnomalyDistance float64
	Confidence      float64
	ModelID         string
	Features        map[string]string
}
