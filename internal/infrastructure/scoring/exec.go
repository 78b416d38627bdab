package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"fraudledger/internal/domain"
)

// ExecOracle shells out to the model runner (the XGBoost+KMeans ensemble) and
// exchanges JSON over stdin/stdout. The adapter is a dumb pipe: fallback
// policy lives in the application-layer scoring service.
type ExecOracle struct {
	command string
	args    []string
	modelID string
}

type Config struct {
	// Command is the runner invocation, e.g. "python3 scoring/predict.py".
	Command string
	ModelID string
}

func NewExecOracle(cfg Config) (*ExecOracle, error) {
	fields := strings.Fields(cfg.Command)
	if len(fields) == 0 {
		return nil, errors.New("scoring command is required")
	}
	return &ExecOracle{
		command: fields[0],
		args:    fields[1:],
		modelID: cfg.ModelID,
	}, nil
}

type scoreRequest struct {
	TransactionID    string  `json:"transaction_id"`
	Amount           float64 `json:"amount"`
	Currency         string  `json:"currency"`
	MerchantName     string  `json:"merchant_name"`
	MerchantCategory string  `json:"merchant_category"`
	Timestamp        string  `json:"timestamp"`
	LocationLat      float64 `json:"location_lat"`
	LocationLng      float64 `json:"location_lng"`
}

type scoreResponse struct {
	IsFraud         bool    `json:"is_fraud"`
	FraudScore      float64 `json:"fraud_score"`
	XGBProbability  float64 `json:"xgb_probability"`
	KMeansAnomaly   int     `json:"kmeans_anomaly"`
	AnomalyDistance float64 `json:"anomaly_distance"`
	Confidence      float64 `json:"confidence"`
}

func (o *ExecOracle) Score(ctx context.Context, tx domain.Transaction) (domain.Prediction, error) {
	input, err := json.Marshal(scoreRequest{
		TransactionID:    tx.ID,
		Amount:           tx.Amount,
		Currency:         tx.Currency,
		MerchantName:     tx.MerchantName,
		MerchantCategory: tx.MerchantCategory,
		Timestamp:        tx.Timestamp.UTC().Format(time.RFC3339),
		LocationLat:      tx.LocationLat,
		LocationLng:      tx.LocationLng,
	})
	if err != nil {
		return domain.Prediction{}, err
	}

	cmd := exec.CommandContext(ctx, o.command, o.args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return domain.Prediction{}, fmt.Errorf("scoring runner timed out: %w", ctx.Err())
		}
		return domain.Prediction{}, fmt.Errorf("scoring runner failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var decoded scoreResponse
	if err := json.Unmarshal(stdout.Bytes(), &decoded); err != nil {
		return domain.Prediction{}, fmt.Errorf("scoring output malformed: %w", err)
	}
	if decoded.FraudScore < 0 || decoded.FraudScore > 1 {
		return domain.Prediction{}, fmt.Errorf("scoring output out of range: fraud_score %f", decoded.FraudScore)
	}

	return domain.Prediction{
		IsFraud:         decoded.IsFraud,
		FraudScore:      decoded.FraudScore,
		XGBProbability:  decoded.XGBProbability,
		KMeansAnomaly:   decoded.KMeansAnomaly != 0,
		AnomalyDistance: decoded.AnomalyDistance,
		Confidence:      decoded.Confidence,
		ModelID:         o.modelID,
		Features: map[string]string{
			"xgb_probability":  formatFloat(decoded.XGBProbability),
			"anomaly_distance": formatFloat(decoded.AnomalyDistance),
			"kmeans_anomaly":   strconv.Itoa(decoded.KMeansAnomaly),
		},
	}, nil
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', 6, 64)
}
