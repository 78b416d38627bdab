package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"fraudledger/internal/domain"
)

// Oracle scores a transaction. The production implementation crosses a
// process boundary to the model runtime and may be slow.
type Oracle interface {
	Score(ctx context.Context, tx domain.Transaction) (domain.Prediction, error)
}

type ScoringObserver interface {
	OnScoringFallback(txID string)
}

type ScoringConfig struct {
	Timeout time.Duration
	ModelID string
}

// ScoringService wraps the oracle with the fallback-on-failure policy:
// timeouts and oracle failures degrade to a conservative not-fraud default so
// transaction ingestion never blocks on the model runtime. The fallback is an
// explicit contract, not best effort; it is what keeps a dead model from
// taking the ingest path down with it.
type ScoringService struct {
	oracle   Oracle
	observer ScoringObserver
	cfg      ScoringConfig
}

// FallbackPrediction is returned whenever the oracle cannot be reached.
func FallbackPrediction(modelID string) domain.Prediction {
	return domain.Prediction{
		IsFraud:    false,
		FraudScore: 0.1,
		Confidence: 0,
		ModelID:    modelID,
	}
}

func NewScoringService(oracle Oracle, observer ScoringObserver, cfg ScoringConfig) (*ScoringService, error) {
	if oracle == nil {
		return nil, errors.New("scoring oracle is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &ScoringService{oracle: oracle, observer: observer, cfg: cfg}, nil
}

// Score never returns an error: oracle faults are logged, counted, and
// replaced by the fallback prediction.
func (s *ScoringService) Score(ctx context.Context, tx domain.Transaction) domain.Prediction {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	pred, err := s.oracle.Score(ctx, tx)
	if err != nil {
		slog.Warn("scoring fallback", "tx_id", tx.ID, "err", errors.Join(ErrScoringUnavailable, err))
		if s.observer != nil {
			s.observer.OnScoringFallback(tx.ID)
		}
		return FallbackPrediction(s.cfg.ModelID)
	}
	if pred.ModelID == "" {
		pred.ModelID = s.cfg.ModelID
	}
	return pred
}
