package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"fraudledger/internal/application"
	"fraudledger/internal/domain"
	"fraudledger/internal/metadata"
)

// QueryStore is the read surface the API needs from storage.
type QueryStore interface {
	ListAlerts(ctx context.Context, filter application.AlertQueryFilter) ([]domain.FraudAlert, error)
	ListLedgerRecordsByStatus(ctx context.Context, status domain.ConfirmationStatus, limit int) ([]domain.LedgerRecord, error)
	ListRecent(ctx context.Context, filter application.HistoryQueryFilter) ([]domain.Transaction, error)
	Ping(ctx context.Context) error
}

type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

type Server struct {
	store     QueryStore
	recorder  *application.AlertRecorder
	audit     *application.AuditService
	scoring   *application.ScoringService
	metrics   *Metrics
	buildInfo BuildInfo
}

func NewServer(store QueryStore, recorder *application.AlertRecorder, audit *application.AuditService, scoring *application.ScoringService, metrics *Metrics, buildInfo BuildInfo) (*Server, error) {
	if store == nil || recorder == nil || audit == nil {
		return nil, errors.New("http server dependencies must not be nil")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{store: store, recorder: recorder, audit: audit, scoring: scoring, metrics: metrics, buildInfo: buildInfo}, nil
}

func (s *Server) MetricsObserver() *Metrics {
	return s.metrics
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/alerts/record", s.handleRecord)
	mux.HandleFunc("/alerts/batch", s.handleBatch)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/records", s.handleRecords)
	mux.HandleFunc("/audit", s.handleAudit)
	mux.HandleFunc("/verify", s.handleVerify)
	mux.HandleFunc("/transactions/recent", s.handleRecentTransactions)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/version", s.handleVersion)
	return mux
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type transactionPayload struct {
	ID               string    `json:"id"`
	Amount           float64   `json:"amount"`
	Currency         string    `json:"currency"`
	MerchantName     string    `json:"merchant_name"`
	MerchantCategory string    `json:"merchant_category"`
	Timestamp        time.Time `json:"timestamp"`
	LocationLat      float64   `json:"location_lat"`
	LocationLng      float64   `json:"location_lng"`
}

type predictionPayload struct {
	IsFraud         bool              `json:"is_fraud"`
	FraudScore      float64           `json:"fraud_score"`
	XGBProbability  float64           `json:"xgb_probability"`
	KMeansAnomaly   bool              `json:"kmeans_anomaly"`
	AnomalyDistance float64           `json:"anomaly_distance"`
	Confidence      float64           `json:"confidence"`
	ModelID         string            `json:"model_id"`
	Features        map[string]string `json:"features"`
}

type recordRequest struct {
	Transaction transactionPayload `json:"transaction"`
	Prediction  *predictionPayload `json:"prediction"`
	ManualFlag  bool               `json:"manual_flag"`
}

type batchRequest struct {
	Items []recordRequest `json:"items"`
}

func (p transactionPayload) toDomain() domain.Transaction {
	return domain.Transaction{
		ID:               p.ID,
		Amount:           p.Amount,
		Currency:         p.Currency,
		MerchantName:     p.MerchantName,
		MerchantCategory: p.MerchantCategory,
		Timestamp:        p.Timestamp,
		LocationLat:      p.LocationLat,
		LocationLng:      p.LocationLng,
	}
}

func (p predictionPayload) toDomain() domain.Prediction {
	return domain.Prediction{
		IsFraud:         p.IsFraud,
		FraudScore:      p.FraudScore,
		XGBProbability:  p.XGBProbability,
		KMeansAnomaly:   p.KMeansAnomaly,
		AnomalyDistance: p.AnomalyDistance,
		Confidence:      p.Confidence,
		ModelID:         p.ModelID,
		Features:        p.Features,
	}
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req recordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Transaction.ID) == "" {
		respondError(w, http.StatusBadRequest, "transaction.id is required")
		return
	}

	tx := req.Transaction.toDomain()
	pred, err := s.resolvePrediction(r.Context(), tx, req.Prediction)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	record, err := s.recorder.RecordAlert(r.Context(), tx, pred, application.RecordOptions{ManualFlag: req.ManualFlag})
	if err != nil {
		if errors.Is(err, application.ErrNotEligible) {
			respondError(w, http.StatusUnprocessableEntity, "transaction not flagged as fraud")
			return
		}
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"error":  "recording failed",
			"detail": err.Error(),
			"record": recordView(record),
		})
		return
	}
	respondJSON(w, http.StatusOK, recordView(record))
}

// resolvePrediction uses the inline prediction when the caller supplies one,
// otherwise scores the transaction server-side.
func (s *Server) resolvePrediction(ctx context.Context, tx domain.Transaction, inline *predictionPayload) (domain.Prediction, error) {
	if inline != nil {
		return inline.toDomain(), nil
	}
	if s.scoring == nil {
		return domain.Prediction{}, errors.New("prediction is required")
	}
	return s.scoring.Score(ctx, tx), nil
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Items) == 0 {
		respondError(w, http.StatusBadRequest, "items must not be empty")
		return
	}

	items := make([]application.BatchItem, 0, len(req.Items))
	for i, item := range req.Items {
		if strings.TrimSpace(item.Transaction.ID) == "" {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("items[%d].transaction.id is required", i))
			return
		}
		tx := item.Transaction.toDomain()
		pred, err := s.resolvePrediction(r.Context(), tx, item.Prediction)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("items[%d]: %s", i, err))
			return
		}
		items = append(items, application.BatchItem{Transaction: tx, Prediction: pred})
	}

	results := s.recorder.RecordBatch(r.Context(), items)
	out := make([]map[string]any, 0, len(results))
	for _, result := range results {
		entry := map[string]any{
			"transaction_id": result.TransactionID,
			"record":         recordView(result.Record),
		}
		if result.Err != nil {
			if errors.Is(result.Err, application.ErrNotEligible) {
				entry["error"] = "not_eligible"
				entry["record"] = nil
			} else {
				entry["error"] = result.Err.Error()
			}
		}
		out = append(out, entry)
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	alerts, err := s.store.ListAlerts(r.Context(), application.AlertQueryFilter{
		Severity: domain.Severity(r.URL.Query().Get("severity")),
		Status:   domain.AlertStatus(r.URL.Query().Get("status")),
		Limit:    limit,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	views := make([]map[string]any, 0, len(alerts))
	for _, alert := range alerts {
		views = append(views, alertView(alert))
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := domain.ConfirmationStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.StatusPending
	}
	records, err := s.store.ListLedgerRecordsByStatus(r.Context(), status, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	views := make([]map[string]any, 0, len(records))
	for _, record := range records {
		views = append(views, recordView(record))
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	txID := strings.TrimSpace(r.URL.Query().Get("tx_id"))
	if txID == "" {
		respondError(w, http.StatusBadRequest, "tx_id is required")
		return
	}
	trail, err := s.audit.GetAuditTrail(r.Context(), txID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "audit failed")
		return
	}
	respondJSON(w, http.StatusOK, auditView(trail))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	txID := strings.TrimSpace(r.URL.Query().Get("tx_id"))
	if txID == "" {
		respondError(w, http.StatusBadRequest, "tx_id is required")
		return
	}
	status, err := s.audit.VerifyTransaction(r.Context(), txID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"transaction_id": txID,
		"verification":   string(status),
	})
}

func (s *Server) handleRecentTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	transactions, err := s.store.ListRecent(r.Context(), application.HistoryQueryFilter{
		OnlyFraud: r.URL.Query().Get("only_fraud") == "true",
		Limit:     limit,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	views := make([]map[string]any, 0, len(transactions))
	for _, tx := range transactions {
		views = append(views, transactionView(tx))
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	snap := s.metrics.Snapshot()

	fmt.Fprintf(w, "fraudledger_uptime_seconds %.0f\n", time.Since(snap.StartTime).Seconds())
	fmt.Fprintf(w, "fraudledger_alerts_recorded_total %d\n", snap.AlertsRecorded)
	fmt.Fprintf(w, "fraudledger_not_eligible_total %d\n", snap.NotEligible)
	fmt.Fprintf(w, "fraudledger_records_confirmed_total %d\n", snap.RecordsConfirmed)
	fmt.Fprintf(w, "fraudledger_last_confirmed_block_height %d\n", snap.LastBlockHeight)
	fmt.Fprintf(w, "fraudledger_sweeps_total %d\n", snap.Sweeps)
	fmt.Fprintf(w, "fraudledger_resubmissions_total %d\n", snap.Resubmissions)
	fmt.Fprintf(w, "fraudledger_sweep_last_checked %d\n", snap.LastSweep.Checked)
	fmt.Fprintf(w, "fraudledger_sweep_last_errors %d\n", snap.LastSweep.Errors)
	fmt.Fprintf(w, "fraudledger_scoring_fallbacks_total %d\n", snap.ScoringFallbacks)
	fmt.Fprintf(w, "fraudledger_ingest_messages_total %d\n", snap.IngestMessages)
	fmt.Fprintf(w, "fraudledger_ingest_decode_errors_total %d\n", snap.IngestDecodeErrs)
	fmt.Fprintf(w, "fraudledger_ingest_apply_errors_total %d\n", snap.IngestApplyErrs)
	fmt.Fprintf(w, "fraudledger_ingest_commit_errors_total %d\n", snap.IngestCommitErrs)
	fmt.Fprintf(w, "fraudledger_ingest_fetch_errors_total %d\n", snap.IngestFetchErrs)
	writeReasonCounts(w, "fraudledger_submit_failures_total", snap.SubmitFailures)
	writeReasonCounts(w, "fraudledger_records_failed_total", snap.RecordsFailed)
}

func writeReasonCounts(w http.ResponseWriter, name string, counts map[string]uint64) {
	reasons := make([]string, 0, len(counts))
	for reason := range counts {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		fmt.Fprintf(w, "%s{reason=%q} %d\n", name, reason, counts[reason])
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version":    s.buildInfo.Version,
		"commit":     s.buildInfo.Commit,
		"build_time": s.buildInfo.BuildTime,
	})
}

func recordView(record domain.LedgerRecord) map[string]any {
	if record.ID == "" {
		return nil
	}
	view := map[string]any{
		"id":             record.ID,
		"transaction_id": record.TransactionID,
		"attempt":        record.Attempt,
		"status":         string(record.Status),
		"block_height":   record.BlockHeight,
		"submit_count":   record.SubmitCount,
		"created_at":     record.CreatedAt,
		"updated_at":     record.UpdatedAt,
	}
	if record.TxHash != "" {
		view["tx_hash"] = record.TxHash
	}
	if record.TokenID != "" {
		view["token_id"] = record.TokenID
	}
	if record.FailureReason != "" {
		view["failure_reason"] = record.FailureReason
	}
	if !record.NextRetryAt.IsZero() {
		view["next_retry_at"] = record.NextRetryAt
	}
	return view
}

func alertView(alert domain.FraudAlert) map[string]any {
	view := map[string]any{
		"id":             alert.ID,
		"transaction_id": alert.TransactionID,
		"type":           string(alert.Type),
		"severity":       string(alert.Severity),
		"confidence":     alert.Confidence,
		"model_id":       alert.ModelID,
		"status":         string(alert.Status),
		"created_at":     alert.CreatedAt,
	}
	if len(alert.Features) > 0 {
		view["features"] = alert.Features
	}
	if alert.LedgerTxHash != "" {
		view["ledger_tx_hash"] = alert.LedgerTxHash
	}
	if alert.TokenID != "" {
		view["token_id"] = alert.TokenID
	}
	return view
}

func transactionView(tx domain.Transaction) map[string]any {
	return map[string]any{
		"id":                tx.ID,
		"amount":            tx.Amount,
		"currency":          tx.Currency,
		"merchant_name":     tx.MerchantName,
		"merchant_category": tx.MerchantCategory,
		"timestamp":         tx.Timestamp,
		"location_lat":      tx.LocationLat,
		"location_lng":      tx.LocationLng,
		"fraud_score":       tx.FraudScore,
		"is_fraud":          tx.IsFraud,
	}
}

func auditView(trail application.AuditTrail) map[string]any {
	view := map[string]any{
		"transaction_id": trail.TransactionID,
		"verification":   string(trail.Verification),
	}
	if trail.Detail != "" {
		view["detail"] = trail.Detail
	}
	if trail.Alert != nil {
		view["alert"] = alertView(*trail.Alert)
	}
	if trail.Record != nil {
		view["record"] = recordView(*trail.Record)
	}
	if trail.Payload != nil {
		view["payload"] = payloadView(*trail.Payload)
	}
	return view
}

func payloadView(payload metadata.Payload) map[string]any {
	view := map[string]any{
		"schema_version": payload.SchemaVersion,
		"alert_type":     payload.AlertType,
		"transaction_id": payload.TransactionID,
		"amount":         payload.Amount,
		"currency":       payload.Currency,
		"flag":           payload.Flag,
		"fraud_score":    payload.FraudScore,
		"confidence":     payload.Confidence,
		"timestamp":      payload.Timestamp,
	}
	if payload.MerchantName != "" {
		view["merchant_name"] = payload.MerchantName
	}
	if payload.MerchantCategory != "" {
		view["merchant_category"] = payload.MerchantCategory
	}
	if payload.ModelID != "" {
		view["model_id"] = payload.ModelID
	}
	if len(payload.Features) > 0 {
		view["features"] = payload.Features
	}
	return view
}

func parseLimit(r *http.Request) (int, error) {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return 0, errors.New("invalid limit")
		}
		return value, nil
	}
	return 100, nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
