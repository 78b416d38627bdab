package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"fraudledger/internal/application"
	"fraudledger/internal/domain"
	"fraudledger/internal/metadata"
)

// apiStore backs both the recorder and the query surface in tests.
type apiStore struct {
	mu           sync.Mutex
	transactions map[string]domain.Transaction
	alerts       map[string]domain.FraudAlert
	records      map[string]domain.LedgerRecord
	recent       []domain.Transaction
	pingErr      error
}

func newAPIStore() *apiStore {
	return &apiStore{
		transactions: make(map[string]domain.Transaction),
		alerts:       make(map[string]domain.FraudAlert),
		records:      make(map[string]domain.LedgerRecord),
	}
}

func (s *apiStore) StoreTransaction(ctx context.Context, tx domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[tx.ID] = tx
	return nil
}

func (s *apiStore) GetTransaction(ctx context.Context, id string) (domain.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	return tx, ok, nil
}

func (s *apiStore) CreateAlertIfAbsent(ctx context.Context, alert domain.FraudAlert) (domain.FraudAlert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.alerts {
		if existing.TransactionID == alert.TransactionID {
			return existing, false, nil
		}
	}
	s.alerts[alert.ID] = alert
	return alert, true, nil
}

func (s *apiStore) GetAlertByTransaction(ctx context.Context, txID string) (domain.FraudAlert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, alert := range s.alerts {
		if alert.TransactionID == txID {
			return alert, true, nil
		}
	}
	return domain.FraudAlert{}, false, nil
}

func (s *apiStore) LinkAlertLedger(ctx context.Context, alertID, txHash, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return errors.New("alert not found")
	}
	alert.LedgerTxHash = txHash
	alert.TokenID = tokenID
	s.alerts[alertID] = alert
	return nil
}

func (s *apiStore) CreateLedgerRecordIfAbsent(ctx context.Context, record domain.LedgerRecord) (domain.LedgerRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maxAttempt := 0
	for _, existing := range s.records {
		if existing.TransactionID != record.TransactionID {
			continue
		}
		if existing.Status != domain.StatusFailed {
			return existing, false, nil
		}
		if existing.Attempt > maxAttempt {
			maxAttempt = existing.Attempt
		}
	}
	record.Attempt = maxAttempt + 1
	s.records[record.ID] = record
	return record, true, nil
}

func (s *apiStore) GetLedgerRecord(ctx context.Context, id string) (domain.LedgerRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	return record, ok, nil
}

func (s *apiStore) LatestLedgerRecord(ctx context.Context, txID string) (domain.LedgerRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest domain.LedgerRecord
	found := false
	for _, record := range s.records {
		if record.TransactionID == txID && record.Attempt > latest.Attempt {
			latest = record
			found = true
		}
	}
	return latest, found, nil
}

func (s *apiStore) ListLedgerRecordsByStatus(ctx context.Context, status domain.ConfirmationStatus, limit int) ([]domain.LedgerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LedgerRecord
	for _, record := range s.records {
		if record.Status == status {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *apiStore) SetLedgerRecordSubmitted(ctx context.Context, id, txHash, tokenID string, submitCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return errors.New("record not found")
	}
	record.TxHash = txHash
	record.TokenID = tokenID
	record.SubmitCount = submitCount
	s.records[id] = record
	return nil
}

func (s *apiStore) ScheduleLedgerRetry(ctx context.Context, id string, submitCount int, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return errors.New("record not found")
	}
	record.SubmitCount = submitCount
	record.NextRetryAt = nextRetryAt
	s.records[id] = record
	return nil
}

func (s *apiStore) MarkLedgerRecordConfirmed(ctx context.Context, id string, blockHeight uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok || record.Status != domain.StatusPending {
		return false, nil
	}
	record.Status = domain.StatusConfirmed
	record.BlockHeight = blockHeight
	s.records[id] = record
	return true, nil
}

func (s *apiStore) MarkLedgerRecordFailed(ctx context.Context, id, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok || record.Status != domain.StatusPending {
		return false, nil
	}
	record.Status = domain.StatusFailed
	record.FailureReason = reason
	s.records[id] = record
	return true, nil
}

func (s *apiStore) ListAlerts(ctx context.Context, filter application.AlertQueryFilter) ([]domain.FraudAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.FraudAlert
	for _, alert := range s.alerts {
		if filter.Severity != "" && alert.Severity != filter.Severity {
			continue
		}
		if filter.Status != "" && alert.Status != filter.Status {
			continue
		}
		out = append(out, alert)
	}
	return out, nil
}

func (s *apiStore) ListRecent(ctx context.Context, filter application.HistoryQueryFilter) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range s.recent {
		if filter.OnlyFraud && !tx.IsFraud {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func (s *apiStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

type apiLedger struct {
	mu        sync.Mutex
	submitErr error
	submits   int
}

func (l *apiLedger) Submit(ctx context.Context, metadata []byte) (application.SubmitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submits++
	if l.submitErr != nil {
		return application.SubmitResult{}, l.submitErr
	}
	return application.SubmitResult{TxHash: "hash-1", TokenID: "token-1", SubmittedAt: time.Now().UTC()}, nil
}

func (l *apiLedger) QueryStatus(ctx context.Context, txHash string) (application.LedgerStatus, error) {
	return application.LedgerStatus{}, nil
}

func (l *apiLedger) QueryByReference(ctx context.Context, reference string) (string, bool, error) {
	return "", false, nil
}

func newTestServer(t *testing.T, store *apiStore, ledger *apiLedger) *Server {
	t.Helper()
	codec := metadata.NewCodec(0)
	recorder, err := application.NewAlertRecorder(store, ledger, codec, nil, application.RecorderConfig{
		ModelID: "xgb-kmeans-v1",
		Thresholds: domain.SeverityThresholds{
			Medium: 0.5,
			High:   0.8,
		},
	})
	if err != nil {
		t.Fatalf("recorder construction failed: %v", err)
	}
	audit, err := application.NewAuditService(store, ledger, codec)
	if err != nil {
		t.Fatalf("audit construction failed: %v", err)
	}
	server, err := NewServer(store, recorder, audit, nil, NewMetrics(), BuildInfo{Version: "test"})
	if err != nil {
		t.Fatalf("server construction failed: %v", err)
	}
	return server
}

func recordBody(txID string, fraud bool) string {
	status := "false"
	if fraud {
		status = "true"
	}
	return `{
		"transaction": {
			"id": "` + txID + `",
			"amount": 5000,
			"currency": "USD",
			"merchant_name": "QuickCash",
			"merchant_category": "atm",
			"timestamp": "2026-03-14T09:26:53Z"
		},
		"prediction": {
			"is_fraud": ` + status + `,
			"fraud_score": 0.85,
			"confidence": 0.92,
			"model_id": "xgb-kmeans-v1"
		}
	}`
}

func doRequest(t *testing.T, server *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not a JSON object: %v\n%s", err, rec.Body.String())
	}
	return out
}

func TestHandleRecord_Success(t *testing.T) {
	store := newAPIStore()
	server := newTestServer(t, store, &apiLedger{})

	rec := doRequest(t, server, http.MethodPost, "/alerts/record", recordBody("TX1", true))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["tx_hash"] != "hash-1" {
		t.Errorf("expected tx_hash hash-1, got %v", body["tx_hash"])
	}
	if body["status"] != string(domain.StatusPending) {
		t.Errorf("expected pending record, got %v", body["status"])
	}
	if _, ok, _ := store.GetAlertByTransaction(context.Background(), "TX1"); !ok {
		t.Error("alert not persisted")
	}
}

func TestHandleRecord_NotEligible(t *testing.T) {
	store := newAPIStore()
	ledger := &apiLedger{}
	server := newTestServer(t, store, ledger)

	rec := doRequest(t, server, http.MethodPost, "/alerts/record", recordBody("TX1", false))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	if ledger.submits != 0 {
		t.Errorf("ineligible transaction must not reach the ledger, saw %d submissions", ledger.submits)
	}
}

func TestHandleRecord_MissingPrediction(t *testing.T) {
	server := newTestServer(t, newAPIStore(), &apiLedger{})

	body := `{"transaction": {"id": "TX1", "amount": 5000, "currency": "USD", "timestamp": "2026-03-14T09:26:53Z"}}`
	rec := doRequest(t, server, http.MethodPost, "/alerts/record", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "prediction is required") {
		t.Errorf("unexpected error body: %s", rec.Body.String())
	}
}

func TestHandleRecord_MissingTransactionID(t *testing.T) {
	server := newTestServer(t, newAPIStore(), &apiLedger{})

	rec := doRequest(t, server, http.MethodPost, "/alerts/record", recordBody("", true))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleRecord_LedgerRejection(t *testing.T) {
	store := newAPIStore()
	ledger := &apiLedger{submitErr: application.ErrLedgerRejected}
	server := newTestServer(t, store, ledger)

	rec := doRequest(t, server, http.MethodPost, "/alerts/record", recordBody("TX1", true))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	record, ok := body["record"].(map[string]any)
	if !ok {
		t.Fatalf("expected record in error response, got %v", body)
	}
	if record["status"] != string(domain.StatusFailed) {
		t.Errorf("expected failed record in response, got %v", record["status"])
	}
	detail, _ := body["detail"].(string)
	if !strings.Contains(detail, "ledger_rejected") {
		t.Errorf("detail must carry the failure reason, got %q", detail)
	}
}

func TestHandleRecord_MethodNotAllowed(t *testing.T) {
	server := newTestServer(t, newAPIStore(), &apiLedger{})

	rec := doRequest(t, server, http.MethodGet, "/alerts/record", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleBatch(t *testing.T) {
	store := newAPIStore()
	ledger := &apiLedger{}
	server := newTestServer(t, store, ledger)

	body := `{"items": [` +
		recordBody("TX1", true) + `,` +
		recordBody("TX2", false) + `,` +
		recordBody("TX3", true) + `]}`
	rec := doRequest(t, server, http.MethodPost, "/alerts/batch", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var out struct {
		Results []struct {
			TransactionID string         `json:"transaction_id"`
			Error         string         `json:"error"`
			Record        map[string]any `json:"record"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(out.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out.Results))
	}
	if out.Results[0].Error != "" || out.Results[0].Record["tx_hash"] != "hash-1" {
		t.Errorf("unexpected first result: %+v", out.Results[0])
	}
	if out.Results[1].Error != "not_eligible" || out.Results[1].Record != nil {
		t.Errorf("unexpected second result: %+v", out.Results[1])
	}
	if out.Results[2].Error != "" {
		t.Errorf("unexpected third result: %+v", out.Results[2])
	}
	if ledger.submits != 2 {
		t.Errorf("expected 2 submissions, got %d", ledger.submits)
	}
}

func TestHandleBatch_EmptyItems(t *testing.T) {
	server := newTestServer(t, newAPIStore(), &apiLedger{})

	rec := doRequest(t, server, http.MethodPost, "/alerts/batch", `{"items": []}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleAlerts_SeverityFilter(t *testing.T) {
	store := newAPIStore()
	server := newTestServer(t, store, &apiLedger{})

	doRequest(t, server, http.MethodPost, "/alerts/record", recordBody("TX1", true))

	rec := doRequest(t, server, http.MethodGet, "/alerts?severity=high", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var alerts []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &alerts); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(alerts) != 1 || alerts[0]["transaction_id"] != "TX1" {
		t.Errorf("unexpected alerts: %v", alerts)
	}

	rec = doRequest(t, server, http.MethodGet, "/alerts?severity=low", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &alerts); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("expected no low alerts, got %v", alerts)
	}
}

func TestHandleRecords_DefaultsToPending(t *testing.T) {
	store := newAPIStore()
	server := newTestServer(t, store, &apiLedger{})

	doRequest(t, server, http.MethodPost, "/alerts/record", recordBody("TX1", true))

	rec := doRequest(t, server, http.MethodGet, "/records", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var records []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(records) != 1 || records[0]["status"] != string(domain.StatusPending) {
		t.Errorf("unexpected records: %v", records)
	}
}

func TestHandleVerify(t *testing.T) {
	store := newAPIStore()
	server := newTestServer(t, store, &apiLedger{})

	rec := doRequest(t, server, http.MethodGet, "/verify?tx_id=TX404", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["verification"] != string(application.VerificationNotFound) {
		t.Errorf("expected not_found, got %v", body["verification"])
	}

	rec = doRequest(t, server, http.MethodGet, "/verify", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing tx_id must be rejected, got %d", rec.Code)
	}
}

func TestHandleAudit(t *testing.T) {
	store := newAPIStore()
	server := newTestServer(t, store, &apiLedger{})

	doRequest(t, server, http.MethodPost, "/alerts/record", recordBody("TX1", true))

	rec := doRequest(t, server, http.MethodGet, "/audit?tx_id=TX1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["verification"] != string(application.VerificationPending) {
		t.Errorf("expected pending verification, got %v", body["verification"])
	}
	payload, ok := body["payload"].(map[string]any)
	if !ok {
		t.Fatalf("expected decoded payload, got %v", body)
	}
	if payload["flag"] != "Suspicious" || payload["transaction_id"] != "TX1" {
		t.Errorf("unexpected payload: %v", payload)
	}
}

func TestHandleRecentTransactions(t *testing.T) {
	store := newAPIStore()
	store.recent = []domain.Transaction{
		{ID: "TX1", Amount: 5000, IsFraud: true, FraudScore: 0.85},
		{ID: "TX2", Amount: 12, IsFraud: false, FraudScore: 0.1},
	}
	server := newTestServer(t, store, &apiLedger{})

	rec := doRequest(t, server, http.MethodGet, "/transactions/recent?only_fraud=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var transactions []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &transactions); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(transactions) != 1 || transactions[0]["id"] != "TX1" {
		t.Errorf("unexpected transactions: %v", transactions)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	store := newAPIStore()
	server := newTestServer(t, store, &apiLedger{})

	if rec := doRequest(t, server, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", rec.Code)
	}
	if rec := doRequest(t, server, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Errorf("readyz: expected 200, got %d", rec.Code)
	}

	store.pingErr = errors.New("db down")
	if rec := doRequest(t, server, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with failing store: expected 503, got %d", rec.Code)
	}
}

func TestHandleMetrics(t *testing.T) {
	store := newAPIStore()
	server := newTestServer(t, store, &apiLedger{})

	doRequest(t, server, http.MethodPost, "/alerts/record", recordBody("TX1", true))
	server.MetricsObserver().OnAlertRecorded(domain.FraudAlert{}, domain.LedgerRecord{})

	rec := doRequest(t, server, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"fraudledger_uptime_seconds",
		"fraudledger_alerts_recorded_total 1",
		"fraudledger_records_confirmed_total 0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestHandleVersion(t *testing.T) {
	server := newTestServer(t, newAPIStore(), &apiLedger{})

	rec := doRequest(t, server, http.MethodGet, "/version", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if decodeBody(t, rec)["version"] != "test" {
		t.Errorf("unexpected version body: %s", rec.Body.String())
	}
}

func TestParseLimit_Invalid(t *testing.T) {
	server := newTestServer(t, newAPIStore(), &apiLedger{})

	rec := doRequest(t, server, http.MethodGet, "/alerts?limit=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
