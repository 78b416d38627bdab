package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fraudledger/internal/domain"
	"fraudledger/internal/metadata"
)

// memStore is an in-memory RecordStore honoring the atomic
// check-and-insert contract under its mutex.
type memStore struct {
	mu           sync.Mutex
	transactions map[string]domain.Transaction
	alerts       map[string]domain.FraudAlert
	records      map[string]domain.LedgerRecord
}

func newMemStore() *memStore {
	return &memStore{
		transactions: make(map[string]domain.Transaction),
		alerts:       make(map[string]domain.FraudAlert),
		records:      make(map[string]domain.LedgerRecord),
	}
}

func (m *memStore) StoreTransaction(ctx context.Context, tx domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[tx.ID] = tx
	return nil
}

func (m *memStore) GetTransaction(ctx context.Context, id string) (domain.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	return tx, ok, nil
}

func (m *memStore) CreateAlertIfAbsent(ctx context.Context, alert domain.FraudAlert) (domain.FraudAlert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.alerts[alert.TransactionID]; ok {
		return existing, false, nil
	}
	m.alerts[alert.TransactionID] = alert
	return alert, true, nil
}

func (m *memStore) GetAlertByTransaction(ctx context.Context, txID string) (domain.FraudAlert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[txID]
	return alert, ok, nil
}

func (m *memStore) LinkAlertLedger(ctx context.Context, alertID, txHash, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for txID, alert := range m.alerts {
		if alert.ID == alertID {
			alert.LedgerTxHash = txHash
			alert.TokenID = tokenID
			m.alerts[txID] = alert
			return nil
		}
	}
	return fmt.Errorf("alert %s not found", alertID)
}

func (m *memStore) CreateLedgerRecordIfAbsent(ctx context.Context, record domain.LedgerRecord) (domain.LedgerRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	maxAttempt := 0
	for _, existing := range m.records {
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
	record.Status = domain.StatusPending
	m.records[record.ID] = record
	return record, true, nil
}

func (m *memStore) GetLedgerRecord(ctx context.Context, id string) (domain.LedgerRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	return record, ok, nil
}

func (m *memStore) LatestLedgerRecord(ctx context.Context, txID string) (domain.LedgerRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest domain.LedgerRecord
	found := false
	for _, record := range m.records {
		if record.TransactionID == txID && record.Attempt > latest.Attempt {
			latest = record
			found = true
		}
	}
	return latest, found, nil
}

func (m *memStore) ListLedgerRecordsByStatus(ctx context.Context, status domain.ConfirmationStatus, limit int) ([]domain.LedgerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []domain.LedgerRecord
	for _, record := range m.records {
		if record.Status == status {
			records = append(records, record)
		}
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, nil
}

func (m *memStore) SetLedgerRecordSubmitted(ctx context.Context, id, txHash, tokenID string, submitCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return fmt.Errorf("record %s not found", id)
	}
	record.TxHash = txHash
	record.TokenID = tokenID
	record.SubmitCount = submitCount
	record.NextRetryAt = time.Time{}
	m.records[id] = record
	return nil
}

func (m *memStore) ScheduleLedgerRetry(ctx context.Context, id string, submitCount int, nextRetryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return fmt.Errorf("record %s not found", id)
	}
	record.SubmitCount = submitCount
	record.NextRetryAt = nextRetryAt
	m.records[id] = record
	return nil
}

func (m *memStore) MarkLedgerRecordConfirmed(ctx context.Context, id string, blockHeight uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok || record.Status != domain.StatusPending {
		return false, nil
	}
	record.Status = domain.StatusConfirmed
	record.BlockHeight = blockHeight
	m.records[id] = record
	return true, nil
}

func (m *memStore) MarkLedgerRecordFailed(ctx context.Context, id, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok || record.Status != domain.StatusPending {
		return false, nil
	}
	record.Status = domain.StatusFailed
	record.FailureReason = reason
	m.records[id] = record
	return true, nil
}

// mutateRecord edits a stored record directly, bypassing the store contract.
func (m *memStore) mutateRecord(id string, fn func(*domain.LedgerRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record := m.records[id]
	fn(&record)
	m.records[id] = record
}

type fakeLedger struct {
	mu          sync.Mutex
	submitErr   error
	submitCalls int
	nextHash    int
	statuses    map[string]LedgerStatus
	statusErr   error
	references  map[string]string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		statuses:   make(map[string]LedgerStatus),
		references: make(map[string]string),
	}
}

func (f *fakeLedger) Submit(ctx context.Context, metadata []byte) (SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.submitErr != nil {
		return SubmitResult{}, f.submitErr
	}
	f.nextHash++
	return SubmitResult{
		TxHash:      fmt.Sprintf("hash-%d", f.nextHash),
		TokenID:     fmt.Sprintf("token-%d", f.nextHash),
		SubmittedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeLedger) QueryStatus(ctx context.Context, txHash string) (LedgerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return LedgerStatus{}, f.statusErr
	}
	return f.statuses[txHash], nil
}

func (f *fakeLedger) QueryByReference(ctx context.Context, reference string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash, ok := f.references[reference]
	return hash, ok, nil
}

func (f *fakeLedger) setSubmitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

func (f *fakeLedger) setStatus(hash string, status LedgerStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[hash] = status
}

func (f *fakeLedger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls
}

type recordingObserver struct {
	mu          sync.Mutex
	recorded    []string
	notEligible []string
	failed      map[string]string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{failed: make(map[string]string)}
}

func (o *recordingObserver) OnAlertRecorded(alert domain.FraudAlert, record domain.LedgerRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recorded = append(o.recorded, alert.TransactionID)
}

func (o *recordingObserver) OnNotEligible(txID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notEligible = append(o.notEligible, txID)
}

func (o *recordingObserver) OnSubmitFailed(txID string, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[txID] = reason
}

func fraudTransaction(id string) domain.Transaction {
	return domain.Transaction{
		ID:        id,
		Amount:    5000,
		Currency:  "USD",
		Timestamp: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}
}

func fraudPrediction() domain.Prediction {
	return domain.Prediction{
		IsFraud:    true,
		FraudScore: 0.85,
		Confidence: 0.92,
		ModelID:    "xgb-kmeans-v1",
	}
}

func newTestRecorder(t *testing.T, store RecordStore, ledger LedgerClient, observer RecorderObserver) *AlertRecorder {
	t.Helper()
	recorder, err := NewAlertRecorder(store, ledger, metadata.NewCodec(0), observer, RecorderConfig{
		ModelID: "xgb-kmeans-v1",
		Thresholds: domain.SeverityThresholds{
			Medium: 0.5,
			High:   0.8,
		},
	})
	if err != nil {
		t.Fatalf("recorder construction failed: %v", err)
	}
	return recorder
}

func TestRecordAlert_SubmitsAndLinks(t *testing.T) {
	store := newMemStore()
	ledger := newFakeLedger()
	observer := newRecordingObserver()
	recorder := newTestRecorder(t, store, ledger, observer)
	ctx := context.Background()

	record, err := recorder.RecordAlert(ctx, fraudTransaction("TX1"), fraudPrediction(), RecordOptions{})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if record.TxHash != "hash-1" {
		t.Errorf("expected hash-1, got %s", record.TxHash)
	}
	if record.SubmitCount != 1 {
		t.Errorf("expected submit count 1, got %d", record.SubmitCount)
	}
	if record.Status != domain.StatusPending {
		t.Errorf("expected pending status, got %s", record.Status)
	}

	alert, ok, _ := store.GetAlertByTransaction(ctx, "TX1")
	if !ok {
		t.Fatal("alert not persisted")
	}
	if alert.Severity != domain.SeverityHigh {
		t.Errorf("expected high severity for score 0.85, got %s", alert.Severity)
	}
	if alert.LedgerTxHash != "hash-1" {
		t.Errorf("alert not linked to ledger: %q", alert.LedgerTxHash)
	}
	tx, ok, _ := store.GetTransaction(ctx, "TX1")
	if !ok || !tx.IsFraud {
		t.Error("transaction not stored as fraudulent")
	}
	if len(observer.recorded) != 1 {
		t.Errorf("expected 1 recorded notification, got %d", len(observer.recorded))
	}
}

func TestRecordAlert_NotEligible(t *testing.T) {
	store := newMemStore()
	ledger := newFakeLedger()
	observer := newRecordingObserver()
	recorder := newTestRecorder(t, store, ledger, observer)

	pred := fraudPrediction()
	pred.IsFraud = false
	_, err := recorder.RecordAlert(context.Background(), fraudTransaction("TX1"), pred, RecordOptions{})
	if !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
	if ledger.calls() != 0 {
		t.Error("ledger must not be touched for ineligible transactions")
	}
	if _, ok, _ := store.GetAlertByTransaction(context.Background(), "TX1"); ok {
		t.Error("no alert row expected for ineligible transaction")
	}
	if len(observer.notEligible) != 1 {
		t.Errorf("expected 1 not-eligible notification, got %d", len(observer.notEligible))
	}
}

func TestRecordAlert_ManualFlag(t *testing.T) {
	store := newMemStore()
	ledger := newFakeLedger()
	recorder := newTestRecorder(t, store, ledger, nil)

	pred := fraudPrediction()
	pred.IsFraud = false
	record, err := recorder.RecordAlert(context.Background(), fraudTransaction("TX1"), pred, RecordOptions{ManualFlag: true})
	if err != nil {
		t.Fatalf("manual flag record failed: %v", err)
	}
	if record.TxHash == "" {
		t.Error("expected a submitted record for manually flagged transaction")
	}
}

func TestRecordAlert_Idempotent(t *testing.T) {
	store := newMemStore()
	ledger := newFakeLedger()
	recorder := newTestRecorder(t, store, ledger, nil)
	ctx := context.Background()

	first, err := recorder.RecordAlert(ctx, fraudTransaction("TX1"), fraudPrediction(), RecordOptions{})
	if err != nil {
		t.Fatalf("first record failed: %v", err)
	}
	second, err := recorder.RecordAlert(ctx, fraudTransaction("TX1"), fraudPrediction(), RecordOptions{})
	if err != nil {
		t.Fatalf("second record failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected same record, got %s and %s", first.ID, second.ID)
	}
	if ledger.calls() != 1 {
		t.Errorf("expected exactly 1 ledger submission, got %d", ledger.calls())
	}
}

func TestRecordAlert_ConcurrentDuplicates(t *testing.T) {
	store := newMemStore()
	ledger := newFakeLedger()
	recorder := newTestRecorder(t, store, ledger, nil)

	const callers = 16
	var wg sync.WaitGroup
	ids := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			record, err := recorder.RecordAlert(context.Background(), fraudTransaction("TX1"), fraudPrediction(), RecordOptions{})
			if err != nil {
				t.Errorf("concurrent record failed: %v", err)
				return
			}
			ids[i] = record.ID
		}(i)
	}
	wg.Wait()

	if ledger.calls() != 1 {
		t.Errorf("expected exactly 1 ledger submission under contention, got %d", ledger.calls())
	}
	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got record %s, caller 0 got %s", i, ids[i], ids[0])
		}
	}
}

func TestRecordAlert_TerminalRejection(t *testing.T) {
	store := newMemStore()
	ledger := newFakeLedger()
	ledger.setSubmitErr(ErrInsufficientFunds)
	observer := newRecordingObserver()
	recorder := newTestRecorder(t, store, ledger, observer)

	record, err := recorder.RecordAlert(context.Background(), fraudTransaction("TX1"), fraudPrediction(), RecordOptions{})
	if err == nil {
		t.Fatal("expected error for terminal rejection")
	}
	if record.Status != domain.StatusFailed {
		t.Errorf("expected failed status, got %s", record.Status)
	}
	stored, _, _ := store.GetLedgerRecord(context.Background(), record.ID)
	if stored.Status != domain.StatusFailed || stored.FailureReason != "insufficient_funds" {
		t.Errorf("expected persisted failure insufficient_funds, got %s/%s", stored.Status, stored.FailureReason)
	}
	if observer.failed["TX1"] != "insufficient_funds" {
		t.Errorf("expected failure notification, got %v", observer.failed)
	}
}

func TestRecordAlert_TransientFaultParksRecord(t *testing.T) {
	store := newMemStore()
	ledger := newFakeLedger()
	ledger.setSubmitErr(ErrLedgerUnavailable)
	recorder := newTestRecorder(t, store, ledger, nil)

	record, err := recorder.RecordAlert(context.Background(), fraudTransaction("TX1"), fraudPrediction(), RecordOptions{})
	if err != nil {
		t.Fatalf("transient fault must not surface as error: %v", err)
	}
	if record.Status != domain.StatusPending {
		t.Errorf("expected pending status, got %s", record.Status)
	}
	if record.TxHash != "" {
		t.Errorf("expected no hash, got %s", record.TxHash)
	}
	if record.SubmitCount != 1 {
		t.Errorf("expected submit count 1, got %d", record.SubmitCount)
	}
	stored, _, _ := store.GetLedgerRecord(context.Background(), record.ID)
	if stored.NextRetryAt.IsZero() {
		t.Error("expected a retry schedule on the stored record")
	}
}

func TestRecordAlert_FailedRecordSuperseded(t *testing.T) {
	store := newMemStore()
	ledger := newFakeLedger()
	ledger.setSubmitErr(ErrLedgerRejected)
	recorder := newTestRecorder(t, store, ledger, nil)
	ctx := context.Background()

	first, err := recorder.RecordAlert(ctx, fraudTransaction("TX1"), fraudPrediction(), RecordOptions{})
	if err == nil {
		t.Fatal("expected first submission to fail")
	}

	ledger.setSubmitErr(nil)
	second, err := recorder.RecordAlert(ctx, fraudTransaction("TX1"), fraudPrediction(), RecordOptions{})
	if err != nil {
		t.Fatalf("retry after failure errored: %v", err)
	}
	if second.ID == first.ID {
		t.Error("expected a fresh record after terminal failure")
	}
	if second.Attempt != first.Attempt+1 {
		t.Errorf("expected attempt %d, got %d", first.Attempt+1, second.Attempt)
	}
	if second.TxHash == "" {
		t.Error("expected successful resubmission")
	}
}

func TestRecordBatch_IsolatesFailures(t *testing.T) {
	store := newMemStore()
	ledger := newFakeLedger()
	recorder := newTestRecorder(t, store, ledger, nil)

	legit := fraudPrediction()
	legit.IsFraud = false
	items := []BatchItem{
		{Transaction: fraudTransaction("TX1"), Prediction: fraudPrediction()},
		{Transaction: fraudTransaction("TX2"), Prediction: legit},
		{Transaction: fraudTransaction("TX3"), Prediction: fraudPrediction()},
	}

	results := recorder.RecordBatch(context.Background(), items)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].TransactionID != "TX1" || results[1].TransactionID != "TX2" || results[2].TransactionID != "TX3" {
		t.Error("results must preserve input order")
	}
	if results[0].Err != nil {
		t.Errorf("TX1 should succeed: %v", results[0].Err)
	}
	if !errors.Is(results[1].Err, ErrNotEligible) {
		t.Errorf("TX2 should be ineligible, got %v", results[1].Err)
	}
	if results[2].Err != nil {
		t.Errorf("TX3 should succeed: %v", results[2].Err)
	}
	if ledger.calls() != 2 {
		t.Errorf("expected 2 submissions, got %d", ledger.calls())
	}
}

func TestRecordAlert_SeverityBoundaries(t *testing.T) {
	cases := []struct {
		name  string
		score float64
		want  domain.Severity
	}{
		{"below medium", 0.39, domain.SeverityLow},
		{"at medium", 0.4, domain.SeverityMedium},
		{"just below high", 0.89, domain.SeverityMedium},
		{"at high", 0.9, domain.SeverityHigh},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore()
			recorder, err := NewAlertRecorder(store, newFakeLedger(), metadata.NewCodec(0), nil, RecorderConfig{
				ModelID: "xgb-kmeans-v1",
				Thresholds: domain.SeverityThresholds{
					Medium: 0.4,
					High:   0.9,
				},
			})
			if err != nil {
				t.Fatalf("recorder construction failed: %v", err)
			}

			pred := fraudPrediction()
			pred.FraudScore = tc.score
			if _, err := recorder.RecordAlert(context.Background(), fraudTransaction("TX1"), pred, RecordOptions{}); err != nil {
				t.Fatalf("record failed: %v", err)
			}

			alert, ok, _ := store.GetAlertByTransaction(context.Background(), "TX1")
			if !ok {
				t.Fatal("alert not persisted")
			}
			if alert.Severity != tc.want {
				t.Errorf("score %v: expected %s severity, got %s", tc.score, tc.want, alert.Severity)
			}
		})
	}
}
