package httpapi

import (
	"sync"
	"time"

	"fraudledger/internal/application"
	"fraudledger/internal/domain"
)

// Metrics aggregates pipeline counters for the /metrics endpoint. It
// implements the recorder, tracker, and scoring observer interfaces so
// one instance can watch the whole pipeline.
type Metrics struct {
	mu               sync.RWMutex
	startTime        time.Time
	alertsRecorded   uint64
	notEligible      uint64
	submitFailures   map[string]uint64
	recordsConfirmed uint64
	recordsFailed    map[string]uint64
	lastBlockHeight  uint64
	sweeps           uint64
	lastSweep        application.SweepStats
	resubmissions    uint64
	scoringFallbacks uint64
	ingestMessages   uint64
	ingestDecodeErrs uint64
	ingestApplyErrs  uint64
	ingestCommitErrs uint64
	ingestFetchErrs  uint64
}

func NewMetrics() *Metrics {
	return &Metrics{
		startTime:      time.Now(),
		submitFailures: make(map[string]uint64),
		recordsFailed:  make(map[string]uint64),
	}
}

func (m *Metrics) OnAlertRecorded(alert domain.FraudAlert, record domain.LedgerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertsRecorded++
}

func (m *Metrics) OnNotEligible(txID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notEligible++
}

func (m *Metrics) OnSubmitFailed(txID string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitFailures[reason]++
}

func (m *Metrics) OnRecordConfirmed(record domain.LedgerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordsConfirmed++
	if record.BlockHeight > m.lastBlockHeight {
		m.lastBlockHeight = record.BlockHeight
	}
}

func (m *Metrics) OnRecordFailed(record domain.LedgerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordsFailed[record.FailureReason]++
}

func (m *Metrics) OnSweep(stats application.SweepStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps++
	m.lastSweep = stats
	m.resubmissions += uint64(stats.Resubmitted)
}

func (m *Metrics) OnScoringFallback(txID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scoringFallbacks++
}

func (m *Metrics) IncIngestMessage() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingestMessages++
}

func (m *Metrics) IncIngestDecodeErr() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingestDecodeErrs++
}

func (m *Metrics) IncIngestApplyErr() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingestApplyErrs++
}

func (m *Metrics) IncIngestCommitErr() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingestCommitErrs++
}

func (m *Metrics) IncIngestFetchErr() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingestFetchErrs++
}

type Snapshot struct {
	StartTime        time.Time
	AlertsRecorded   uint64
	NotEligible      uint64
	SubmitFailures   map[string]uint64
	RecordsConfirmed uint64
	RecordsFailed    map[string]uint64
	LastBlockHeight  uint64
	Sweeps           uint64
	LastSweep        application.SweepStats
	Resubmissions    uint64
	ScoringFallbacks uint64
	IngestMessages   uint64
	IngestDecodeErrs uint64
	IngestApplyErrs  uint64
	IngestCommitErrs uint64
	IngestFetchErrs  uint64
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		StartTime:        m.startTime,
		AlertsRecorded:   m.alertsRecorded,
		NotEligible:      m.notEligible,
		SubmitFailures:   copyCounts(m.submitFailures),
		RecordsConfirmed: m.recordsConfirmed,
		RecordsFailed:    copyCounts(m.recordsFailed),
		LastBlockHeight:  m.lastBlockHeight,
		Sweeps:           m.sweeps,
		LastSweep:        m.lastSweep,
		Resubmissions:    m.resubmissions,
		ScoringFallbacks: m.scoringFallbacks,
		IngestMessages:   m.ingestMessages,
		IngestDecodeErrs: m.ingestDecodeErrs,
		IngestApplyErrs:  m.ingestApplyErrs,
		IngestCommitErrs: m.ingestCommitErrs,
		IngestFetchErrs:  m.ingestFetchErrs,
	}
}

func copyCounts(source map[string]uint64) map[string]uint64 {
	if len(source) == 0 {
		return nil
	}
	clone := make(map[string]uint64, len(source))
	for key, value := range source {
		clone[key] = value
	}
	return clone
}
