package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/torc/backend/internal/escrow"
	"github.com/torc/backend/internal/metrics"
	"github.com/torc/backend/internal/reconcile"
	"github.com/torc/backend/internal/recovery"
	"github.com/torc/backend/internal/saga"
)

// MemoryStore is the in-process store used by tests and as the dev-mode
// fallback when no Postgres DSN is configured. It implements the same
// surface as Postgres with a single mutex standing in for row locks.
type MemoryStore struct {
	mu sync.Mutex

	sagas           map[uuid.UUID]*saga.Saga
	recoveryQueue   map[uuid.UUID]*recovery.Entry
	dlq             []*recovery.DLQEntry
	dlqSeq          int64
	compensations   []*recovery.CompensationAction
	compensationSeq int64
	escrows         map[uuid.UUID]*escrow.Escrow
	multisig        map[uuid.UUID]*escrow.MultiSigApproval
	disputes        map[uuid.UUID]*escrow.DisputeVote
	processedEvents map[string]bool
	reconLogs       []*reconcile.Log
	reconLogSeq     int64
	summaries       map[uuid.UUID]*reconcile.Summary
	healthMetrics   []*metrics.HealthMetric

	// Now is overridable for deterministic tests.
	Now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas:           make(map[uuid.UUID]*saga.Saga),
		recoveryQueue:   make(map[uuid.UUID]*recovery.Entry),
		escrows:         make(map[uuid.UUID]*escrow.Escrow),
		multisig:        make(map[uuid.UUID]*escrow.MultiSigApproval),
		disputes:        make(map[uuid.UUID]*escrow.DisputeVote),
		processedEvents: make(map[string]bool),
		summaries:       make(map[uuid.UUID]*reconcile.Summary),
		Now:             time.Now,
	}
}

func cloneSaga(s *saga.Saga) *saga.Saga {
	cp := *s
	cp.StepsCompleted = append([]string(nil), s.StepsCompleted...)
	cp.StepsRemaining = append([]string(nil), s.StepsRemaining...)
	if s.ContextData != nil {
		cp.ContextData = make(map[string]interface{}, len(s.ContextData))
		for k, v := range s.ContextData {
			cp.ContextData[k] = v
		}
	}
	return &cp
}

// ---------------------------------------------------------------------------
// saga.Store
// ---------------------------------------------------------------------------

func (m *MemoryStore) InsertSaga(ctx context.Context, s *saga.Saga) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sagas[s.CorrelationID]; exists {
		return fmt.Errorf("store: saga %s already exists", s.CorrelationID)
	}
	m.sagas[s.CorrelationID] = cloneSaga(s)
	return nil
}

func (m *MemoryStore) GetSaga(ctx context.Context, id uuid.UUID) (*saga.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sagas[id]
	if !ok {
		return nil, fmt.Errorf("store: saga %s not found", id)
	}
	return cloneSaga(s), nil
}

func (m *MemoryStore) GetSagaByIdempotencyKey(ctx context.Context, key string) (*saga.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sagas {
		if s.IdempotencyKey == key {
			return cloneSaga(s), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) UpdateSagaIf(ctx context.Context, s *saga.Saga, expect saga.State) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sagas[s.CorrelationID]
	if !ok {
		return false, fmt.Errorf("store: saga %s not found", s.CorrelationID)
	}
	if cur.CurrentState != expect {
		return false, nil
	}
	m.sagas[s.CorrelationID] = cloneSaga(s)
	return true, nil
}

func (m *MemoryStore) SagasInStatesBefore(ctx context.Context, states []saga.State, cutoff time.Time) ([]*saga.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*saga.Saga
	for _, s := range m.sagas {
		for _, st := range states {
			if s.CurrentState == st && s.UpdatedAt.Before(cutoff) {
				out = append(out, cloneSaga(s))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryStore) CountSagasByState(ctx context.Context, since time.Time) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for _, s := range m.sagas {
		if s.CreatedAt.Before(since) {
			continue
		}
		out[string(s.CurrentState)]++
	}
	return out, nil
}

func (m *MemoryStore) AvgSagaDuration(ctx context.Context, since time.Time) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total time.Duration
	var n int
	for _, s := range m.sagas {
		if s.CurrentState == saga.StateCompleted && s.CompletedAt != nil && !s.CompletedAt.Before(since) {
			total += s.CompletedAt.Sub(s.CreatedAt)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return total / time.Duration(n), nil
}

// ---------------------------------------------------------------------------
// recovery queue / DLQ / compensation
// ---------------------------------------------------------------------------

func (m *MemoryStore) UpsertRecoveryEntry(ctx context.Context, e *recovery.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	now := m.Now()
	if old, ok := m.recoveryQueue[e.CorrelationID]; ok {
		cp.CreatedAt = old.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.recoveryQueue[e.CorrelationID] = &cp
	return nil
}

func (m *MemoryStore) ClaimDueRecoveryEntries(ctx context.Context, now time.Time, limit int) ([]*recovery.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*recovery.Entry
	for _, e := range m.recoveryQueue {
		if e.Status == recovery.EntryPending && !e.NextRetryAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*recovery.Entry, 0, len(due))
	for _, e := range due {
		e.Status = recovery.EntryProcessing
		e.UpdatedAt = m.Now()
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) DeleteRecoveryEntry(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recoveryQueue, id)
	return nil
}

// RecoveryEntry returns the current queue row for a saga, nil when absent.
// Test helper; the Postgres store has no need for it.
func (m *MemoryStore) RecoveryEntry(id uuid.UUID) *recovery.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.recoveryQueue[id]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

func (m *MemoryStore) PromoteToDLQ(ctx context.Context, d *recovery.DLQEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlqSeq++
	cp := *d
	cp.ID = m.dlqSeq
	cp.CreatedAt = m.Now()
	d.ID = cp.ID
	m.dlq = append(m.dlq, &cp)
	if s, ok := m.sagas[d.CorrelationID]; ok {
		s.CurrentState = saga.StateDLQ
		s.UpdatedAt = m.Now()
	}
	delete(m.recoveryQueue, d.CorrelationID)
	return nil
}

func (m *MemoryStore) GetDLQEntry(ctx context.Context, id int64) (*recovery.DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.dlq {
		if d.ID == id {
			cp := *d
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("store: dlq entry %d not found", id)
}

func (m *MemoryStore) ListUnresolvedDLQ(ctx context.Context, limit, offset int) ([]*recovery.DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var unresolved []*recovery.DLQEntry
	for _, d := range m.dlq {
		if d.ResolvedAt == nil {
			cp := *d
			unresolved = append(unresolved, &cp)
		}
	}
	sort.Slice(unresolved, func(i, j int) bool { return unresolved[i].CreatedAt.After(unresolved[j].CreatedAt) })
	if offset >= len(unresolved) {
		return nil, nil
	}
	unresolved = unresolved[offset:]
	if len(unresolved) > limit {
		unresolved = unresolved[:limit]
	}
	return unresolved, nil
}

func (m *MemoryStore) ResolveDLQEntry(ctx context.Context, id int64, by, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.dlq {
		if d.ID == id && d.ResolvedAt == nil {
			now := m.Now()
			d.ResolvedAt = &now
			d.ResolvedBy = by
			d.ResolutionNotes = notes
			return nil
		}
	}
	return fmt.Errorf("store: dlq entry %d not found or already resolved", id)
}

func (m *MemoryStore) SetDLQCompensationStatus(ctx context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.dlq {
		if d.ID == id {
			d.CompensationStatus = status
			return nil
		}
	}
	return fmt.Errorf("store: dlq entry %d not found", id)
}

func (m *MemoryStore) DLQDepth(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.dlq {
		if d.ResolvedAt == nil {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) InsertCompensationAction(ctx context.Context, a *recovery.CompensationAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compensationSeq++
	cp := *a
	cp.ID = m.compensationSeq
	cp.CreatedAt = m.Now()
	a.ID = cp.ID
	m.compensations = append(m.compensations, &cp)
	return nil
}

func (m *MemoryStore) PendingCompensationActions(ctx context.Context, correlationID uuid.UUID) ([]*recovery.CompensationAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*recovery.CompensationAction
	for _, a := range m.compensations {
		if a.CorrelationID == correlationID && a.Status == recovery.CompensationPending {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateCompensationAction(ctx context.Context, a *recovery.CompensationAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.compensations {
		if cur.ID == a.ID {
			cp := *a
			m.compensations[i] = &cp
			return nil
		}
	}
	return fmt.Errorf("store: compensation action %d not found", a.ID)
}

func (m *MemoryStore) InsertHealthMetric(ctx context.Context, hm *metrics.HealthMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *hm
	cp.ID = int64(len(m.healthMetrics) + 1)
	m.healthMetrics = append(m.healthMetrics, &cp)
	return nil
}

// HealthMetrics returns all recorded samples. Test helper.
func (m *MemoryStore) HealthMetrics() []*metrics.HealthMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*metrics.HealthMetric, len(m.healthMetrics))
	copy(out, m.healthMetrics)
	return out
}

// ---------------------------------------------------------------------------
// escrow mirror
// ---------------------------------------------------------------------------

func cloneEscrow(e *escrow.Escrow) *escrow.Escrow {
	cp := *e
	if e.DiscountDeadline != nil {
		t := *e.DiscountDeadline
		cp.DiscountDeadline = &t
	}
	return &cp
}

func (m *MemoryStore) UpsertEscrow(ctx context.Context, e *escrow.Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrows[e.InvoiceID] = cloneEscrow(e)
	return nil
}

func (m *MemoryStore) GetEscrow(ctx context.Context, invoiceID uuid.UUID) (*escrow.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[invoiceID]
	if !ok {
		return nil, nil
	}
	return cloneEscrow(e), nil
}

func (m *MemoryStore) ListEscrows(ctx context.Context, limit, offset int) ([]*escrow.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*escrow.Escrow, 0, len(m.escrows))
	for _, e := range m.escrows {
		all = append(all, cloneEscrow(e))
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return strings.Compare(all[i].InvoiceID.String(), all[j].InvoiceID.String()) < 0
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) CountEscrows(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.escrows), nil
}

func (m *MemoryStore) GetMultiSigApproval(ctx context.Context, invoiceID uuid.UUID) (*escrow.MultiSigApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.multisig[invoiceID]
	if !ok {
		return nil, nil
	}
	cp := *a
	cp.Approvers = append([]string(nil), a.Approvers...)
	return &cp, nil
}

func (m *MemoryStore) UpsertMultiSigApproval(ctx context.Context, a *escrow.MultiSigApproval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	cp.Approvers = append([]string(nil), a.Approvers...)
	m.multisig[a.InvoiceID] = &cp
	return nil
}

func (m *MemoryStore) GetDisputeVote(ctx context.Context, invoiceID uuid.UUID) (*escrow.DisputeVote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[invoiceID]
	if !ok {
		return nil, nil
	}
	cp := *d
	cp.Voters = append([]string(nil), d.Voters...)
	return &cp, nil
}

func (m *MemoryStore) UpsertDisputeVote(ctx context.Context, d *escrow.DisputeVote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	cp.Voters = append([]string(nil), d.Voters...)
	m.disputes[d.InvoiceID] = &cp
	return nil
}

func (m *MemoryStore) MarkEventProcessed(ctx context.Context, name, txHash string, logIndex uint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s|%s|%d", name, txHash, logIndex)
	if m.processedEvents[key] {
		return false, nil
	}
	m.processedEvents[key] = true
	return true, nil
}

// ---------------------------------------------------------------------------
// reconciliation
// ---------------------------------------------------------------------------

func (m *MemoryStore) InsertReconciliationLog(ctx context.Context, l *reconcile.Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconLogSeq++
	cp := *l
	cp.ID = m.reconLogSeq
	cp.CreatedAt = m.Now()
	l.ID = cp.ID
	l.CreatedAt = cp.CreatedAt
	m.reconLogs = append(m.reconLogs, &cp)
	return nil
}

func (m *MemoryStore) ListReconciliationLogs(ctx context.Context, discrepancyType string, limit, offset int) ([]*reconcile.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var filtered []*reconcile.Log
	for _, l := range m.reconLogs {
		if discrepancyType != "" {
			if l.DiscrepancyType != discrepancyType {
				continue
			}
		} else if l.DiscrepancyType == reconcile.DiscrepancyNone {
			continue
		}
		cp := *l
		filtered = append(filtered, &cp)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID > filtered[j].ID })
	if offset >= len(filtered) {
		return nil, nil
	}
	filtered = filtered[offset:]
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// ReconciliationLogsForRun returns all diff rows of one run. Test helper.
func (m *MemoryStore) ReconciliationLogsForRun(runID uuid.UUID) []*reconcile.Log {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*reconcile.Log
	for _, l := range m.reconLogs {
		if l.RunID == runID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out
}

func (m *MemoryStore) InsertReconciliationSummary(ctx context.Context, s *reconcile.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.summaries[s.RunID] = &cp
	return nil
}

func (m *MemoryStore) UpdateReconciliationSummary(ctx context.Context, s *reconcile.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.summaries[s.RunID]; !ok {
		return fmt.Errorf("store: summary %s not found", s.RunID)
	}
	cp := *s
	m.summaries[s.RunID] = &cp
	return nil
}

func (m *MemoryStore) GetReconciliationSummary(ctx context.Context, runID uuid.UUID) (*reconcile.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[runID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) LatestReconciliationSummary(ctx context.Context) (*reconcile.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *reconcile.Summary
	for _, s := range m.summaries {
		if latest == nil || s.StartedAt.After(latest.StartedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) ListReconciliationSummaries(ctx context.Context, limit, offset int) ([]*reconcile.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*reconcile.Summary, 0, len(m.summaries))
	for _, s := range m.summaries {
		cp := *s
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
