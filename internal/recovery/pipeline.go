package recovery

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/torc/backend/internal/metrics"
	"github.com/torc/backend/internal/saga"
)

// Store is the persistence surface the pipeline needs. Implemented by
// store.Postgres and store.MemoryStore.
type Store interface {
	UpsertRecoveryEntry(ctx context.Context, e *Entry) error
	ClaimDueRecoveryEntries(ctx context.Context, now time.Time, limit int) ([]*Entry, error)
	DeleteRecoveryEntry(ctx context.Context, id uuid.UUID) error
	PromoteToDLQ(ctx context.Context, d *DLQEntry) error
	GetDLQEntry(ctx context.Context, id int64) (*DLQEntry, error)
	ListUnresolvedDLQ(ctx context.Context, limit, offset int) ([]*DLQEntry, error)
	ResolveDLQEntry(ctx context.Context, id int64, by, notes string) error
	SetDLQCompensationStatus(ctx context.Context, id int64, status string) error
	DLQDepth(ctx context.Context) (int, error)
	InsertCompensationAction(ctx context.Context, a *CompensationAction) error
	PendingCompensationActions(ctx context.Context, correlationID uuid.UUID) ([]*CompensationAction, error)
	UpdateCompensationAction(ctx context.Context, a *CompensationAction) error
	InsertHealthMetric(ctx context.Context, m *metrics.HealthMetric) error
}

// Config tunes the pipeline.
type Config struct {
	MaxRetries        int // default 5
	BackoffCapMinutes int // default 60
	BatchSize         int // entries claimed per tick, default 10
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{MaxRetries: 5, BackoffCapMinutes: 60, BatchSize: 10}
}

// Pipeline is the durable retry queue plus DLQ promotion. Failed sagas are
// enqueued with exponential backoff and re-executed via the registry; after
// MaxRetries they move to the dead-letter queue, optionally with a pending
// compensation action awaiting an operator.
type Pipeline struct {
	store    Store
	sagas    *saga.Manager
	registry *Registry
	obs      *metrics.Metrics
	cfg      Config
	logger   *log.Logger
	now      func() time.Time
}

// NewPipeline wires the pipeline. obs may be nil in tests.
func NewPipeline(store Store, sagas *saga.Manager, registry *Registry, obs *metrics.Metrics, cfg Config) *Pipeline {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BackoffCapMinutes <= 0 {
		cfg.BackoffCapMinutes = 60
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Pipeline{
		store:    store,
		sagas:    sagas,
		registry: registry,
		obs:      obs,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[Recovery] ", log.LstdFlags),
		now:      time.Now,
	}
}

// Enqueue upserts a retry-queue row for a failed saga. Repeated failures
// replace the row; next_retry_at = now + min(2^retryCount, cap) minutes.
func (p *Pipeline) Enqueue(ctx context.Context, correlationID uuid.UUID, op saga.OperationType,
	opData map[string]interface{}, retryCount int, cause error) error {

	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}
	entry := &Entry{
		CorrelationID: correlationID,
		OperationType: op,
		OperationData: opData,
		RetryCount:    retryCount,
		MaxRetries:    p.cfg.MaxRetries,
		NextRetryAt:   p.now().Add(Backoff(retryCount, p.cfg.BackoffCapMinutes)),
		LastError:     lastErr,
		Status:        EntryPending,
	}
	if err := p.store.UpsertRecoveryEntry(ctx, entry); err != nil {
		return fmt.Errorf("recovery: enqueue %s: %w", correlationID, err)
	}
	if p.obs != nil {
		p.obs.RecoveryEnqueued.WithLabelValues(string(op)).Inc()
	}
	p.logger.Printf("Enqueued %s op=%s retry=%d next=%s err=%q",
		correlationID, op, retryCount, entry.NextRetryAt.Format(time.RFC3339), lastErr)
	return nil
}

// PromoteToDLQ moves a saga to the dead-letter queue: DLQ insert, saga →
// dlq and recovery-row delete happen atomically in the store. When the
// compensation policy fires, a pending CompensationAction row is created
// for the operator; it is never auto-executed.
func (p *Pipeline) PromoteToDLQ(ctx context.Context, correlationID uuid.UUID, op saga.OperationType,
	opData map[string]interface{}, reason string, retryCount int, requiresCompensation bool) error {

	d := &DLQEntry{
		CorrelationID:        correlationID,
		OperationType:        op,
		OperationData:        opData,
		FailureReason:        reason,
		RetryCount:           retryCount,
		RequiresCompensation: requiresCompensation,
		CompensationStatus:   CompensationPending,
	}
	if err := p.store.PromoteToDLQ(ctx, d); err != nil {
		return fmt.Errorf("recovery: promote %s to dlq: %w", correlationID, err)
	}
	if requiresCompensation {
		action := &CompensationAction{
			CorrelationID: correlationID,
			ActionType:    compensationActionType(op),
			ActionData:    opData,
			Status:        CompensationPending,
		}
		if err := p.store.InsertCompensationAction(ctx, action); err != nil {
			return fmt.Errorf("recovery: create compensation action for %s: %w", correlationID, err)
		}
	}
	if p.obs != nil {
		p.obs.DLQPromotions.WithLabelValues(string(op)).Inc()
	}
	p.logger.Printf("❌ DLQ: %s op=%s retries=%d compensation=%v reason=%q",
		correlationID, op, retryCount, requiresCompensation, reason)
	return nil
}

// compensationActionType names the reversal path per operation type.
func compensationActionType(op saga.OperationType) string {
	switch op {
	case saga.OpEscrowRelease:
		return "refund_escrow_release"
	case saga.OpFinancingPipeline:
		return "unwind_external_liquidity"
	default:
		return "manual_review"
	}
}

// Tick claims up to BatchSize due entries and re-executes each one. On
// success the entry is deleted and the saga completes; on failure the entry
// re-enqueues with increased backoff, or promotes to the DLQ once retries
// are exhausted or the error is not retryable.
func (p *Pipeline) Tick(ctx context.Context) error {
	entries, err := p.store.ClaimDueRecoveryEntries(ctx, p.now(), p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("recovery: claim due entries: %w", err)
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.processEntry(ctx, entry)
	}
	return nil
}

func (p *Pipeline) processEntry(ctx context.Context, entry *Entry) {
	started := p.now()
	s, err := p.sagas.Read(ctx, entry.CorrelationID)
	if err != nil {
		p.logger.Printf("entry %s: saga load failed: %v", entry.CorrelationID, err)
		return
	}

	// The saga sits in failed between attempts; re-enter processing for
	// the duration of this attempt.
	if s.CurrentState == saga.StateFailed {
		if err := p.sagas.AdvanceState(ctx, s.CorrelationID, saga.StateProcessing, saga.Advance{}); err != nil {
			p.logger.Printf("entry %s: advance to processing failed: %v", entry.CorrelationID, err)
			return
		}
		s.CurrentState = saga.StateProcessing
	}

	handler, err := p.registry.Resolve(entry.OperationType)
	if err == nil {
		err = handler(ctx, &Operation{Entry: entry, Saga: s})
	}

	if p.obs != nil {
		p.obs.RecoveryAttemptDuration.WithLabelValues(string(entry.OperationType)).
			Observe(p.now().Sub(started).Seconds())
	}

	if err == nil {
		p.succeed(ctx, entry)
		return
	}
	p.fail(ctx, entry, err)
}

func (p *Pipeline) succeed(ctx context.Context, entry *Entry) {
	if err := p.store.DeleteRecoveryEntry(ctx, entry.CorrelationID); err != nil {
		p.logger.Printf("entry %s: delete after success failed: %v", entry.CorrelationID, err)
		return
	}
	err := p.sagas.AdvanceState(ctx, entry.CorrelationID, saga.StateCompleted, saga.Advance{
		StepsRemaining: []string{},
	})
	if err != nil {
		p.logger.Printf("entry %s: complete saga failed: %v", entry.CorrelationID, err)
		return
	}
	if p.obs != nil {
		p.obs.RecoverySucceeded.WithLabelValues(string(entry.OperationType)).Inc()
	}
	p.logger.Printf("✅ Recovered %s op=%s after %d retries",
		entry.CorrelationID, entry.OperationType, entry.RetryCount)
}

func (p *Pipeline) fail(ctx context.Context, entry *Entry, cause error) {
	// Refresh the step log before consulting the compensation policy; the
	// failed attempt may have committed a step before dying.
	s, readErr := p.sagas.Read(ctx, entry.CorrelationID)
	var stepsCompleted []string
	if readErr == nil {
		stepsCompleted = s.StepsCompleted
	}

	nextRetry := entry.RetryCount + 1
	exhausted := nextRetry >= entry.MaxRetries
	permanent := !saga.Retryable(cause)
	needsCompensation := RequiresCompensation(entry.OperationType, stepsCompleted)

	if permanent && !needsCompensation {
		// No retry, nothing to unwind: the saga rests in failed and the
		// queue row goes away.
		if err := p.sagas.AdvanceState(ctx, entry.CorrelationID, saga.StateFailed, saga.Advance{}); err != nil {
			p.logger.Printf("entry %s: advance to failed: %v", entry.CorrelationID, err)
		}
		if err := p.store.DeleteRecoveryEntry(ctx, entry.CorrelationID); err != nil {
			p.logger.Printf("entry %s: delete after permanent failure: %v", entry.CorrelationID, err)
		}
		p.logger.Printf("Permanent failure %s op=%s: %v (no compensation)",
			entry.CorrelationID, entry.OperationType, cause)
		return
	}

	if exhausted || permanent {
		if err := p.PromoteToDLQ(ctx, entry.CorrelationID, entry.OperationType, entry.OperationData,
			cause.Error(), nextRetry, needsCompensation); err != nil {
			p.logger.Printf("entry %s: dlq promotion failed: %v", entry.CorrelationID, err)
		}
		return
	}

	if err := p.sagas.AdvanceState(ctx, entry.CorrelationID, saga.StateFailed, saga.Advance{}); err != nil {
		p.logger.Printf("entry %s: advance to failed: %v", entry.CorrelationID, err)
	}
	if err := p.Enqueue(ctx, entry.CorrelationID, entry.OperationType, entry.OperationData, nextRetry, cause); err != nil {
		p.logger.Printf("entry %s: re-enqueue failed: %v", entry.CorrelationID, err)
	}
}

// ResolveDLQ records operator resolution on a DLQ entry.
func (p *Pipeline) ResolveDLQ(ctx context.Context, id int64, by, notes string) error {
	if by == "" {
		return saga.Errorf(saga.KindValidation, "recovery.resolve", "resolver identity is required")
	}
	return p.store.ResolveDLQEntry(ctx, id, by, notes)
}

// DLQ pages unresolved dead-letter entries.
func (p *Pipeline) DLQ(ctx context.Context, limit, offset int) ([]*DLQEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return p.store.ListUnresolvedDLQ(ctx, limit, offset)
}
