// Package ingest consumes the ledger event stream and keeps the mirror
// convergent. Every event is deduplicated on its (name, tx hash, log index)
// identity, so at-least-once delivery from the stream becomes exactly-once
// application to the mirror.
package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/torc/backend/internal/escrow"
	"github.com/torc/backend/internal/ledger"
	"github.com/torc/backend/internal/metrics"
	"github.com/torc/backend/internal/recovery"
	"github.com/torc/backend/internal/saga"
)

// Store is the persistence surface the ingestor needs.
type Store interface {
	MarkEventProcessed(ctx context.Context, name, txHash string, logIndex uint) (bool, error)
	UpsertEscrow(ctx context.Context, e *escrow.Escrow) error
	GetEscrow(ctx context.Context, invoiceID uuid.UUID) (*escrow.Escrow, error)
}

// Ingestor drains the ledger event stream into the mirror.
type Ingestor struct {
	store    Store
	ledger   ledger.Client
	sagas    *saga.Manager
	pipeline *recovery.Pipeline
	obs      *metrics.Metrics
	logger   *log.Logger
	now      func() time.Time

	stopOnce sync.Once
	stopped  chan struct{}
}

// New wires the ingestor. pipeline and obs may be nil in tests.
func New(store Store, lc ledger.Client, sagas *saga.Manager, pipeline *recovery.Pipeline, obs *metrics.Metrics) *Ingestor {
	return &Ingestor{
		store:    store,
		ledger:   lc,
		sagas:    sagas,
		pipeline: pipeline,
		obs:      obs,
		logger:   log.New(log.Writer(), "[Ingest] ", log.LstdFlags),
		now:      time.Now,
		stopped:  make(chan struct{}),
	}
}

// Run consumes the stream until ctx ends or the stream closes. A failed
// event application opens an event_processing saga on the retry queue; the
// stream keeps moving.
func (i *Ingestor) Run(ctx context.Context) error {
	defer i.stopOnce.Do(func() { close(i.stopped) })

	stream, err := i.ledger.Events(ctx)
	if err != nil {
		return fmt.Errorf("ingest: open event stream: %w", err)
	}
	i.logger.Println("Event stream open")

	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				i.logger.Println("Event stream closed")
				return nil
			}
			i.ingest(ctx, ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done is closed when Run returns.
func (i *Ingestor) Done() <-chan struct{} { return i.stopped }

func (i *Ingestor) ingest(ctx context.Context, ev ledger.Event) {
	fresh, err := i.store.MarkEventProcessed(ctx, ev.Name, ev.TxHash, ev.LogIndex)
	if err != nil {
		i.logger.Printf("dedup check failed for %s/%s[%d]: %v", ev.Name, ev.TxHash, ev.LogIndex, err)
		i.quarantine(ctx, ev, err)
		return
	}
	if !fresh {
		if i.obs != nil {
			i.obs.EventsDuplicate.WithLabelValues(ev.Name).Inc()
		}
		return
	}

	if err := i.Apply(ctx, ev.Name, ev.Args); err != nil {
		i.logger.Printf("❌ apply %s/%s[%d] failed: %v", ev.Name, ev.TxHash, ev.LogIndex, err)
		i.quarantine(ctx, ev, err)
		return
	}
	if i.obs != nil {
		i.obs.EventsIngested.WithLabelValues(ev.Name).Inc()
	}
}

// Apply converges the mirror for the escrow an event names. All escrow
// events carry the ledger key; the current on-ledger state, not the event
// payload, is what lands in the mirror.
func (i *Ingestor) Apply(ctx context.Context, name string, args map[string]interface{}) error {
	keyHex, _ := args["key"].(string)
	if keyHex == "" {
		return fmt.Errorf("event %s carries no ledger key", name)
	}
	key, err := ledger.KeyFromHex(keyHex)
	if err != nil {
		return fmt.Errorf("event %s: %w", name, err)
	}
	invoiceID, err := key.InvoiceID()
	if err != nil {
		return fmt.Errorf("event %s: %w", name, err)
	}

	st, err := i.ledger.ReadEscrow(ctx, key)
	if err == ledger.ErrNotFound {
		// Released-and-pruned records stay in the mirror at their last
		// known state; nothing to converge.
		return nil
	}
	if err != nil {
		return saga.ClassifyLedgerError("ingest.read", err)
	}

	e, err := i.store.GetEscrow(ctx, invoiceID)
	if err != nil {
		return err
	}
	m := escrow.MirrorFromLedger(invoiceID, st, i.now())
	if e != nil && e.LastTxHash != "" {
		m.LastTxHash = e.LastTxHash
	}
	if tx, ok := args["tx_hash"].(string); ok && tx != "" {
		m.LastTxHash = tx
	}
	if err := i.store.UpsertEscrow(ctx, m); err != nil {
		return err
	}
	i.logger.Printf("Applied %s → %s now %s", name, invoiceID, m.Status)
	return nil
}

// quarantine opens an event_processing saga on the retry queue so the event
// is re-applied with backoff instead of being lost.
func (i *Ingestor) quarantine(ctx context.Context, ev ledger.Event, cause error) {
	if i.pipeline == nil || i.sagas == nil {
		return
	}
	entityID, _ := ev.Args["key"].(string)
	if entityID == "" {
		entityID = ev.TxHash
	}
	opData := map[string]interface{}{
		"event_name": ev.Name,
		"tx_hash":    ev.TxHash,
		"log_index":  int64(ev.LogIndex),
		"args":       ev.Args,
	}
	corrID, err := i.sagas.Begin(ctx, saga.BeginRequest{
		OperationType:  saga.OpEventProcessing,
		EntityType:     "ledger_event",
		EntityID:       entityID,
		StepsRemaining: []string{saga.StepDBUpdate},
		ContextData:    opData,
		InitiatedBy:    "ingestor",
		IdempotencyKey: fmt.Sprintf("event:%s:%s:%d", ev.Name, ev.TxHash, ev.LogIndex),
	})
	if err != nil {
		i.logger.Printf("quarantine saga for %s/%s[%d] failed: %v", ev.Name, ev.TxHash, ev.LogIndex, err)
		return
	}
	if err := i.sagas.AdvanceState(ctx, corrID, saga.StateProcessing, saga.Advance{}); err == nil {
		_ = i.sagas.AdvanceState(ctx, corrID, saga.StateFailed, saga.Advance{})
	}
	if err := i.pipeline.Enqueue(ctx, corrID, saga.OpEventProcessing, opData, 0, cause); err != nil {
		i.logger.Printf("enqueue event retry failed: %v", err)
	}
}

// RegisterRecovery binds the event re-application handler.
func (i *Ingestor) RegisterRecovery(registry *recovery.Registry) {
	registry.Register(saga.OpEventProcessing, func(ctx context.Context, op *recovery.Operation) error {
		name, _ := op.Entry.OperationData["event_name"].(string)
		args, _ := op.Entry.OperationData["args"].(map[string]interface{})
		if name == "" || args == nil {
			return saga.Errorf(saga.KindValidation, "ingest.recover",
				"saga %s carries no event payload", op.Saga.CorrelationID)
		}
		if err := i.Apply(ctx, name, args); err != nil {
			return err
		}
		return nil
	})
}
