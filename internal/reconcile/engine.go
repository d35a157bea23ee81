package reconcile

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/torc/backend/internal/escrow"
	"github.com/torc/backend/internal/ledger"
	"github.com/torc/backend/internal/metrics"
)

// Store is the persistence surface the engine needs.
type Store interface {
	ListEscrows(ctx context.Context, limit, offset int) ([]*escrow.Escrow, error)
	GetEscrow(ctx context.Context, invoiceID uuid.UUID) (*escrow.Escrow, error)
	InsertReconciliationLog(ctx context.Context, l *Log) error
	ListReconciliationLogs(ctx context.Context, discrepancyType string, limit, offset int) ([]*Log, error)
	InsertReconciliationSummary(ctx context.Context, s *Summary) error
	UpdateReconciliationSummary(ctx context.Context, s *Summary) error
	GetReconciliationSummary(ctx context.Context, runID uuid.UUID) (*Summary, error)
	LatestReconciliationSummary(ctx context.Context) (*Summary, error)
	ListReconciliationSummaries(ctx context.Context, limit, offset int) ([]*Summary, error)
}

// Config tunes the engine.
type Config struct {
	BatchSize int // invoices read from the mirror per batch, default 50, max 200
}

// Engine diffs the mirror against the ledger invoice by invoice. One run at
// a time; a second Run while one is active returns ErrRunInProgress.
type Engine struct {
	store  Store
	ledger ledger.Client
	obs    *metrics.Metrics
	cfg    Config
	logger *log.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
}

// ErrRunInProgress is returned when a run is already active.
var ErrRunInProgress = fmt.Errorf("reconcile: a run is already in progress")

// NewEngine wires the engine. obs may be nil in tests.
func NewEngine(store Store, lc ledger.Client, obs *metrics.Metrics, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchSize > 200 {
		cfg.BatchSize = 200
	}
	return &Engine{
		store:  store,
		ledger: lc,
		obs:    obs,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[Reconcile] ", log.LstdFlags),
		now:    time.Now,
	}
}

// Run executes one reconciliation pass. With invoiceIDs the run is targeted
// (partial/manual); without, it walks the whole mirror in batches. Per-row
// failures produce an error-classified row and the run continues.
func (e *Engine) Run(ctx context.Context, runType string, invoiceIDs []uuid.UUID) (*Summary, error) {
	switch runType {
	case RunFull, RunPartial, RunManual, RunScheduled:
	default:
		return nil, fmt.Errorf("reconcile: unknown run type %q", runType)
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrRunInProgress
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	started := e.now()
	summary := &Summary{
		RunID:                  uuid.New(),
		RunType:                runType,
		TotalDiscrepancyAmount: "0",
		StartedAt:              started,
		Status:                 SummaryRunning,
	}
	if err := e.store.InsertReconciliationSummary(ctx, summary); err != nil {
		return nil, err
	}
	e.logger.Printf("Run %s started (type=%s targeted=%d)", summary.RunID, runType, len(invoiceIDs))

	totalAbs := new(big.Int)
	runErr := e.walk(ctx, summary, invoiceIDs, totalAbs)

	done := e.now()
	summary.CompletedAt = &done
	summary.TotalDiscrepancyAmount = totalAbs.String()
	if runErr != nil {
		summary.Status = SummaryFailed
		summary.ErrorMessage = runErr.Error()
	} else {
		summary.Status = SummaryCompleted
	}
	if err := e.store.UpdateReconciliationSummary(ctx, summary); err != nil {
		return summary, err
	}
	if e.obs != nil {
		e.obs.ReconciliationRuns.WithLabelValues(runType, summary.Status).Inc()
		e.obs.ReconciliationDuration.Observe(done.Sub(started).Seconds())
	}
	e.logger.Printf("Run %s %s: total=%d matched=%d discrepancies=%d amount=%s",
		summary.RunID, summary.Status, summary.TotalCount, summary.MatchedCount,
		summary.DiscrepancyCount, summary.TotalDiscrepancyAmount)
	return summary, runErr
}

// walk feeds invoices to the differ, either from the target list or in
// mirror batches.
func (e *Engine) walk(ctx context.Context, summary *Summary, invoiceIDs []uuid.UUID, totalAbs *big.Int) error {
	if len(invoiceIDs) > 0 {
		for _, id := range invoiceIDs {
			if err := ctx.Err(); err != nil {
				return err
			}
			mirror, err := e.store.GetEscrow(ctx, id)
			if err != nil {
				return err
			}
			e.reconcileOne(ctx, summary, id, mirror, totalAbs)
		}
		return nil
	}

	for offset := 0; ; offset += e.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := e.store.ListEscrows(ctx, e.cfg.BatchSize, offset)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, mirror := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.reconcileOne(ctx, summary, mirror.InvoiceID, mirror, totalAbs)
		}
		if len(batch) < e.cfg.BatchSize {
			return nil
		}
	}
}

// reconcileOne diffs a single invoice and appends its row. The signed diff
// is chain − db; the summary aggregates absolute values.
func (e *Engine) reconcileOne(ctx context.Context, summary *Summary, invoiceID uuid.UUID,
	mirror *escrow.Escrow, totalAbs *big.Int) {

	row := e.diff(ctx, invoiceID, mirror)
	row.RunID = summary.RunID
	if err := e.store.InsertReconciliationLog(ctx, row); err != nil {
		e.logger.Printf("row write failed for %s: %v", invoiceID, err)
		return
	}

	summary.TotalCount++
	switch row.DiscrepancyType {
	case DiscrepancyNone:
		summary.MatchedCount++
	case DiscrepancyMissingChain:
		summary.DiscrepancyCount++
		summary.MissingChainCount++
	case DiscrepancyMissingDB:
		summary.DiscrepancyCount++
		summary.MissingDBCount++
	default:
		summary.DiscrepancyCount++
	}
	if e.obs != nil && row.DiscrepancyType != DiscrepancyNone {
		e.obs.ReconciliationDiscrepancies.WithLabelValues(row.DiscrepancyType).Inc()
	}
	if d, ok := new(big.Int).SetString(row.DiscrepancyAmount, 10); ok {
		totalAbs.Add(totalAbs, new(big.Int).Abs(d))
	}
}

func (e *Engine) diff(ctx context.Context, invoiceID uuid.UUID, mirror *escrow.Escrow) *Log {
	row := &Log{
		InvoiceID:         invoiceID,
		ChainStatus:       StatusNotFound,
		DBStatus:          StatusNotFound,
		ChainAmount:       "0",
		DBAmount:          "0",
		DiscrepancyAmount: "0",
	}

	key := ledger.KeyFromInvoiceID(invoiceID)
	chain, err := e.ledger.ReadEscrow(ctx, key)
	switch {
	case err == ledger.ErrNotFound:
		chain = nil
	case err != nil:
		row.DiscrepancyType = DiscrepancyError
		row.Notes = fmt.Sprintf("ledger read failed: %v", err)
		if mirror != nil {
			row.DBStatus = mirror.Status
			row.DBAmount = mirror.Amount
		}
		return row
	}

	if mirror != nil {
		row.DBStatus = mirror.Status
		row.DBAmount = mirror.Amount
		row.DBSeller = mirror.Seller
		row.DBBuyer = mirror.Buyer
	}
	if chain != nil {
		row.ChainStatus = chain.Status.String()
		row.ChainAmount = chain.Amount.String()
		row.ChainSeller = chain.Seller
		row.ChainBuyer = chain.Buyer
	}

	switch {
	case chain == nil && mirror == nil:
		row.DiscrepancyType = DiscrepancyError
		row.Notes = "invoice unknown to both ledger and mirror"
	case chain == nil:
		// The ledger prunes records after terminal settlement; a mirror
		// row already terminal is convergent, anything else lost its
		// chain leg.
		if mirror.Status == escrow.StatusReleased || mirror.Status == escrow.StatusExpired {
			row.DiscrepancyType = DiscrepancyNone
			row.Notes = "chain record pruned after settlement"
		} else {
			row.DiscrepancyType = DiscrepancyMissingChain
		}
	case mirror == nil:
		row.DiscrepancyType = DiscrepancyMissingDB
	default:
		chainAmt := chain.Amount
		dbAmt, ok := new(big.Int).SetString(mirror.Amount, 10)
		if !ok {
			row.DiscrepancyType = DiscrepancyError
			row.Notes = fmt.Sprintf("unparseable mirror amount %q", mirror.Amount)
			return row
		}
		diff := new(big.Int).Sub(chainAmt, dbAmt)
		row.DiscrepancyAmount = diff.String()
		// When both legs drift, the amount difference is the headline
		// classification; a status-only divergence keeps the signed diff
		// at zero.
		switch {
		case diff.Sign() != 0:
			row.DiscrepancyType = DiscrepancyAmountMismatch
		case row.ChainStatus != row.DBStatus:
			row.DiscrepancyType = DiscrepancyStatusMismatch
			row.Notes = fmt.Sprintf("Status mismatch: chain=%s db=%s", row.ChainStatus, row.DBStatus)
		default:
			row.DiscrepancyType = DiscrepancyNone
		}
		if note := counterpartyDrift(row); note != "" {
			row.Notes = appendNote(row.Notes, note)
			if row.DiscrepancyType == DiscrepancyNone {
				row.DiscrepancyType = DiscrepancyStatusMismatch
			}
		}
	}
	return row
}

// counterpartyDrift reports seller/buyer addresses that differ between the
// two legs. Addresses compare case-insensitively; checksummed and lowercase
// renderings of the same address are not a drift.
func counterpartyDrift(row *Log) string {
	var notes []string
	if !strings.EqualFold(row.ChainSeller, row.DBSeller) {
		notes = append(notes, fmt.Sprintf("seller differs: chain=%s db=%s", row.ChainSeller, row.DBSeller))
	}
	if !strings.EqualFold(row.ChainBuyer, row.DBBuyer) {
		notes = append(notes, fmt.Sprintf("buyer differs: chain=%s db=%s", row.ChainBuyer, row.DBBuyer))
	}
	return strings.Join(notes, "; ")
}

func appendNote(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + "; " + note
}

// Status returns the most recent run summary, (nil, nil) when none exists.
func (e *Engine) Status(ctx context.Context) (*Summary, error) {
	return e.store.LatestReconciliationSummary(ctx)
}

// Summary loads one run by ID.
func (e *Engine) Summary(ctx context.Context, runID uuid.UUID) (*Summary, error) {
	return e.store.GetReconciliationSummary(ctx, runID)
}

// History pages run summaries, newest first.
func (e *Engine) History(ctx context.Context, limit, offset int) ([]*Summary, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return e.store.ListReconciliationSummaries(ctx, limit, offset)
}

// Discrepancies pages diff rows. Empty type means every non-matching row.
func (e *Engine) Discrepancies(ctx context.Context, discrepancyType string, limit, offset int) ([]*Log, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return e.store.ListReconciliationLogs(ctx, discrepancyType, limit, offset)
}
