// Package reconcile compares external-ledger state against the internal
// mirror for every escrow-bearing invoice, classifies discrepancies, and
// produces auditable per-run summaries.
package reconcile

import (
	"time"

	"github.com/google/uuid"
)

// Discrepancy classifications. Everything except DiscrepancyNone counts as
// a discrepancy in the run summary.
const (
	DiscrepancyNone           = "none"
	DiscrepancyAmountMismatch = "amount_mismatch"
	DiscrepancyStatusMismatch = "status_mismatch"
	DiscrepancyMissingChain   = "missing_chain"
	DiscrepancyMissingDB      = "missing_db"
	DiscrepancyError          = "error"
)

// Run types.
const (
	RunFull      = "full"
	RunPartial   = "partial"
	RunManual    = "manual"
	RunScheduled = "scheduled"
)

// Summary status values.
const (
	SummaryRunning   = "running"
	SummaryCompleted = "completed"
	SummaryFailed    = "failed"
)

// StatusNotFound is the canonical status for an absent record on either
// side of the diff.
const StatusNotFound = "not_found"

// Log is one reconciliation row per (invoice, run). Append-only.
type Log struct {
	ID                int64     `json:"id"`
	RunID             uuid.UUID `json:"run_id"`
	InvoiceID         uuid.UUID `json:"invoice_id"`
	ChainStatus       string    `json:"chain_status"`
	DBStatus          string    `json:"db_status"`
	ChainAmount       string    `json:"chain_amount"`
	DBAmount          string    `json:"db_amount"`
	DiscrepancyAmount string    `json:"discrepancy_amount"` // signed, chain − db
	DiscrepancyType   string    `json:"discrepancy_type"`
	ChainSeller       string    `json:"chain_seller,omitempty"`
	ChainBuyer        string    `json:"chain_buyer,omitempty"`
	DBSeller          string    `json:"db_seller,omitempty"`
	DBBuyer           string    `json:"db_buyer,omitempty"`
	Notes             string    `json:"notes,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Summary is one row per reconciliation run. TotalDiscrepancyAmount
// aggregates absolute values of the signed per-row diffs.
type Summary struct {
	RunID                  uuid.UUID  `json:"run_id"`
	RunType                string     `json:"run_type"`
	TotalCount             int        `json:"total_count"`
	MatchedCount           int        `json:"matched_count"`
	DiscrepancyCount       int        `json:"discrepancy_count"`
	MissingChainCount      int        `json:"missing_chain_count"`
	MissingDBCount         int        `json:"missing_db_count"`
	TotalDiscrepancyAmount string     `json:"total_discrepancy_amount"`
	StartedAt              time.Time  `json:"started_at"`
	CompletedAt            *time.Time `json:"completed_at,omitempty"`
	Status                 string     `json:"status"`
	ErrorMessage           string     `json:"error_message,omitempty"`
}
