package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/torc/backend/internal/reconcile"
)

// InsertReconciliationLog appends one per-invoice diff row.
func (p *Postgres) InsertReconciliationLog(ctx context.Context, l *reconcile.Log) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO reconciliation_logs (run_id, invoice_id, chain_status, db_status,
			chain_amount, db_amount, discrepancy_amount, discrepancy_type,
			chain_seller, chain_buyer, db_seller, db_buyer, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id, created_at`,
		l.RunID, l.InvoiceID, l.ChainStatus, l.DBStatus,
		l.ChainAmount, l.DBAmount, l.DiscrepancyAmount, l.DiscrepancyType,
		l.ChainSeller, l.ChainBuyer, l.DBSeller, l.DBBuyer, l.Notes).
		Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert reconciliation log: %w", err)
	}
	return nil
}

// ListReconciliationLogs pages diff rows, optionally filtered by
// discrepancy type, newest first.
func (p *Postgres) ListReconciliationLogs(ctx context.Context, discrepancyType string, limit, offset int) ([]*reconcile.Log, error) {
	query := `
		SELECT id, run_id, invoice_id, chain_status, db_status, chain_amount, db_amount,
		       discrepancy_amount, discrepancy_type, COALESCE(chain_seller, ''),
		       COALESCE(chain_buyer, ''), COALESCE(db_seller, ''), COALESCE(db_buyer, ''),
		       COALESCE(notes, ''), created_at
		FROM reconciliation_logs`
	args := []interface{}{}
	if discrepancyType != "" {
		query += ` WHERE discrepancy_type = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, discrepancyType, limit, offset)
	} else {
		query += ` WHERE discrepancy_type != 'none' ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list reconciliation logs: %w", err)
	}
	defer rows.Close()

	var out []*reconcile.Log
	for rows.Next() {
		var l reconcile.Log
		if err := rows.Scan(&l.ID, &l.RunID, &l.InvoiceID, &l.ChainStatus, &l.DBStatus,
			&l.ChainAmount, &l.DBAmount, &l.DiscrepancyAmount, &l.DiscrepancyType,
			&l.ChainSeller, &l.ChainBuyer, &l.DBSeller, &l.DBBuyer, &l.Notes, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan reconciliation log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// InsertReconciliationSummary creates the running summary row for a run.
func (p *Postgres) InsertReconciliationSummary(ctx context.Context, s *reconcile.Summary) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reconciliation_summaries (run_id, run_type, total_count, matched_count,
			discrepancy_count, missing_chain_count, missing_db_count,
			total_discrepancy_amount, started_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		s.RunID, s.RunType, s.TotalCount, s.MatchedCount,
		s.DiscrepancyCount, s.MissingChainCount, s.MissingDBCount,
		s.TotalDiscrepancyAmount, s.StartedAt, s.Status)
	if err != nil {
		return fmt.Errorf("store: insert reconciliation summary: %w", err)
	}
	return nil
}

// UpdateReconciliationSummary writes the running counts (or the final
// state) of a summary row.
func (p *Postgres) UpdateReconciliationSummary(ctx context.Context, s *reconcile.Summary) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE reconciliation_summaries SET total_count = $1, matched_count = $2,
			discrepancy_count = $3, missing_chain_count = $4, missing_db_count = $5,
			total_discrepancy_amount = $6, completed_at = $7, status = $8, error_message = $9
		WHERE run_id = $10`,
		s.TotalCount, s.MatchedCount, s.DiscrepancyCount, s.MissingChainCount,
		s.MissingDBCount, s.TotalDiscrepancyAmount, s.CompletedAt, s.Status,
		nullIfEmpty(s.ErrorMessage), s.RunID)
	if err != nil {
		return fmt.Errorf("store: update reconciliation summary: %w", err)
	}
	return nil
}

const summaryColumns = `run_id, run_type, total_count, matched_count, discrepancy_count,
	missing_chain_count, missing_db_count, total_discrepancy_amount,
	started_at, completed_at, status, COALESCE(error_message, '')`

func scanSummary(row interface{ Scan(...interface{}) error }) (*reconcile.Summary, error) {
	var s reconcile.Summary
	var completedAt sql.NullTime
	err := row.Scan(&s.RunID, &s.RunType, &s.TotalCount, &s.MatchedCount, &s.DiscrepancyCount,
		&s.MissingChainCount, &s.MissingDBCount, &s.TotalDiscrepancyAmount,
		&s.StartedAt, &completedAt, &s.Status, &s.ErrorMessage)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}
	return &s, nil
}

// GetReconciliationSummary loads one run summary.
func (p *Postgres) GetReconciliationSummary(ctx context.Context, runID uuid.UUID) (*reconcile.Summary, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM reconciliation_summaries WHERE run_id = $1`, runID)
	s, err := scanSummary(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get reconciliation summary: %w", err)
	}
	return s, nil
}

// LatestReconciliationSummary returns the most recently started run, or
// (nil, nil) when no run exists.
func (p *Postgres) LatestReconciliationSummary(ctx context.Context) (*reconcile.Summary, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM reconciliation_summaries ORDER BY started_at DESC LIMIT 1`)
	s, err := scanSummary(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest reconciliation summary: %w", err)
	}
	return s, nil
}

// ListReconciliationSummaries pages run history, newest first.
func (p *Postgres) ListReconciliationSummaries(ctx context.Context, limit, offset int) ([]*reconcile.Summary, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+summaryColumns+` FROM reconciliation_summaries
		 ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list reconciliation summaries: %w", err)
	}
	defer rows.Close()

	var out []*reconcile.Summary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan reconciliation summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
