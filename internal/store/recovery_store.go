package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/torc/backend/internal/metrics"
	"github.com/torc/backend/internal/recovery"
	"github.com/torc/backend/internal/saga"
)

// UpsertRecoveryEntry inserts or replaces the retry-queue row for a saga.
// Repeated failures replace the row, so there is at most one entry per
// correlation ID.
func (p *Postgres) UpsertRecoveryEntry(ctx context.Context, e *recovery.Entry) error {
	opData, err := marshalJSON(e.OperationData)
	if err != nil {
		return fmt.Errorf("store: marshal operation data: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO recovery_queue (correlation_id, operation_type, operation_data,
			retry_count, max_retries, next_retry_at, last_error, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())
		ON CONFLICT (correlation_id) DO UPDATE SET
			operation_data = EXCLUDED.operation_data,
			retry_count    = EXCLUDED.retry_count,
			next_retry_at  = EXCLUDED.next_retry_at,
			last_error     = EXCLUDED.last_error,
			status         = EXCLUDED.status,
			updated_at     = now()`,
		e.CorrelationID, e.OperationType, opData,
		e.RetryCount, e.MaxRetries, e.NextRetryAt, e.LastError, e.Status)
	if err != nil {
		return fmt.Errorf("store: upsert recovery entry: %w", err)
	}
	return nil
}

// ClaimDueRecoveryEntries selects up to limit pending entries whose
// next_retry_at has passed, ordered ascending, and marks them processing in
// the same transaction (pessimistic claim with FOR UPDATE SKIP LOCKED so
// concurrent workers never double-claim).
func (p *Postgres) ClaimDueRecoveryEntries(ctx context.Context, now time.Time, limit int) ([]*recovery.Entry, error) {
	var out []*recovery.Entry
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT correlation_id, operation_type, operation_data, retry_count,
			       max_retries, next_retry_at, last_error, status, created_at, updated_at
			FROM recovery_queue
			WHERE status = 'pending' AND next_retry_at <= $1
			ORDER BY next_retry_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, now, limit)
		if err != nil {
			return fmt.Errorf("store: select due entries: %w", err)
		}
		defer rows.Close()

		out = nil
		for rows.Next() {
			var e recovery.Entry
			var opData []byte
			if err := rows.Scan(&e.CorrelationID, &e.OperationType, &opData, &e.RetryCount,
				&e.MaxRetries, &e.NextRetryAt, &e.LastError, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
				return fmt.Errorf("store: scan recovery entry: %w", err)
			}
			unmarshalJSON(opData, &e.OperationData)
			out = append(out, &e)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for _, e := range out {
			if _, err := tx.ExecContext(ctx, `
				UPDATE recovery_queue SET status = 'processing', updated_at = now()
				WHERE correlation_id = $1`, e.CorrelationID); err != nil {
				return fmt.Errorf("store: mark entry processing: %w", err)
			}
			e.Status = recovery.EntryProcessing
		}
		return nil
	})
	return out, err
}

// DeleteRecoveryEntry removes the retry-queue row after a successful
// re-execution.
func (p *Postgres) DeleteRecoveryEntry(ctx context.Context, id uuid.UUID) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM recovery_queue WHERE correlation_id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete recovery entry: %w", err)
	}
	return nil
}

// PromoteToDLQ atomically inserts the DLQ row, advances the saga to dlq and
// deletes the recovery-queue row.
func (p *Postgres) PromoteToDLQ(ctx context.Context, d *recovery.DLQEntry) error {
	opData, err := marshalJSON(d.OperationData)
	if err != nil {
		return fmt.Errorf("store: marshal operation data: %w", err)
	}
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO dead_letter_queue (correlation_id, operation_type, operation_data,
				failure_reason, retry_count, requires_compensation, compensation_status)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			RETURNING id`,
			d.CorrelationID, d.OperationType, opData, d.FailureReason,
			d.RetryCount, d.RequiresCompensation, d.CompensationStatus).Scan(&d.ID); err != nil {
			return fmt.Errorf("store: insert dlq entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sagas SET current_state = $1, updated_at = now()
			WHERE correlation_id = $2`, saga.StateDLQ, d.CorrelationID); err != nil {
			return fmt.Errorf("store: advance saga to dlq: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM recovery_queue WHERE correlation_id = $1`, d.CorrelationID); err != nil {
			return fmt.Errorf("store: delete recovery entry: %w", err)
		}
		return nil
	})
}

const dlqColumns = `id, correlation_id, operation_type, operation_data, failure_reason,
	retry_count, requires_compensation, compensation_status, created_at,
	resolved_at, COALESCE(resolved_by, ''), COALESCE(resolution_notes, '')`

func scanDLQ(row interface{ Scan(...interface{}) error }) (*recovery.DLQEntry, error) {
	var d recovery.DLQEntry
	var opData []byte
	var resolvedAt sql.NullTime
	err := row.Scan(&d.ID, &d.CorrelationID, &d.OperationType, &opData, &d.FailureReason,
		&d.RetryCount, &d.RequiresCompensation, &d.CompensationStatus, &d.CreatedAt,
		&resolvedAt, &d.ResolvedBy, &d.ResolutionNotes)
	if err != nil {
		return nil, err
	}
	unmarshalJSON(opData, &d.OperationData)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return &d, nil
}

// GetDLQEntry loads one DLQ row.
func (p *Postgres) GetDLQEntry(ctx context.Context, id int64) (*recovery.DLQEntry, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM dead_letter_queue WHERE id = $1`, id)
	d, err := scanDLQ(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: dlq entry %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get dlq entry: %w", err)
	}
	return d, nil
}

// ListUnresolvedDLQ pages through unresolved DLQ entries, newest first.
func (p *Postgres) ListUnresolvedDLQ(ctx context.Context, limit, offset int) ([]*recovery.DLQEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+dlqColumns+` FROM dead_letter_queue
		WHERE resolved_at IS NULL
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list dlq: %w", err)
	}
	defer rows.Close()

	var out []*recovery.DLQEntry
	for rows.Next() {
		d, err := scanDLQ(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan dlq entry: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ResolveDLQEntry stamps operator resolution onto a DLQ row.
func (p *Postgres) ResolveDLQEntry(ctx context.Context, id int64, by, notes string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE dead_letter_queue SET resolved_at = now(), resolved_by = $1, resolution_notes = $2
		WHERE id = $3 AND resolved_at IS NULL`, by, notes, id)
	if err != nil {
		return fmt.Errorf("store: resolve dlq entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: dlq entry %d not found or already resolved", id)
	}
	return nil
}

// SetDLQCompensationStatus updates the compensation phase on a DLQ row.
func (p *Postgres) SetDLQCompensationStatus(ctx context.Context, id int64, status string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE dead_letter_queue SET compensation_status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("store: set compensation status: %w", err)
	}
	return nil
}

// DLQDepth returns the number of unresolved DLQ entries.
func (p *Postgres) DLQDepth(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letter_queue WHERE resolved_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: dlq depth: %w", err)
	}
	return n, nil
}

// InsertCompensationAction creates a pending compensation row.
func (p *Postgres) InsertCompensationAction(ctx context.Context, a *recovery.CompensationAction) error {
	data, err := marshalJSON(a.ActionData)
	if err != nil {
		return fmt.Errorf("store: marshal action data: %w", err)
	}
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO compensation_actions (correlation_id, action_type, action_data, status)
		VALUES ($1,$2,$3,$4) RETURNING id`,
		a.CorrelationID, a.ActionType, data, a.Status).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("store: insert compensation action: %w", err)
	}
	return nil
}

// PendingCompensationActions lists compensation rows awaiting an operator
// for one saga.
func (p *Postgres) PendingCompensationActions(ctx context.Context, correlationID uuid.UUID) ([]*recovery.CompensationAction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, correlation_id, action_type, action_data, status, COALESCE(result, ''), created_at, executed_at
		FROM compensation_actions
		WHERE correlation_id = $1 AND status = 'pending'
		ORDER BY id ASC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("store: pending compensations: %w", err)
	}
	defer rows.Close()

	var out []*recovery.CompensationAction
	for rows.Next() {
		var a recovery.CompensationAction
		var data []byte
		var executedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.CorrelationID, &a.ActionType, &data,
			&a.Status, &a.Result, &a.CreatedAt, &executedAt); err != nil {
			return nil, fmt.Errorf("store: scan compensation: %w", err)
		}
		unmarshalJSON(data, &a.ActionData)
		if executedAt.Valid {
			t := executedAt.Time
			a.ExecutedAt = &t
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// UpdateCompensationAction writes the execution outcome of a compensation.
func (p *Postgres) UpdateCompensationAction(ctx context.Context, a *recovery.CompensationAction) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE compensation_actions SET status = $1, result = $2, executed_at = $3
		WHERE id = $4`, a.Status, a.Result, a.ExecutedAt, a.ID)
	if err != nil {
		return fmt.Errorf("store: update compensation action: %w", err)
	}
	return nil
}

// InsertHealthMetric appends one persisted metric sample.
func (p *Postgres) InsertHealthMetric(ctx context.Context, m *metrics.HealthMetric) error {
	meta, err := marshalJSON(m.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal metric metadata: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO health_metrics (metric_type, metric_name, metric_value, recorded_at, metadata)
		VALUES ($1,$2,$3,$4,$5)`,
		m.MetricType, m.MetricName, m.Value, m.RecordedAt, meta)
	if err != nil {
		return fmt.Errorf("store: insert health metric: %w", err)
	}
	return nil
}
