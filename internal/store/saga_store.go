package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/torc/backend/internal/saga"
)

// InsertSaga persists a new saga row.
func (p *Postgres) InsertSaga(ctx context.Context, s *saga.Saga) error {
	ctxData, err := marshalJSON(s.ContextData)
	if err != nil {
		return fmt.Errorf("store: marshal saga context: %w", err)
	}
	var idemKey interface{}
	if s.IdempotencyKey != "" {
		idemKey = s.IdempotencyKey
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO sagas (correlation_id, operation_type, entity_type, entity_id,
			current_state, steps_completed, steps_remaining, context_data,
			initiated_by, idempotency_key, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		s.CorrelationID, s.OperationType, s.EntityType, s.EntityID,
		s.CurrentState, pq.Array(s.StepsCompleted), pq.Array(s.StepsRemaining),
		ctxData, s.InitiatedBy, idemKey, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert saga: %w", err)
	}
	return nil
}

const sagaColumns = `correlation_id, operation_type, entity_type, entity_id,
	current_state, steps_completed, steps_remaining, context_data,
	initiated_by, COALESCE(idempotency_key, ''), created_at, updated_at, completed_at`

func scanSaga(row interface{ Scan(...interface{}) error }) (*saga.Saga, error) {
	var s saga.Saga
	var ctxData []byte
	var completed, remaining []string
	var completedAt sql.NullTime
	err := row.Scan(&s.CorrelationID, &s.OperationType, &s.EntityType, &s.EntityID,
		&s.CurrentState, pq.Array(&completed), pq.Array(&remaining), &ctxData,
		&s.InitiatedBy, &s.IdempotencyKey, &s.CreatedAt, &s.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	s.StepsCompleted = completed
	s.StepsRemaining = remaining
	unmarshalJSON(ctxData, &s.ContextData)
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}
	return &s, nil
}

// GetSaga loads one saga by correlation ID.
func (p *Postgres) GetSaga(ctx context.Context, id uuid.UUID) (*saga.Saga, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sagaColumns+` FROM sagas WHERE correlation_id = $1`, id)
	s, err := scanSaga(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: saga %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get saga: %w", err)
	}
	return s, nil
}

// GetSagaByIdempotencyKey returns (nil, nil) when no saga carries the key.
func (p *Postgres) GetSagaByIdempotencyKey(ctx context.Context, key string) (*saga.Saga, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sagaColumns+` FROM sagas WHERE idempotency_key = $1`, key)
	s, err := scanSaga(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: saga by idempotency key: %w", err)
	}
	return s, nil
}

// UpdateSagaIf writes the saga only if the stored state still matches
// expect. A false return means a concurrent writer won the race.
func (p *Postgres) UpdateSagaIf(ctx context.Context, s *saga.Saga, expect saga.State) (bool, error) {
	ctxData, err := marshalJSON(s.ContextData)
	if err != nil {
		return false, fmt.Errorf("store: marshal saga context: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE sagas SET current_state = $1, steps_completed = $2,
			steps_remaining = $3, context_data = $4, updated_at = $5, completed_at = $6
		WHERE correlation_id = $7 AND current_state = $8`,
		s.CurrentState, pq.Array(s.StepsCompleted), pq.Array(s.StepsRemaining),
		ctxData, s.UpdatedAt, s.CompletedAt, s.CorrelationID, expect)
	if err != nil {
		return false, fmt.Errorf("store: update saga: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SagasInStatesBefore lists sagas in any of the states whose updated_at is
// older than the cutoff.
func (p *Postgres) SagasInStatesBefore(ctx context.Context, states []saga.State, cutoff time.Time) ([]*saga.Saga, error) {
	strs := make([]string, len(states))
	for i, st := range states {
		strs[i] = string(st)
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+sagaColumns+` FROM sagas
		 WHERE current_state = ANY($1) AND updated_at < $2
		 ORDER BY updated_at ASC`, pq.Array(strs), cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: stuck sagas: %w", err)
	}
	defer rows.Close()

	var out []*saga.Saga
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan saga: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountSagasByState returns state → count for sagas created in the window,
// for the health aggregator.
func (p *Postgres) CountSagasByState(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT current_state, COUNT(*) FROM sagas
		 WHERE created_at >= $1 GROUP BY current_state`, since)
	if err != nil {
		return nil, fmt.Errorf("store: count sagas: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// AvgSagaDuration returns the mean created→completed duration of completed
// sagas over the window.
func (p *Postgres) AvgSagaDuration(ctx context.Context, since time.Time) (time.Duration, error) {
	var seconds sql.NullFloat64
	err := p.db.QueryRowContext(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM completed_at - created_at))
		FROM sagas
		WHERE current_state = 'completed' AND completed_at >= $1`, since).Scan(&seconds)
	if err != nil {
		return 0, fmt.Errorf("store: avg saga duration: %w", err)
	}
	if !seconds.Valid {
		return 0, nil
	}
	return time.Duration(seconds.Float64 * float64(time.Second)), nil
}
