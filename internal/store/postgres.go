// Package store is the transactional store of record. The Postgres
// implementation persists every core entity — sagas, the recovery queue,
// the DLQ, compensation actions, the escrow mirror, reconciliation logs
// and health metrics — and is the serialization point for all state
// changes. MemoryStore in memory.go is the in-process fallback used by
// tests and dev mode.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/lib/pq"
)

// Postgres wraps a database/sql connection pool with the core's store
// operations.
type Postgres struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgres connects and bootstraps the schema.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	p := &Postgres{
		db:     db,
		logger: log.New(log.Writer(), "[Store] ", log.LstdFlags),
	}
	if err := p.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	p.logger.Println("Postgres connected, schema ready")
	return p, nil
}

// Close shuts down the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// contentionRetries bounds in-place retries of a transaction on
// serialization failure or deadlock before escalating.
const contentionRetries = 3

// isContention reports whether err is a Postgres serialization failure
// (40001) or deadlock (40P01).
func isContention(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// withTx runs fn inside a transaction, retrying contention errors up to
// contentionRetries times.
func (p *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < contentionRetries; attempt++ {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			if isContention(err) {
				lastErr = err
				p.logger.Printf("tx contention (attempt %d/%d): %v", attempt+1, contentionRetries, err)
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isContention(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("store: commit: %w", err)
		}
		return nil
	}
	return fmt.Errorf("store: contention after %d attempts: %w", contentionRetries, lastErr)
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(raw []byte, dst interface{}) {
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, dst)
	}
}

// ensureSchema creates the tables and indexes of the persisted state
// layout. CREATE IF NOT EXISTS keeps startup idempotent; real migration
// tooling lives outside the core.
func (p *Postgres) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sagas (
			correlation_id  UUID PRIMARY KEY,
			operation_type  TEXT NOT NULL,
			entity_type     TEXT NOT NULL,
			entity_id       TEXT NOT NULL,
			current_state   TEXT NOT NULL,
			steps_completed TEXT[] NOT NULL DEFAULT '{}',
			steps_remaining TEXT[] NOT NULL DEFAULT '{}',
			context_data    JSONB NOT NULL DEFAULT '{}',
			initiated_by    TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT,
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL,
			completed_at    TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sagas_state ON sagas (current_state)`,
		`CREATE INDEX IF NOT EXISTS idx_sagas_operation ON sagas (operation_type)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sagas_idempotency ON sagas (idempotency_key) WHERE idempotency_key IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS recovery_queue (
			correlation_id UUID PRIMARY KEY REFERENCES sagas (correlation_id) ON DELETE CASCADE,
			operation_type TEXT NOT NULL,
			operation_data JSONB NOT NULL DEFAULT '{}',
			retry_count    INT NOT NULL DEFAULT 0,
			max_retries    INT NOT NULL DEFAULT 5,
			next_retry_at  TIMESTAMPTZ NOT NULL,
			last_error     TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'pending',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recovery_due ON recovery_queue (status, next_retry_at)`,

		`CREATE TABLE IF NOT EXISTS dead_letter_queue (
			id                    BIGSERIAL PRIMARY KEY,
			correlation_id        UUID NOT NULL REFERENCES sagas (correlation_id) ON DELETE CASCADE,
			operation_type        TEXT NOT NULL,
			operation_data        JSONB NOT NULL DEFAULT '{}',
			failure_reason        TEXT NOT NULL DEFAULT '',
			retry_count           INT NOT NULL DEFAULT 0,
			requires_compensation BOOLEAN NOT NULL DEFAULT FALSE,
			compensation_status   TEXT NOT NULL DEFAULT 'pending',
			created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
			resolved_at           TIMESTAMPTZ,
			resolved_by           TEXT,
			resolution_notes      TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_resolution ON dead_letter_queue (resolved_at, operation_type)`,

		`CREATE TABLE IF NOT EXISTS compensation_actions (
			id             BIGSERIAL PRIMARY KEY,
			correlation_id UUID NOT NULL REFERENCES sagas (correlation_id) ON DELETE CASCADE,
			action_type    TEXT NOT NULL,
			action_data    JSONB NOT NULL DEFAULT '{}',
			status         TEXT NOT NULL DEFAULT 'pending',
			result         TEXT,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			executed_at    TIMESTAMPTZ
		)`,

		`CREATE TABLE IF NOT EXISTS escrows (
			invoice_id        UUID PRIMARY KEY,
			seller            TEXT NOT NULL,
			buyer             TEXT NOT NULL,
			amount            TEXT NOT NULL,
			token             TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			seller_confirmed  BOOLEAN NOT NULL DEFAULT FALSE,
			buyer_confirmed   BOOLEAN NOT NULL DEFAULT FALSE,
			dispute_raised    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at        TIMESTAMPTZ NOT NULL,
			expires_at        TIMESTAMPTZ NOT NULL,
			rwa_nft_contract  TEXT,
			rwa_token_id      TEXT,
			fee_amount        TEXT NOT NULL DEFAULT '0',
			discount_rate     INT NOT NULL DEFAULT 0,
			discount_deadline TIMESTAMPTZ,
			last_tx_hash      TEXT,
			updated_at        TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows (status)`,

		`CREATE TABLE IF NOT EXISTS multisig_approvals (
			invoice_id UUID PRIMARY KEY REFERENCES escrows (invoice_id) ON DELETE CASCADE,
			approvers  TEXT[] NOT NULL DEFAULT '{}',
			required   INT NOT NULL DEFAULT 2,
			updated_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS dispute_votes (
			invoice_id               UUID PRIMARY KEY REFERENCES escrows (invoice_id) ON DELETE CASCADE,
			snapshot_arbitrator_count INT NOT NULL,
			votes_for_buyer          INT NOT NULL DEFAULT 0,
			votes_for_seller         INT NOT NULL DEFAULT 0,
			resolved                 BOOLEAN NOT NULL DEFAULT FALSE,
			voters                   TEXT[] NOT NULL DEFAULT '{}',
			opened_at                TIMESTAMPTZ NOT NULL,
			updated_at               TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS processed_events (
			event_name TEXT NOT NULL,
			tx_hash    TEXT NOT NULL,
			log_index  BIGINT NOT NULL,
			seen_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (event_name, tx_hash, log_index)
		)`,

		`CREATE TABLE IF NOT EXISTS reconciliation_logs (
			id                 BIGSERIAL PRIMARY KEY,
			run_id             UUID NOT NULL,
			invoice_id         UUID NOT NULL,
			chain_status       TEXT NOT NULL,
			db_status          TEXT NOT NULL,
			chain_amount       TEXT NOT NULL DEFAULT '0',
			db_amount          TEXT NOT NULL DEFAULT '0',
			discrepancy_amount TEXT NOT NULL DEFAULT '0',
			discrepancy_type   TEXT NOT NULL,
			chain_seller       TEXT,
			chain_buyer        TEXT,
			db_seller          TEXT,
			db_buyer           TEXT,
			notes              TEXT,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recon_logs_run ON reconciliation_logs (run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_recon_logs_type ON reconciliation_logs (discrepancy_type) WHERE discrepancy_type != 'none'`,
		`CREATE INDEX IF NOT EXISTS idx_recon_logs_created ON reconciliation_logs (created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS reconciliation_summaries (
			run_id                   UUID PRIMARY KEY,
			run_type                 TEXT NOT NULL,
			total_count              INT NOT NULL DEFAULT 0,
			matched_count            INT NOT NULL DEFAULT 0,
			discrepancy_count        INT NOT NULL DEFAULT 0,
			missing_chain_count      INT NOT NULL DEFAULT 0,
			missing_db_count         INT NOT NULL DEFAULT 0,
			total_discrepancy_amount TEXT NOT NULL DEFAULT '0',
			started_at               TIMESTAMPTZ NOT NULL,
			completed_at             TIMESTAMPTZ,
			status                   TEXT NOT NULL,
			error_message            TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS health_metrics (
			id           BIGSERIAL PRIMARY KEY,
			metric_type  TEXT NOT NULL,
			metric_name  TEXT NOT NULL,
			metric_value NUMERIC NOT NULL,
			recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			metadata     JSONB NOT NULL DEFAULT '{}'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}
