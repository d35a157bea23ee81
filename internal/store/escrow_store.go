package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/torc/backend/internal/escrow"
)

// UpsertEscrow writes the mirror row for an invoice. The ingestor and
// API-driven sagas both land here; per-invoice serialization comes from
// the primary-key row lock.
func (p *Postgres) UpsertEscrow(ctx context.Context, e *escrow.Escrow) error {
	var rwaContract, rwaTokenID, lastTx interface{}
	if e.RWANFTContract != "" {
		rwaContract, rwaTokenID = e.RWANFTContract, e.RWATokenID
	}
	if e.LastTxHash != "" {
		lastTx = e.LastTxHash
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (invoice_id, seller, buyer, amount, token, status,
			seller_confirmed, buyer_confirmed, dispute_raised, created_at, expires_at,
			rwa_nft_contract, rwa_token_id, fee_amount, discount_rate, discount_deadline,
			last_tx_hash, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (invoice_id) DO UPDATE SET
			seller = EXCLUDED.seller, buyer = EXCLUDED.buyer,
			amount = EXCLUDED.amount, token = EXCLUDED.token,
			status = EXCLUDED.status,
			seller_confirmed = EXCLUDED.seller_confirmed,
			buyer_confirmed = EXCLUDED.buyer_confirmed,
			dispute_raised = EXCLUDED.dispute_raised,
			rwa_nft_contract = EXCLUDED.rwa_nft_contract,
			rwa_token_id = EXCLUDED.rwa_token_id,
			fee_amount = EXCLUDED.fee_amount,
			discount_rate = EXCLUDED.discount_rate,
			discount_deadline = EXCLUDED.discount_deadline,
			last_tx_hash = EXCLUDED.last_tx_hash,
			updated_at = EXCLUDED.updated_at`,
		e.InvoiceID, e.Seller, e.Buyer, e.Amount, e.Token, e.Status,
		e.SellerConfirmed, e.BuyerConfirmed, e.DisputeRaised, e.CreatedAt, e.ExpiresAt,
		rwaContract, rwaTokenID, e.FeeAmount, e.DiscountRate, e.DiscountDeadline,
		lastTx, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert escrow: %w", err)
	}
	return nil
}

const escrowColumns = `invoice_id, seller, buyer, amount, token, status,
	seller_confirmed, buyer_confirmed, dispute_raised, created_at, expires_at,
	COALESCE(rwa_nft_contract, ''), COALESCE(rwa_token_id, ''), fee_amount,
	discount_rate, discount_deadline, COALESCE(last_tx_hash, ''), updated_at`

func scanEscrow(row interface{ Scan(...interface{}) error }) (*escrow.Escrow, error) {
	var e escrow.Escrow
	var deadline sql.NullTime
	err := row.Scan(&e.InvoiceID, &e.Seller, &e.Buyer, &e.Amount, &e.Token, &e.Status,
		&e.SellerConfirmed, &e.BuyerConfirmed, &e.DisputeRaised, &e.CreatedAt, &e.ExpiresAt,
		&e.RWANFTContract, &e.RWATokenID, &e.FeeAmount,
		&e.DiscountRate, &deadline, &e.LastTxHash, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if deadline.Valid {
		t := deadline.Time
		e.DiscountDeadline = &t
	}
	return &e, nil
}

// GetEscrow loads one mirror row; (nil, nil) when absent.
func (p *Postgres) GetEscrow(ctx context.Context, invoiceID uuid.UUID) (*escrow.Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE invoice_id = $1`, invoiceID)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get escrow: %w", err)
	}
	return e, nil
}

// ListEscrows pages the mirror ordered by creation time, oldest first, for
// the reconciliation batch loop.
func (p *Postgres) ListEscrows(ctx context.Context, limit, offset int) ([]*escrow.Escrow, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows ORDER BY created_at ASC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list escrows: %w", err)
	}
	defer rows.Close()

	var out []*escrow.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan escrow: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEscrows returns the mirror size.
func (p *Postgres) CountEscrows(ctx context.Context) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM escrows`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count escrows: %w", err)
	}
	return n, nil
}

// GetMultiSigApproval loads the approval set; (nil, nil) when absent.
func (p *Postgres) GetMultiSigApproval(ctx context.Context, invoiceID uuid.UUID) (*escrow.MultiSigApproval, error) {
	var a escrow.MultiSigApproval
	var approvers []string
	err := p.db.QueryRowContext(ctx, `
		SELECT invoice_id, approvers, required, updated_at
		FROM multisig_approvals WHERE invoice_id = $1`, invoiceID).
		Scan(&a.InvoiceID, pq.Array(&approvers), &a.Required, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get multisig approval: %w", err)
	}
	a.Approvers = approvers
	return &a, nil
}

// UpsertMultiSigApproval writes the approval set.
func (p *Postgres) UpsertMultiSigApproval(ctx context.Context, a *escrow.MultiSigApproval) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO multisig_approvals (invoice_id, approvers, required, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (invoice_id) DO UPDATE SET
			approvers = EXCLUDED.approvers, required = EXCLUDED.required,
			updated_at = EXCLUDED.updated_at`,
		a.InvoiceID, pq.Array(a.Approvers), a.Required, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert multisig approval: %w", err)
	}
	return nil
}

// GetDisputeVote loads the voting record; (nil, nil) when absent.
func (p *Postgres) GetDisputeVote(ctx context.Context, invoiceID uuid.UUID) (*escrow.DisputeVote, error) {
	var d escrow.DisputeVote
	var voters []string
	err := p.db.QueryRowContext(ctx, `
		SELECT invoice_id, snapshot_arbitrator_count, votes_for_buyer, votes_for_seller,
		       resolved, voters, opened_at, updated_at
		FROM dispute_votes WHERE invoice_id = $1`, invoiceID).
		Scan(&d.InvoiceID, &d.SnapshotArbitratorCount, &d.VotesForBuyer, &d.VotesForSeller,
			&d.Resolved, pq.Array(&voters), &d.OpenedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get dispute vote: %w", err)
	}
	d.Voters = voters
	return &d, nil
}

// UpsertDisputeVote writes the voting record.
func (p *Postgres) UpsertDisputeVote(ctx context.Context, d *escrow.DisputeVote) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_votes (invoice_id, snapshot_arbitrator_count, votes_for_buyer,
			votes_for_seller, resolved, voters, opened_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (invoice_id) DO UPDATE SET
			snapshot_arbitrator_count = EXCLUDED.snapshot_arbitrator_count,
			votes_for_buyer = EXCLUDED.votes_for_buyer,
			votes_for_seller = EXCLUDED.votes_for_seller,
			resolved = EXCLUDED.resolved,
			voters = EXCLUDED.voters,
			updated_at = EXCLUDED.updated_at`,
		d.InvoiceID, d.SnapshotArbitratorCount, d.VotesForBuyer,
		d.VotesForSeller, d.Resolved, pq.Array(d.Voters), d.OpenedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert dispute vote: %w", err)
	}
	return nil
}

// MarkEventProcessed records an event identity. Returns false when the
// identity was already seen (duplicate delivery).
func (p *Postgres) MarkEventProcessed(ctx context.Context, name, txHash string, logIndex uint) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_name, tx_hash, log_index)
		VALUES ($1,$2,$3) ON CONFLICT DO NOTHING`, name, txHash, int64(logIndex))
	if err != nil {
		return false, fmt.Errorf("store: mark event processed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
