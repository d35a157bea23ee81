package escrow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/torc/backend/internal/events"
	"github.com/torc/backend/internal/ledger"
	"github.com/torc/backend/internal/saga"
)

// RaiseDispute freezes a funded escrow and opens the voting record with a
// snapshot of the live arbitrator pool. The snapshot only shrinks from
// here, so arbitrator departures tighten quorum instead of deadlocking the
// dispute.
func (s *Service) RaiseDispute(ctx context.Context, invoiceID uuid.UUID, caller string) (*DisputeVote, error) {
	existing, err := s.store.GetDisputeVote(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.Resolved {
		return nil, saga.Errorf(saga.KindValidation, "escrow.dispute",
			"dispute already open for %s", invoiceID)
	}

	key := ledger.KeyFromInvoiceID(invoiceID)
	txHash, err := s.ledger.Submit(ctx, "raiseDispute", map[string]interface{}{
		"key": key.Hex(), "caller": caller,
	})
	if err != nil {
		return nil, saga.ClassifyLedgerError("escrow.dispute", err)
	}

	now := s.now()
	vote := &DisputeVote{
		InvoiceID:               invoiceID,
		SnapshotArbitratorCount: s.LiveArbitratorCount(),
		OpenedAt:                now,
		UpdatedAt:               now,
	}
	if err := s.store.UpsertDisputeVote(ctx, vote); err != nil {
		return nil, err
	}
	if _, err := s.refreshMirror(ctx, invoiceID, txHash); err != nil {
		return vote, err
	}
	s.emit(events.EscrowDispute, invoiceID, map[string]interface{}{
		"raised_by": normalize(caller),
		"snapshot":  vote.SnapshotArbitratorCount,
		"tx_hash":   txHash,
	})
	return vote, nil
}

// VoteOnDispute records one arbitrator vote and resolves the dispute as
// soon as the combined vote count reaches quorum = ⌈snapshot × pct / 100⌉.
// At quorum the seller needs a strict majority; ties fall to the buyer.
func (s *Service) VoteOnDispute(ctx context.Context, invoiceID uuid.UUID, arbitrator string, forBuyer bool) (*DisputeVote, error) {
	if !s.IsArbitrator(arbitrator) {
		return nil, saga.Errorf(saga.KindValidation, "escrow.vote", "%s is not an arbitrator", arbitrator)
	}
	vote, err := s.store.GetDisputeVote(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if vote == nil {
		return nil, saga.Errorf(saga.KindValidation, "escrow.vote", "no dispute open for %s", invoiceID)
	}
	if vote.Resolved {
		return nil, saga.Errorf(saga.KindValidation, "escrow.vote", "dispute for %s already resolved", invoiceID)
	}
	if vote.HasVoted(normalize(arbitrator)) {
		return nil, saga.Errorf(saga.KindValidation, "escrow.vote",
			"%s already voted on %s", arbitrator, invoiceID)
	}

	// The snapshot shrinks to the live pool so departed arbitrators never
	// count toward quorum. It never grows back.
	if live := s.LiveArbitratorCount(); live < vote.SnapshotArbitratorCount {
		vote.SnapshotArbitratorCount = live
	}

	vote.Voters = append(vote.Voters, normalize(arbitrator))
	if forBuyer {
		vote.VotesForBuyer++
	} else {
		vote.VotesForSeller++
	}
	vote.UpdatedAt = s.now()

	quorum := QuorumRequired(vote.SnapshotArbitratorCount, s.cfg.QuorumPct)
	winner := s.decideDispute(vote, quorum)
	if winner == "" {
		if err := s.store.UpsertDisputeVote(ctx, vote); err != nil {
			return nil, err
		}
		return vote, nil
	}

	e, err := s.store.GetEscrow(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, saga.Errorf(saga.KindValidation, "escrow.vote", "escrow %s not found", invoiceID)
	}
	winnerAddr := e.Buyer
	if winner == "seller" {
		winnerAddr = e.Seller
	}

	if _, err := s.resolveDispute(ctx, invoiceID, winnerAddr, "quorum"); err != nil {
		return vote, err
	}
	vote.Resolved = true
	vote.UpdatedAt = s.now()
	if err := s.store.UpsertDisputeVote(ctx, vote); err != nil {
		return vote, err
	}
	return vote, nil
}

// decideDispute returns "buyer", "seller" or "" (undecided). Resolution
// triggers on the combined vote count, not on one side's tally: once
// buyer+seller votes reach quorum, the seller wins only a strict majority
// and a tie falls to the buyer.
func (s *Service) decideDispute(vote *DisputeVote, quorum int) string {
	if vote.VotesForBuyer+vote.VotesForSeller < quorum {
		return ""
	}
	if vote.VotesForSeller > vote.VotesForBuyer {
		return "seller"
	}
	return "buyer"
}

// SafeEscape lets an admin resolve a dispute the arbitrator pool can no
// longer decide: the live pool has shrunk below the quorum the stored
// snapshot requires. The snapshot itself shrinks only on votes, so a pool
// of 10 that loses 5 arbitrators before anyone votes is escapable (quorum
// 6, live 5) without waiting for the pool to empty.
func (s *Service) SafeEscape(ctx context.Context, invoiceID uuid.UUID, admin, winnerAddr string) (uuid.UUID, error) {
	if !s.IsAdmin(admin) {
		return uuid.Nil, saga.Errorf(saga.KindValidation, "escrow.escape", "%s is not an admin", admin)
	}
	vote, err := s.store.GetDisputeVote(ctx, invoiceID)
	if err != nil {
		return uuid.Nil, err
	}
	if vote == nil || vote.Resolved {
		return uuid.Nil, saga.Errorf(saga.KindValidation, "escrow.escape", "no open dispute for %s", invoiceID)
	}

	quorum := QuorumRequired(vote.SnapshotArbitratorCount, s.cfg.QuorumPct)
	if live := s.LiveArbitratorCount(); live >= quorum {
		return uuid.Nil, saga.Errorf(saga.KindValidation, "escrow.escape",
			"dispute for %s is still decidable: %d live arbitrators, quorum %d",
			invoiceID, live, quorum)
	}

	corrID, err := s.resolveDispute(ctx, invoiceID, winnerAddr, "safe_escape:"+normalize(admin))
	if err != nil {
		return corrID, err
	}
	vote.Resolved = true
	vote.UpdatedAt = s.now()
	if err := s.store.UpsertDisputeVote(ctx, vote); err != nil {
		return corrID, err
	}
	return corrID, nil
}

// resolveDispute submits the outcome to the ledger through a saga. The
// payout (fee first, remainder to the winner, NFT to the counterparty)
// executes on the ledger; the mirror and audit entry follow as steps.
func (s *Service) resolveDispute(ctx context.Context, invoiceID uuid.UUID, winnerAddr, decidedBy string) (uuid.UUID, error) {
	corrID, err := s.sagas.Begin(ctx, saga.BeginRequest{
		OperationType:  saga.OpEscrowDispute,
		EntityType:     "escrow",
		EntityID:       invoiceID.String(),
		StepsRemaining: releaseSteps,
		ContextData: map[string]interface{}{
			"invoice_id": invoiceID.String(),
			"winner":     winnerAddr,
			"operation":  "resolveDispute",
			"decided_by": decidedBy,
		},
		InitiatedBy:    decidedBy,
		IdempotencyKey: fmt.Sprintf("escrow_dispute:%s", invoiceID),
	})
	if err != nil {
		return uuid.Nil, err
	}
	if s.obs != nil {
		s.obs.SagaStarted.WithLabelValues(string(saga.OpEscrowDispute)).Inc()
	}

	current, err := s.sagas.Read(ctx, corrID)
	if err != nil {
		return corrID, err
	}
	if current.CurrentState.Terminal() {
		return corrID, nil
	}
	if current.CurrentState == saga.StatePending {
		if err := s.sagas.AdvanceState(ctx, corrID, saga.StateProcessing, saga.Advance{}); err != nil {
			return corrID, err
		}
	}

	if err := s.runLedgerSteps(ctx, corrID, "resolveDispute", map[string]interface{}{
		"key":    ledger.KeyFromInvoiceID(invoiceID).Hex(),
		"winner": winnerAddr,
	}); err != nil {
		return corrID, s.failSaga(ctx, corrID, saga.OpEscrowDispute, err)
	}

	if err := s.sagas.AdvanceState(ctx, corrID, saga.StateCompleted, saga.Advance{
		StepsRemaining: []string{},
	}); err != nil {
		return corrID, err
	}
	if s.obs != nil {
		s.obs.SagaCompleted.WithLabelValues(string(saga.OpEscrowDispute)).Inc()
	}
	return corrID, nil
}
