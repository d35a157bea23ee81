package escrow

import (
	"context"

	"github.com/google/uuid"

	"github.com/torc/backend/internal/events"
	"github.com/torc/backend/internal/ledger"
	"github.com/torc/backend/internal/saga"
)

// ApproveRelease adds one multisig approval. The ledger releases
// automatically once the approval count reaches the threshold; the mirror
// and the approval record follow whatever the ledger did.
func (s *Service) ApproveRelease(ctx context.Context, invoiceID uuid.UUID, approver string) (*MultiSigApproval, error) {
	e, err := s.store.GetEscrow(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, saga.Errorf(saga.KindValidation, "escrow.approve", "escrow %s not found", invoiceID)
	}
	if e.Status != StatusFunded {
		return nil, saga.Errorf(saga.KindValidation, "escrow.approve",
			"escrow %s is %s, not funded", invoiceID, e.Status)
	}

	record, err := s.store.GetMultiSigApproval(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		record = &MultiSigApproval{InvoiceID: invoiceID, Required: s.cfg.MultiSigRequired}
	}
	if record.HasApproved(normalize(approver)) {
		return nil, saga.Errorf(saga.KindValidation, "escrow.approve",
			"%s already approved escrow %s", approver, invoiceID)
	}

	key := ledger.KeyFromInvoiceID(invoiceID)
	txHash, err := s.ledger.Submit(ctx, "approveRelease", map[string]interface{}{
		"key": key.Hex(), "caller": approver,
	})
	if err != nil {
		return nil, saga.ClassifyLedgerError("escrow.approve", err)
	}

	// The ledger's approval set is authoritative; mirror it rather than
	// appending locally.
	onLedger, err := s.ledger.ReadMultiSigApprovals(ctx, key)
	if err == nil {
		record.Approvers = record.Approvers[:0]
		for _, a := range onLedger.Approvers {
			record.Approvers = append(record.Approvers, normalize(a))
		}
		record.Required = onLedger.Required
	} else {
		record.Approvers = append(record.Approvers, normalize(approver))
	}
	record.UpdatedAt = s.now()
	if err := s.store.UpsertMultiSigApproval(ctx, record); err != nil {
		return nil, err
	}

	s.emit(events.EscrowApprovalAdded, invoiceID, map[string]interface{}{
		"approver": normalize(approver),
		"count":    len(record.Approvers),
		"required": record.Required,
		"tx_hash":  txHash,
	})

	e, err = s.refreshMirror(ctx, invoiceID, txHash)
	if err != nil {
		return record, err
	}
	if e != nil && e.Status == StatusReleased {
		s.emit(events.EscrowReleased, invoiceID, map[string]interface{}{
			"seller": e.Seller, "buyer": e.Buyer,
			"amount": e.Amount, "fee": e.FeeAmount, "tx_hash": txHash,
			"via": "multisig",
		})
	}
	return record, nil
}
