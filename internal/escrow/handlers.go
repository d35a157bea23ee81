package escrow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/torc/backend/internal/ledger"
	"github.com/torc/backend/internal/recovery"
	"github.com/torc/backend/internal/saga"
)

// RegisterRecovery binds the escrow step programs to the recovery registry.
// The pipeline resolves handlers by operation type, so the escrow service
// and the pipeline never import each other's internals.
func (s *Service) RegisterRecovery(registry *recovery.Registry) {
	registry.Register(saga.OpEscrowRelease, s.recoverLedgerOp)
	registry.Register(saga.OpEscrowDispute, s.recoverLedgerOp)
	registry.Register(saga.OpFinancingPipeline, s.recoverFinancing)
	registry.RegisterCompensation("refund_escrow_release", s.compensateRelease)
}

// recoverLedgerOp re-runs the release/resolution step program. Completed
// steps are skipped via the saga's step log, so a retry after a mid-saga
// crash never resubmits a committed ledger transaction.
func (s *Service) recoverLedgerOp(ctx context.Context, op *recovery.Operation) error {
	data := op.Saga.ContextData
	operation, _ := data["operation"].(string)
	invoiceStr, _ := data["invoice_id"].(string)
	invoiceID, err := uuid.Parse(invoiceStr)
	if err != nil {
		return saga.Errorf(saga.KindValidation, "escrow.recover",
			"saga %s carries no invoice id", op.Saga.CorrelationID)
	}

	payload := map[string]interface{}{"key": ledger.KeyFromInvoiceID(invoiceID).Hex()}
	switch operation {
	case "confirmRelease":
		payload["caller"], _ = data["caller"].(string)
	case "resolveDispute":
		payload["winner"], _ = data["winner"].(string)
	default:
		return saga.Errorf(saga.KindValidation, "escrow.recover",
			"saga %s carries unknown operation %q", op.Saga.CorrelationID, operation)
	}
	return s.runLedgerSteps(ctx, op.Saga.CorrelationID, operation, payload)
}

// recoverFinancing re-submits the external funding call with the original
// parameters from the saga context. The liquidity contract is idempotent on
// the invoice hash, so a duplicate submit after a mid-saga crash is
// harmless; a committed EXTERNAL_LIQUIDITY step is skipped outright.
func (s *Service) recoverFinancing(ctx context.Context, op *recovery.Operation) error {
	sg := op.Saga
	invoiceID, err := uuid.Parse(sg.EntityID)
	if err != nil {
		return saga.Errorf(saga.KindValidation, "escrow.financing",
			"saga %s carries bad entity id %q", sg.CorrelationID, sg.EntityID)
	}

	if !sg.HasStep(saga.StepExternalLiquidity) {
		payload := map[string]interface{}{"key": ledger.KeyFromInvoiceID(invoiceID).Hex()}
		if params, ok := sg.ContextData["funding"].(map[string]interface{}); ok {
			for k, v := range params {
				payload[k] = v
			}
		}
		txHash, err := s.ledger.Submit(ctx, "fundInvoice", payload)
		if err != nil {
			return saga.ClassifyLedgerError("escrow.financing", err)
		}
		if err := s.recordStep(ctx, sg.CorrelationID, saga.StepExternalLiquidity, map[string]interface{}{
			"tx_hash": txHash,
		}); err != nil {
			return err
		}
	}

	s.logger.Printf("AUDIT %s invoice=%s op=fundInvoice", sg.CorrelationID, invoiceID)
	return nil
}

// compensateRelease produces the reversal instruction for a release whose
// ledger leg committed but whose saga could not converge. The ledger has no
// un-release; the instruction routes the refund through the treasury desk
// and the operator records the outcome on the DLQ entry.
func (s *Service) compensateRelease(ctx context.Context, action *recovery.CompensationAction) (string, error) {
	invoiceStr, _ := action.ActionData["invoice_id"].(string)
	invoiceID, err := uuid.Parse(invoiceStr)
	if err != nil {
		return "", fmt.Errorf("compensation action %d carries no invoice id", action.ID)
	}
	e, err := s.store.GetEscrow(ctx, invoiceID)
	if err != nil {
		return "", err
	}
	if e == nil {
		return "", fmt.Errorf("no mirror row for invoice %s", invoiceID)
	}
	instruction := fmt.Sprintf(
		"treasury refund: %s %s to buyer %s (reverse fee %s) for invoice %s, last tx %s",
		e.Amount, e.Token, e.Buyer, e.FeeAmount, invoiceID, e.LastTxHash)
	s.logger.Printf("COMPENSATE %s: %s", action.CorrelationID, instruction)
	return instruction, nil
}
