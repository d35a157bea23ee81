package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/torc/backend/internal/events"
	"github.com/torc/backend/internal/ledger"
	"github.com/torc/backend/internal/saga"
)

// releaseSteps is the step program of a release saga: submit the ledger
// transaction, converge the mirror, write the audit entry.
var releaseSteps = []string{saga.StepBlockchainTx, saga.StepDBUpdate, saga.StepAuditLog}

// ConfirmRelease records a party's release confirmation through a saga.
// When both parties have confirmed the ledger executes the payout (fee to
// treasury, remainder to seller, NFT to buyer) and the mirror follows. A
// failed ledger submission lands the saga in the retry queue.
func (s *Service) ConfirmRelease(ctx context.Context, invoiceID uuid.UUID, caller string) (uuid.UUID, error) {
	e, err := s.store.GetEscrow(ctx, invoiceID)
	if err != nil {
		return uuid.Nil, err
	}
	if e == nil {
		return uuid.Nil, saga.Errorf(saga.KindValidation, "escrow.release", "escrow %s not found", invoiceID)
	}
	if e.Status != StatusFunded && e.Status != StatusExpired {
		return uuid.Nil, saga.Errorf(saga.KindValidation, "escrow.release",
			"escrow %s is %s, not funded", invoiceID, e.Status)
	}

	corrID, err := s.sagas.Begin(ctx, saga.BeginRequest{
		OperationType:  saga.OpEscrowRelease,
		EntityType:     "escrow",
		EntityID:       invoiceID.String(),
		StepsRemaining: releaseSteps,
		ContextData: map[string]interface{}{
			"invoice_id": invoiceID.String(),
			"caller":     caller,
			"operation":  "confirmRelease",
		},
		InitiatedBy:    caller,
		IdempotencyKey: fmt.Sprintf("escrow_release:%s:%s", invoiceID, normalize(caller)),
	})
	if err != nil {
		return uuid.Nil, err
	}
	if s.obs != nil {
		s.obs.SagaStarted.WithLabelValues(string(saga.OpEscrowRelease)).Inc()
	}

	current, err := s.sagas.Read(ctx, corrID)
	if err != nil {
		return corrID, err
	}
	if current.CurrentState.Terminal() {
		// Idempotent replay of an already finished confirmation.
		return corrID, nil
	}
	if current.CurrentState == saga.StatePending {
		if err := s.sagas.AdvanceState(ctx, corrID, saga.StateProcessing, saga.Advance{}); err != nil {
			return corrID, err
		}
	}

	if err := s.runLedgerSteps(ctx, corrID, "confirmRelease", map[string]interface{}{
		"key":    ledger.KeyFromInvoiceID(invoiceID).Hex(),
		"caller": caller,
	}); err != nil {
		return corrID, s.failSaga(ctx, corrID, saga.OpEscrowRelease, err)
	}

	if err := s.sagas.AdvanceState(ctx, corrID, saga.StateCompleted, saga.Advance{
		StepsRemaining: []string{},
	}); err != nil {
		return corrID, err
	}
	if s.obs != nil {
		s.obs.SagaCompleted.WithLabelValues(string(saga.OpEscrowRelease)).Inc()
	}
	return corrID, nil
}

// runLedgerSteps executes the release step program against the saga's step
// log. Completed steps are skipped, so the function is the shared body of
// the API path and the recovery handler.
func (s *Service) runLedgerSteps(ctx context.Context, corrID uuid.UUID, operation string,
	payload map[string]interface{}) error {

	sg, err := s.sagas.Read(ctx, corrID)
	if err != nil {
		return err
	}
	invoiceID, err := uuid.Parse(sg.EntityID)
	if err != nil {
		return saga.Errorf(saga.KindValidation, "escrow.steps", "bad entity id %q: %v", sg.EntityID, err)
	}

	if !sg.HasStep(saga.StepBlockchainTx) {
		txHash, err := s.ledger.Submit(ctx, operation, payload)
		if err != nil {
			return saga.ClassifyLedgerError("escrow."+operation, err)
		}
		if err := s.recordStep(ctx, corrID, saga.StepBlockchainTx, map[string]interface{}{
			"tx_hash": txHash,
		}); err != nil {
			return err
		}
		sg.StepsCompleted = append(sg.StepsCompleted, saga.StepBlockchainTx)
	}

	if !sg.HasStep(saga.StepDBUpdate) {
		e, err := s.refreshMirror(ctx, invoiceID, "")
		if err != nil {
			return err
		}
		if err := s.recordStep(ctx, corrID, saga.StepDBUpdate, nil); err != nil {
			return err
		}
		sg.StepsCompleted = append(sg.StepsCompleted, saga.StepDBUpdate)
		if e != nil && e.Status == StatusReleased {
			s.emit(events.EscrowReleased, invoiceID, map[string]interface{}{
				"seller": e.Seller, "buyer": e.Buyer,
				"amount": e.Amount, "fee": e.FeeAmount, "tx_hash": e.LastTxHash,
			})
		}
	}

	if !sg.HasStep(saga.StepAuditLog) {
		s.logger.Printf("AUDIT %s invoice=%s op=%s by=%v",
			corrID, invoiceID, operation, payload["caller"])
		if err := s.recordStep(ctx, corrID, saga.StepAuditLog, map[string]interface{}{
			"audited_at": s.now().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	return nil
}

// recordStep appends a completed step and pops it from the remaining list,
// staying in processing.
func (s *Service) recordStep(ctx context.Context, corrID uuid.UUID, step string,
	ctxData map[string]interface{}) error {

	sg, err := s.sagas.Read(ctx, corrID)
	if err != nil {
		return err
	}
	remaining := make([]string, 0, len(sg.StepsRemaining))
	for _, r := range sg.StepsRemaining {
		if r != step {
			remaining = append(remaining, r)
		}
	}
	return s.sagas.AdvanceState(ctx, corrID, saga.StateProcessing, saga.Advance{
		AppendCompleted: []string{step},
		StepsRemaining:  remaining,
		ContextData:     ctxData,
	})
}

// failSaga moves the saga to failed and, for retryable errors, enqueues it
// on the recovery pipeline. The original error is always returned.
func (s *Service) failSaga(ctx context.Context, corrID uuid.UUID, op saga.OperationType, cause error) error {
	if advErr := s.sagas.AdvanceState(ctx, corrID, saga.StateFailed, saga.Advance{}); advErr != nil {
		s.logger.Printf("saga %s: advance to failed: %v", corrID, advErr)
	}
	if s.obs != nil {
		s.obs.SagaFailed.WithLabelValues(string(op)).Inc()
	}
	if s.pipeline != nil && saga.Retryable(cause) {
		sg, readErr := s.sagas.Read(ctx, corrID)
		opData := map[string]interface{}{}
		if readErr == nil {
			opData = sg.ContextData
		}
		if err := s.pipeline.Enqueue(ctx, corrID, op, opData, 0, cause); err != nil {
			s.logger.Printf("saga %s: enqueue for recovery failed: %v", corrID, err)
		}
	}
	return cause
}
