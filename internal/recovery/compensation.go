package recovery

import (
	"context"
	"fmt"

	"github.com/torc/backend/internal/saga"
)

// ExecuteCompensation runs the pending compensation actions of one DLQ
// entry. It is operator-gated: nothing calls it except the admin surface,
// and the operator identity is recorded on the entry.
//
// The saga walks dlq → compensating → compensated when every action
// succeeds, or back to failed when any action errors; actions already
// completed are skipped so the call is safe to repeat.
func (p *Pipeline) ExecuteCompensation(ctx context.Context, dlqID int64, operator string) error {
	if operator == "" {
		return saga.Errorf(saga.KindValidation, "recovery.compensate", "operator identity is required")
	}

	entry, err := p.store.GetDLQEntry(ctx, dlqID)
	if err != nil {
		return fmt.Errorf("recovery: load dlq entry %d: %w", dlqID, err)
	}
	if entry == nil {
		return saga.Errorf(saga.KindValidation, "recovery.compensate", "dlq entry %d not found", dlqID)
	}
	if !entry.RequiresCompensation {
		return saga.Errorf(saga.KindValidation, "recovery.compensate",
			"dlq entry %d does not require compensation", dlqID)
	}
	if entry.CompensationStatus == CompensationCompleted {
		return saga.Errorf(saga.KindValidation, "recovery.compensate",
			"dlq entry %d already compensated", dlqID)
	}

	actions, err := p.store.PendingCompensationActions(ctx, entry.CorrelationID)
	if err != nil {
		return fmt.Errorf("recovery: load compensation actions for %s: %w", entry.CorrelationID, err)
	}
	if len(actions) == 0 {
		return saga.Errorf(saga.KindValidation, "recovery.compensate",
			"no pending compensation actions for %s", entry.CorrelationID)
	}

	if err := p.store.SetDLQCompensationStatus(ctx, dlqID, CompensationInProgress); err != nil {
		return fmt.Errorf("recovery: mark compensation in progress: %w", err)
	}
	if err := p.sagas.AdvanceState(ctx, entry.CorrelationID, saga.StateCompensating, saga.Advance{}); err != nil {
		return fmt.Errorf("recovery: advance %s to compensating: %w", entry.CorrelationID, err)
	}
	p.logger.Printf("Compensation started for %s (dlq=%d operator=%s actions=%d)",
		entry.CorrelationID, dlqID, operator, len(actions))

	for _, action := range actions {
		if err := p.executeAction(ctx, action); err != nil {
			_ = p.store.SetDLQCompensationStatus(ctx, dlqID, CompensationFailed)
			if advErr := p.sagas.AdvanceState(ctx, entry.CorrelationID, saga.StateFailed, saga.Advance{}); advErr != nil {
				p.logger.Printf("saga %s: advance to failed after compensation error: %v",
					entry.CorrelationID, advErr)
			}
			return fmt.Errorf("recovery: compensation action %d (%s) failed: %w",
				action.ID, action.ActionType, err)
		}
	}

	if err := p.store.SetDLQCompensationStatus(ctx, dlqID, CompensationCompleted); err != nil {
		return fmt.Errorf("recovery: mark compensation completed: %w", err)
	}
	if err := p.sagas.AdvanceState(ctx, entry.CorrelationID, saga.StateCompensated, saga.Advance{}); err != nil {
		return fmt.Errorf("recovery: advance %s to compensated: %w", entry.CorrelationID, err)
	}
	if err := p.store.ResolveDLQEntry(ctx, dlqID, operator,
		fmt.Sprintf("compensated via %d action(s)", len(actions))); err != nil {
		p.logger.Printf("dlq %d: resolve after compensation failed: %v", dlqID, err)
	}
	p.logger.Printf("✅ Compensation completed for %s (dlq=%d)", entry.CorrelationID, dlqID)
	return nil
}

func (p *Pipeline) executeAction(ctx context.Context, action *CompensationAction) error {
	fn, err := p.registry.ResolveCompensation(action.ActionType)
	if err != nil {
		return err
	}

	action.Status = CompensationInProgress
	if err := p.store.UpdateCompensationAction(ctx, action); err != nil {
		return fmt.Errorf("mark action in progress: %w", err)
	}

	result, execErr := fn(ctx, action)
	now := p.now()
	action.ExecutedAt = &now
	if execErr != nil {
		action.Status = CompensationFailed
		action.Result = execErr.Error()
	} else {
		action.Status = CompensationCompleted
		action.Result = result
	}
	if err := p.store.UpdateCompensationAction(ctx, action); err != nil {
		return fmt.Errorf("record action outcome: %w", err)
	}
	if p.obs != nil {
		outcome := "success"
		if execErr != nil {
			outcome = "failure"
		}
		p.obs.CompensationsExecuted.WithLabelValues(action.ActionType, outcome).Inc()
	}
	if execErr != nil {
		return execErr
	}
	p.logger.Printf("Compensation action %d (%s) done: %s", action.ID, action.ActionType, truncate(result, 120))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
