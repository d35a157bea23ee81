// Package saga tracks multi-step transaction state with a correlation
// identifier, a durable step log, and compensation hooks. Every initiated
// operation either converges to a consistent final state or is surfaced
// for manual intervention — never silently half-applied.
package saga

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a saga.
type State string

const (
	StatePending      State = "pending"
	StateProcessing   State = "processing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateDLQ          State = "dlq"
	StateCompensating State = "compensating"
	StateCompensated  State = "compensated"
)

// OperationType identifies the multi-step operation a saga orchestrates.
type OperationType string

const (
	OpEscrowRelease     OperationType = "escrow_release"
	OpEscrowDispute     OperationType = "escrow_dispute"
	OpEventProcessing   OperationType = "event_processing"
	OpTokenization      OperationType = "tokenization"
	OpFinancingPipeline OperationType = "financing_pipeline"
)

// Step names recorded in the saga's durable step log. The step list is the
// saga's program counter: on retry, a handler consults StepsCompleted to
// skip already-committed effects.
const (
	StepBlockchainTx      = "BLOCKCHAIN_TX"
	StepDBUpdate          = "DB_UPDATE"
	StepAuditLog          = "AUDIT_LOG"
	StepExternalLiquidity = "EXTERNAL_LIQUIDITY"
	StepPublishEvent      = "PUBLISH_EVENT"
)

// Saga is the durable record of one multi-step operation.
type Saga struct {
	CorrelationID  uuid.UUID              `json:"correlation_id"`
	OperationType  OperationType          `json:"operation_type"`
	EntityType     string                 `json:"entity_type"`
	EntityID       string                 `json:"entity_id"`
	CurrentState   State                  `json:"current_state"`
	StepsCompleted []string               `json:"steps_completed"`
	StepsRemaining []string               `json:"steps_remaining"`
	ContextData    map[string]interface{} `json:"context_data"`
	InitiatedBy    string                 `json:"initiated_by"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// HasStep reports whether a step is in the completed log.
func (s *Saga) HasStep(step string) bool {
	for _, done := range s.StepsCompleted {
		if done == step {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (st State) Terminal() bool {
	return st == StateCompleted || st == StateCompensated
}

// transitions is the legal state graph. pending → processing →
// {completed | failed}; failed → dlq; retries re-enter processing from
// failed; {processing | failed | dlq} → compensating → compensated. The
// processing self-loop records step completions without leaving the state.
var transitions = map[State][]State{
	StatePending:      {StateProcessing},
	StateProcessing:   {StateProcessing, StateCompleted, StateFailed, StateDLQ, StateCompensating},
	StateFailed:       {StateProcessing, StateDLQ, StateCompensating},
	StateDLQ:          {StateCompensating},
	StateCompensating: {StateCompensated, StateFailed},
}

// CanTransition reports whether from → to is a legal saga transition.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
