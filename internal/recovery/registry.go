package recovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/torc/backend/internal/saga"
)

// Operation is what a re-execution handler receives: the claimed queue
// entry plus a snapshot of its saga. Handlers consult Saga.StepsCompleted
// before acting so already-committed effects are never re-applied.
type Operation struct {
	Entry *Entry
	Saga  *saga.Saga
}

// HandlerFunc re-executes one operation type. A nil return means the whole
// operation is now complete.
type HandlerFunc func(ctx context.Context, op *Operation) error

// CompensationFunc reverses one externally visible side effect. Keyed by
// action type, invoked only through the operator-gated executor.
type CompensationFunc func(ctx context.Context, action *CompensationAction) (result string, err error)

// Registry maps operation types to re-execution handlers and action types
// to compensation functions. It is the sole coupling point between the
// pipeline and the domain services: components depend on the registry, not
// on each other.
type Registry struct {
	mu            sync.RWMutex
	handlers      map[saga.OperationType]HandlerFunc
	compensations map[string]CompensationFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:      make(map[saga.OperationType]HandlerFunc),
		compensations: make(map[string]CompensationFunc),
	}
}

// Register binds a re-execution handler to an operation type.
func (r *Registry) Register(op saga.OperationType, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[op] = h
}

// RegisterCompensation binds a compensation function to an action type.
func (r *Registry) RegisterCompensation(actionType string, f CompensationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compensations[actionType] = f
}

// Resolve returns the handler for an operation type. Unknown types get an
// error; the pipeline logs and counts those as failures.
func (r *Registry) Resolve(op saga.OperationType) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[op]
	if !ok {
		return nil, fmt.Errorf("recovery: no handler registered for operation type %q", op)
	}
	return h, nil
}

// ResolveCompensation returns the compensation function for an action type.
func (r *Registry) ResolveCompensation(actionType string) (CompensationFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.compensations[actionType]
	if !ok {
		return nil, fmt.Errorf("recovery: no compensation registered for action type %q", actionType)
	}
	return f, nil
}

// RequiresCompensation is the compensation policy: true when the completed
// steps include an externally visible side effect that idempotent retry of
// the unfinished steps cannot undo.
func RequiresCompensation(op saga.OperationType, stepsCompleted []string) bool {
	has := func(step string) bool {
		for _, s := range stepsCompleted {
			if s == step {
				return true
			}
		}
		return false
	}
	switch op {
	case saga.OpEscrowRelease:
		// Funds already moved on the ledger; compensation is the refund path.
		return has(saga.StepBlockchainTx)
	case saga.OpFinancingPipeline:
		return has(saga.StepExternalLiquidity)
	}
	return false
}
