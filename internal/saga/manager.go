package saga

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence surface the manager needs. The Postgres
// implementation lives in internal/store; tests use the in-memory fake in
// mocks.go.
type Store interface {
	InsertSaga(ctx context.Context, s *Saga) error
	GetSaga(ctx context.Context, id uuid.UUID) (*Saga, error)

	// GetSagaByIdempotencyKey returns (nil, nil) when no saga carries the key.
	GetSagaByIdempotencyKey(ctx context.Context, key string) (*Saga, error)

	// UpdateSagaIf writes s only if the stored row is still in expect.
	// Returns false when the guard fails (concurrent writer won).
	UpdateSagaIf(ctx context.Context, s *Saga, expect State) (bool, error)

	// SagasInStatesBefore lists sagas in any of the given states whose
	// updated_at is older than the cutoff.
	SagasInStatesBefore(ctx context.Context, states []State, cutoff time.Time) ([]*Saga, error)
}

const (
	// contentionRetries bounds in-place retries of a unit of work when the
	// optimistic state guard fails.
	contentionRetries = 3

	// DefaultStuckThreshold is how long a saga may sit in processing or
	// compensating before the stuck scan surfaces it.
	DefaultStuckThreshold = 5 * time.Minute
)

// Manager creates, advances and inspects sagas. One write per step gives a
// durable, replayable log.
type Manager struct {
	store          Store
	logger         *log.Logger
	stuckThreshold time.Duration
	now            func() time.Time
}

// NewManager creates a saga manager backed by store.
func NewManager(store Store) *Manager {
	return &Manager{
		store:          store,
		logger:         log.New(log.Writer(), "[SagaManager] ", log.LstdFlags),
		stuckThreshold: DefaultStuckThreshold,
		now:            time.Now,
	}
}

// SetStuckThreshold overrides how long a saga may sit in a non-terminal
// working state before the stuck scan flags it.
func (m *Manager) SetStuckThreshold(d time.Duration) {
	if d > 0 {
		m.stuckThreshold = d
	}
}

// BeginRequest carries the inputs for starting a saga. IdempotencyKey is
// optional: when set, a prior saga with the same key is returned instead of
// inserting a duplicate.
type BeginRequest struct {
	OperationType  OperationType
	EntityType     string
	EntityID       string
	StepsRemaining []string
	ContextData    map[string]interface{}
	InitiatedBy    string
	IdempotencyKey string
}

// Begin inserts a saga in pending and returns its correlation ID.
func (m *Manager) Begin(ctx context.Context, req BeginRequest) (uuid.UUID, error) {
	switch req.OperationType {
	case OpEscrowRelease, OpEscrowDispute, OpEventProcessing, OpTokenization, OpFinancingPipeline:
	default:
		return uuid.Nil, Errorf(KindValidation, "saga.begin", "unknown operation type %q", req.OperationType)
	}
	if req.EntityID == "" {
		return uuid.Nil, Errorf(KindValidation, "saga.begin", "entity id is required")
	}
	if len(req.StepsRemaining) == 0 {
		return uuid.Nil, Errorf(KindValidation, "saga.begin", "at least one step is required")
	}

	if req.IdempotencyKey != "" {
		existing, err := m.store.GetSagaByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return uuid.Nil, fmt.Errorf("saga.begin: idempotency lookup: %w", err)
		}
		if existing != nil {
			m.logger.Printf("Begin: reusing saga %s for idempotency key %s", existing.CorrelationID, req.IdempotencyKey)
			return existing.CorrelationID, nil
		}
	}

	now := m.now()
	s := &Saga{
		CorrelationID:  uuid.New(),
		OperationType:  req.OperationType,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		CurrentState:   StatePending,
		StepsCompleted: []string{},
		StepsRemaining: append([]string(nil), req.StepsRemaining...),
		ContextData:    req.ContextData,
		InitiatedBy:    req.InitiatedBy,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.InsertSaga(ctx, s); err != nil {
		return uuid.Nil, fmt.Errorf("saga.begin: insert: %w", err)
	}
	m.logger.Printf("Begin: %s op=%s entity=%s/%s by=%s steps=%d",
		s.CorrelationID, s.OperationType, s.EntityType, s.EntityID, s.InitiatedBy, len(s.StepsRemaining))
	return s.CorrelationID, nil
}

// Advance carries the optional mutations applied together with a state
// transition. AppendCompleted adds to the step log; StepsRemaining replaces
// the remaining list when non-nil; ContextData merges into the payload.
type Advance struct {
	AppendCompleted []string
	StepsRemaining  []string
	ContextData     map[string]interface{}
}

// AdvanceState atomically transitions a saga. Illegal transitions are
// rejected with KindStateMachineViolation; terminal states stamp
// CompletedAt. The write is guarded on the previously read state and
// retried up to contentionRetries times.
func (m *Manager) AdvanceState(ctx context.Context, id uuid.UUID, to State, adv Advance) error {
	for attempt := 0; ; attempt++ {
		s, err := m.store.GetSaga(ctx, id)
		if err != nil {
			return fmt.Errorf("saga.advance: load %s: %w", id, err)
		}
		from := s.CurrentState
		if !CanTransition(from, to) {
			return Errorf(KindStateMachineViolation, "saga.advance", "illegal transition %s → %s for %s", from, to, id)
		}

		s.StepsCompleted = append(s.StepsCompleted, adv.AppendCompleted...)
		if adv.StepsRemaining != nil {
			s.StepsRemaining = adv.StepsRemaining
		}
		if adv.ContextData != nil {
			if s.ContextData == nil {
				s.ContextData = map[string]interface{}{}
			}
			for k, v := range adv.ContextData {
				s.ContextData[k] = v
			}
		}
		if to == StateCompleted && len(s.StepsRemaining) > 0 {
			return Errorf(KindStateMachineViolation, "saga.advance",
				"%s cannot complete with %d steps remaining", id, len(s.StepsRemaining))
		}

		s.CurrentState = to
		s.UpdatedAt = m.now()
		if to.Terminal() {
			done := s.UpdatedAt
			s.CompletedAt = &done
		}

		ok, err := m.store.UpdateSagaIf(ctx, s, from)
		if err != nil {
			return fmt.Errorf("saga.advance: update %s: %w", id, err)
		}
		if ok {
			m.logger.Printf("Advance: %s %s → %s (done=%d remaining=%d)",
				id, from, to, len(s.StepsCompleted), len(s.StepsRemaining))
			return nil
		}
		if attempt+1 >= contentionRetries {
			return Errorf(KindStoreContention, "saga.advance",
				"lost update race on %s after %d attempts", id, contentionRetries)
		}
	}
}

// Read returns a snapshot of the saga.
func (m *Manager) Read(ctx context.Context, id uuid.UUID) (*Saga, error) {
	return m.store.GetSaga(ctx, id)
}

// Stuck lists sagas sitting in processing or compensating longer than the
// stuck threshold.
func (m *Manager) Stuck(ctx context.Context) ([]*Saga, error) {
	cutoff := m.now().Add(-m.stuckThreshold)
	return m.store.SagasInStatesBefore(ctx, []State{StateProcessing, StateCompensating}, cutoff)
}
