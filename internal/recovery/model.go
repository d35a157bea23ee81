// Package recovery is the durable retry pipeline: a retry queue with
// exponential backoff, a dead-letter queue for terminal failures, and a
// compensation executor gated on operator action.
package recovery

import (
	"time"

	"github.com/google/uuid"

	"github.com/torc/backend/internal/saga"
)

// Recovery entry status values.
const (
	EntryPending    = "pending"
	EntryProcessing = "processing"
	EntryCompleted  = "completed"
	EntryFailed     = "failed"
)

// Compensation status values.
const (
	CompensationPending    = "pending"
	CompensationInProgress = "in_progress"
	CompensationCompleted  = "completed"
	CompensationFailed     = "failed"
)

// Entry is one row in the retry queue. There is at most one per saga: a
// repeated failure replaces the row (upsert on correlation_id).
type Entry struct {
	CorrelationID uuid.UUID              `json:"correlation_id"`
	OperationType saga.OperationType     `json:"operation_type"`
	OperationData map[string]interface{} `json:"operation_data"`
	RetryCount    int                    `json:"retry_count"`
	MaxRetries    int                    `json:"max_retries"`
	NextRetryAt   time.Time              `json:"next_retry_at"`
	LastError     string                 `json:"last_error"`
	Status        string                 `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// DLQEntry is the terminal resting place of a failed saga, awaiting human
// action.
type DLQEntry struct {
	ID                   int64                  `json:"id"`
	CorrelationID        uuid.UUID              `json:"correlation_id"`
	OperationType        saga.OperationType     `json:"operation_type"`
	OperationData        map[string]interface{} `json:"operation_data"`
	FailureReason        string                 `json:"failure_reason"`
	RetryCount           int                    `json:"retry_count"`
	RequiresCompensation bool                   `json:"requires_compensation"`
	CompensationStatus   string                 `json:"compensation_status"`
	CreatedAt            time.Time              `json:"created_at"`
	ResolvedAt           *time.Time             `json:"resolved_at,omitempty"`
	ResolvedBy           string                 `json:"resolved_by,omitempty"`
	ResolutionNotes      string                 `json:"resolution_notes,omitempty"`
}

// CompensationAction is the operator-initiated reversal of visible external
// side effects. Created pending; never auto-executed.
type CompensationAction struct {
	ID            int64                  `json:"id"`
	CorrelationID uuid.UUID              `json:"correlation_id"`
	ActionType    string                 `json:"action_type"`
	ActionData    map[string]interface{} `json:"action_data"`
	Status        string                 `json:"status"`
	Result        string                 `json:"result,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	ExecutedAt    *time.Time             `json:"executed_at,omitempty"`
}

// Backoff returns the delay before the next retry:
// min(2^retryCount, capMinutes) minutes.
func Backoff(retryCount, capMinutes int) time.Duration {
	if capMinutes <= 0 {
		capMinutes = 60
	}
	// Guard the shift; anything past the cap exponent is capped anyway.
	minutes := capMinutes
	if retryCount < 30 {
		if m := 1 << uint(retryCount); m < capMinutes {
			minutes = m
		}
	}
	return time.Duration(minutes) * time.Minute
}
