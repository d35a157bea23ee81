package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers and the recovery pipeline apply the
// right policy: transient errors retry with backoff, permanent errors fail
// fast, contention retries in place, validation never enqueues.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransientLedger
	KindPermanentLedger
	KindStoreContention
	KindValidation
	KindStateMachineViolation
	KindCompensationRequired
)

func (k Kind) String() string {
	switch k {
	case KindTransientLedger:
		return "transient_ledger_error"
	case KindPermanentLedger:
		return "permanent_ledger_error"
	case KindStoreContention:
		return "store_contention"
	case KindValidation:
		return "validation_error"
	case KindStateMachineViolation:
		return "state_machine_violation"
	case KindCompensationRequired:
		return "compensation_required"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and the operation that produced it.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is E with a formatted cause.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from an error chain, KindUnknown if absent.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// Retryable reports whether the recovery pipeline should retry the error.
// Permanent reverts, validation failures and state machine violations are
// never retried.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindPermanentLedger, KindValidation, KindStateMachineViolation:
		return false
	}
	return true
}

// ClassifyLedgerError maps a raw ledger client failure to a kind. Reverts
// carry a known reason string and are permanent; timeouts, cancellations
// and transport failures are transient.
func ClassifyLedgerError(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "revert"):
		return E(KindPermanentLedger, op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return E(KindTransientLedger, op, err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "nonce"),
		strings.Contains(msg, "connection"), strings.Contains(msg, "unavailable"):
		return E(KindTransientLedger, op, err)
	default:
		return E(KindTransientLedger, op, err)
	}
}
