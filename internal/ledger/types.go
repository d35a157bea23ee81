// Package ledger defines the LedgerClient capability — the only trusted
// external surface of the core. The real implementation (contract ABI
// binding, signer management, RPC transport) lives outside this repo; the
// core programs against the Client interface and the in-memory MockClient
// stands in for it in tests and dev mode.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// Status is the on-ledger escrow status code (u8 0..4).
type Status uint8

const (
	StatusCreated Status = iota
	StatusFunded
	StatusDisputed
	StatusReleased
	StatusExpired
)

// String maps the status code to its canonical name.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusFunded:
		return "funded"
	case StatusDisputed:
		return "disputed"
	case StatusReleased:
		return "released"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned by ReadEscrow when the ledger has no record for
// the key (the contract reports a zero seller address).
var ErrNotFound = errors.New("ledger: escrow not found")

// EscrowState is the per-entity state the ledger exposes for one escrow.
// Amounts are unbounded integers end to end.
type EscrowState struct {
	Seller           string
	Buyer            string
	Amount           *big.Int
	Token            string
	Status           Status
	SellerConfirmed  bool
	BuyerConfirmed   bool
	DisputeRaised    bool
	CreatedAt        time.Time
	ExpiresAt        time.Time
	RWANFTContract   string
	RWATokenID       *big.Int
	FeeAmount        *big.Int
	DiscountRate     uint16 // basis points, 0..10000
	DiscountDeadline time.Time
}

// Event is one typed event from the ledger stream. The pair
// (TxHash, LogIndex) together with Name is the stable event identity the
// ingestor deduplicates on.
type Event struct {
	Name        string
	Args        map[string]interface{}
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
}

// MultiSigApprovals is the on-ledger approval set for a funded escrow.
type MultiSigApprovals struct {
	Approvers []string
	Required  int
	Count     int
}

// Transfer records one value movement executed by the ledger. The mock
// client exposes these so tests can assert payout ordering and amounts.
type Transfer struct {
	To     string
	Amount *big.Int
	Token  string
	Kind   string // "fee", "payout", "refund", "nft"
}

// Client is the LedgerClient capability. Every call is cancellable via ctx;
// Submit guarantees at-least-once semantics only — callers carry idempotency
// keys and rely on reconciled convergence.
type Client interface {
	// ReadEscrow returns the escrow state for a key, or ErrNotFound.
	ReadEscrow(ctx context.Context, key Key) (*EscrowState, error)

	// Submit sends an operation to the ledger and returns the tx hash.
	Submit(ctx context.Context, operation string, payload map[string]interface{}) (string, error)

	// Events returns the ledger event stream. The channel is closed when
	// ctx is cancelled.
	Events(ctx context.Context) (<-chan Event, error)

	// ReadMultiSigApprovals returns the approval set for a funded escrow.
	ReadMultiSigApprovals(ctx context.Context, key Key) (*MultiSigApprovals, error)
}
