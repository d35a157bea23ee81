// Package escrow implements the domain protocol each saga drives: the
// escrow state machine (Created → Funded → {Released | Disputed → Resolved
// | Expired}), multi-signature approval accumulation and arbitrator quorum
// voting. The ledger is the source of truth; this package keeps the
// internal mirror convergent and orchestrates ledger submissions through
// sagas.
package escrow

import (
	"time"

	"github.com/google/uuid"
)

// Mirror status values. The mirror keeps released escrows even after the
// ledger deletes the record.
const (
	StatusCreated  = "created"
	StatusFunded   = "funded"
	StatusDisputed = "disputed"
	StatusReleased = "released"
	StatusExpired  = "expired"
)

// Escrow is the internal mirror of one on-ledger escrow. Amounts are
// decimal strings holding unbounded integers; compare by value, not text.
type Escrow struct {
	InvoiceID        uuid.UUID  `json:"invoice_id"`
	Seller           string     `json:"seller"`
	Buyer            string     `json:"buyer"`
	Amount           string     `json:"amount"`
	Token            string     `json:"token"`
	Status           string     `json:"status"`
	SellerConfirmed  bool       `json:"seller_confirmed"`
	BuyerConfirmed   bool       `json:"buyer_confirmed"`
	DisputeRaised    bool       `json:"dispute_raised"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RWANFTContract   string     `json:"rwa_nft_contract,omitempty"`
	RWATokenID       string     `json:"rwa_token_id,omitempty"`
	FeeAmount        string     `json:"fee_amount"`
	DiscountRate     int        `json:"discount_rate"` // basis points, 0..10000
	DiscountDeadline *time.Time `json:"discount_deadline,omitempty"`
	LastTxHash       string     `json:"last_tx_hash,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// MultiSigApproval is the approval set for one funded escrow. Release
// fires automatically once len(Approvers) >= Required.
type MultiSigApproval struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
	Approvers []string  `json:"approvers"`
	Required  int       `json:"required"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasApproved reports whether addr already approved (case-insensitive
// addresses are normalized before storage).
func (a *MultiSigApproval) HasApproved(addr string) bool {
	for _, ap := range a.Approvers {
		if ap == addr {
			return true
		}
	}
	return false
}

// DisputeVote is the per-dispute voting record. SnapshotArbitratorCount is
// taken when the dispute opens and may only shrink (to the live count on
// every vote), so arbitrator departures tighten quorum instead of freezing
// the dispute.
type DisputeVote struct {
	InvoiceID               uuid.UUID `json:"invoice_id"`
	SnapshotArbitratorCount int       `json:"snapshot_arbitrator_count"`
	VotesForBuyer           int       `json:"votes_for_buyer"`
	VotesForSeller          int       `json:"votes_for_seller"`
	Resolved                bool      `json:"resolved"`
	Voters                  []string  `json:"voters"`
	OpenedAt                time.Time `json:"opened_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// HasVoted reports whether an arbitrator already voted on this dispute.
func (d *DisputeVote) HasVoted(arbitrator string) bool {
	for _, v := range d.Voters {
		if v == arbitrator {
			return true
		}
	}
	return false
}

// QuorumRequired computes ⌈snapshot × quorumPct / 100⌉ with a floor of 1.
func QuorumRequired(snapshot, quorumPct int) int {
	q := (snapshot*quorumPct + 99) / 100
	if q < 1 {
		q = 1
	}
	return q
}
