package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// MockClient is an in-memory ledger used by tests and by cmd/server in dev
// mode. It applies the escrow contract's status transitions, records every
// value transfer, and feeds the event stream — enough to exercise the full
// orchestration core without an RPC node.
type MockClient struct {
	mu        sync.Mutex
	escrows   map[Key]*EscrowState
	approvals map[Key]*MultiSigApprovals
	funded    map[Key]bool
	transfers []Transfer
	events    chan Event
	seq       int

	// Now is overridable so tests can control expiry windows.
	Now func() time.Time

	// Treasury receives fee transfers on release.
	Treasury string

	// failures holds errors injected for upcoming Submit calls, consumed
	// in FIFO order. See FailNextSubmits.
	failures []error
}

// NewMockClient creates an empty in-memory ledger.
func NewMockClient() *MockClient {
	return &MockClient{
		escrows:   make(map[Key]*EscrowState),
		approvals: make(map[Key]*MultiSigApprovals),
		funded:    make(map[Key]bool),
		events:    make(chan Event, 256),
		Now:       time.Now,
		Treasury:  "0xtreasury",
	}
}

// FailNextSubmits queues n transient failures; the next n Submit calls
// return err without touching ledger state.
func (m *MockClient) FailNextSubmits(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failures = append(m.failures, err)
	}
}

// Transfers returns a copy of all recorded value movements, in execution
// order.
func (m *MockClient) Transfers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transfer, len(m.transfers))
	copy(out, m.transfers)
	return out
}

// ReadEscrow implements Client.
func (m *MockClient) ReadEscrow(ctx context.Context, key Key) (*EscrowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.escrows[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	cp.Amount = new(big.Int).Set(st.Amount)
	cp.FeeAmount = new(big.Int).Set(st.FeeAmount)
	if st.RWATokenID != nil {
		cp.RWATokenID = new(big.Int).Set(st.RWATokenID)
	}
	return &cp, nil
}

// ReadMultiSigApprovals implements Client.
func (m *MockClient) ReadMultiSigApprovals(ctx context.Context, key Key) (*MultiSigApprovals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ap, ok := m.approvals[key]
	if !ok {
		return &MultiSigApprovals{Required: 2}, nil
	}
	cp := *ap
	cp.Approvers = append([]string(nil), ap.Approvers...)
	return &cp, nil
}

// Events implements Client. The mock keeps a single stream; the channel is
// drained by the ingestor and closed when ctx ends.
func (m *MockClient) Events(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event, 256)
	go func() {
		defer close(out)
		for {
			select {
			case ev := <-m.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Submit implements Client. Recognized operations mirror the escrow
// contract surface (createEscrow, deposit, confirmRelease, approveRelease,
// reclaimExpiredFunds, raiseDispute, resolveDispute) plus the liquidity
// contract's fundInvoice.
func (m *MockClient) Submit(ctx context.Context, operation string, payload map[string]interface{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return "", err
	}

	key, err := payloadKey(payload)
	if err != nil {
		return "", err
	}

	m.seq++
	txHash := fmt.Sprintf("0xmocktx%08d", m.seq)

	switch operation {
	case "createEscrow":
		err = m.createEscrow(key, payload, txHash)
	case "deposit":
		err = m.deposit(key, payload, txHash)
	case "confirmRelease":
		err = m.confirmRelease(key, payload, txHash)
	case "approveRelease":
		err = m.approveRelease(key, payload, txHash)
	case "reclaimExpiredFunds":
		err = m.reclaimExpired(key, payload, txHash)
	case "raiseDispute":
		err = m.raiseDispute(key, payload, txHash)
	case "resolveDispute":
		err = m.resolveDispute(key, payload, txHash)
	case "fundInvoice":
		err = m.fundInvoice(key, payload, txHash)
	default:
		err = fmt.Errorf("revert: unknown operation %q", operation)
	}
	if err != nil {
		return "", err
	}
	return txHash, nil
}

func (m *MockClient) createEscrow(key Key, p map[string]interface{}, txHash string) error {
	if _, exists := m.escrows[key]; exists {
		return fmt.Errorf("revert: Escrow already exists")
	}
	amount, ok := new(big.Int).SetString(str(p, "amount"), 10)
	if !ok {
		return fmt.Errorf("revert: bad amount")
	}
	fee, ok := new(big.Int).SetString(str(p, "feeAmount"), 10)
	if !ok || fee.Sign() <= 0 {
		return fmt.Errorf("revert: Fee would be zero")
	}
	now := m.Now()
	st := &EscrowState{
		Seller:    str(p, "seller"),
		Buyer:     str(p, "buyer"),
		Amount:    amount,
		Token:     str(p, "token"),
		Status:    StatusCreated,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(i64(p, "durationSeconds")) * time.Second),
		FeeAmount: fee,
	}
	if c := str(p, "rwaContract"); c != "" {
		st.RWANFTContract = c
		st.RWATokenID, _ = new(big.Int).SetString(str(p, "rwaTokenId"), 10)
	}
	if bps := i64(p, "discountBps"); bps > 0 {
		st.DiscountRate = uint16(bps)
		st.DiscountDeadline = time.Unix(i64(p, "discountDeadline"), 0)
	}
	m.escrows[key] = st
	m.approvals[key] = &MultiSigApprovals{Required: 2}
	m.emit("EscrowCreated", key, txHash, map[string]interface{}{
		"seller": st.Seller, "buyer": st.Buyer, "amount": st.Amount.String(), "token": st.Token,
	})
	return nil
}

func (m *MockClient) deposit(key Key, p map[string]interface{}, txHash string) error {
	st, ok := m.escrows[key]
	if !ok {
		return fmt.Errorf("revert: Escrow not found")
	}
	if st.Status != StatusCreated {
		return fmt.Errorf("revert: Not awaiting deposit")
	}
	caller := str(p, "caller")
	if !strings.EqualFold(caller, st.Buyer) {
		return fmt.Errorf("revert: Only buyer")
	}
	now := m.Now()
	if now.After(st.ExpiresAt) {
		return fmt.Errorf("revert: Escrow expired")
	}
	payable := new(big.Int).Set(st.Amount)
	if st.DiscountRate > 0 && !now.After(st.DiscountDeadline) {
		discount := new(big.Int).Mul(st.Amount, big.NewInt(int64(st.DiscountRate)))
		discount.Div(discount, big.NewInt(10000))
		payable.Sub(payable, discount)
	}
	st.Amount = payable
	st.Status = StatusFunded
	m.emit("EscrowFunded", key, txHash, map[string]interface{}{
		"amount": payable.String(), "buyer": st.Buyer,
	})
	return nil
}

func (m *MockClient) confirmRelease(key Key, p map[string]interface{}, txHash string) error {
	st, ok := m.escrows[key]
	if !ok {
		return fmt.Errorf("revert: Escrow not found")
	}
	if st.Status != StatusFunded && st.Status != StatusExpired {
		return fmt.Errorf("revert: Not funded")
	}
	caller := str(p, "caller")
	switch {
	case strings.EqualFold(caller, st.Seller):
		st.SellerConfirmed = true
	case strings.EqualFold(caller, st.Buyer):
		st.BuyerConfirmed = true
	default:
		return fmt.Errorf("revert: Not a party")
	}
	// Past expiry the record flips to Expired but confirmation-driven
	// release stays open for parties who choose to complete.
	if m.Now().After(st.ExpiresAt) && st.Status == StatusFunded {
		st.Status = StatusExpired
	}
	m.emit("ReleaseConfirmed", key, txHash, map[string]interface{}{"by": caller})
	if st.SellerConfirmed && st.BuyerConfirmed {
		m.executeRelease(key, st, st.Seller, txHash)
	}
	return nil
}

func (m *MockClient) approveRelease(key Key, p map[string]interface{}, txHash string) error {
	st, ok := m.escrows[key]
	if !ok {
		return fmt.Errorf("revert: Escrow not found")
	}
	if st.Status != StatusFunded {
		return fmt.Errorf("revert: Not funded")
	}
	ap := m.approvals[key]
	caller := str(p, "caller")
	for _, a := range ap.Approvers {
		if strings.EqualFold(a, caller) {
			return fmt.Errorf("revert: Already approved")
		}
	}
	ap.Approvers = append(ap.Approvers, caller)
	ap.Count = len(ap.Approvers)
	m.emit("ApprovalAdded", key, txHash, map[string]interface{}{
		"approver": caller, "count": ap.Count, "required": ap.Required,
	})
	if ap.Count >= ap.Required {
		m.executeRelease(key, st, st.Seller, txHash)
	}
	return nil
}

func (m *MockClient) reclaimExpired(key Key, p map[string]interface{}, txHash string) error {
	st, ok := m.escrows[key]
	if !ok {
		return fmt.Errorf("revert: Escrow not found")
	}
	if st.Status != StatusFunded && st.Status != StatusExpired {
		return fmt.Errorf("revert: Nothing to reclaim")
	}
	if !strings.EqualFold(str(p, "caller"), st.Buyer) {
		return fmt.Errorf("revert: Only buyer")
	}
	if !m.Now().After(st.ExpiresAt) {
		return fmt.Errorf("revert: Not expired")
	}
	m.transfers = append(m.transfers, Transfer{To: st.Buyer, Amount: new(big.Int).Set(st.Amount), Token: st.Token, Kind: "refund"})
	if st.RWANFTContract != "" {
		m.transfers = append(m.transfers, Transfer{To: st.Seller, Amount: big.NewInt(1), Token: st.RWANFTContract, Kind: "nft"})
	}
	st.Status = StatusExpired
	m.emit("EscrowExpired", key, txHash, map[string]interface{}{"refunded": st.Amount.String()})
	return nil
}

func (m *MockClient) raiseDispute(key Key, p map[string]interface{}, txHash string) error {
	st, ok := m.escrows[key]
	if !ok {
		return fmt.Errorf("revert: Escrow not found")
	}
	if st.Status != StatusFunded {
		return fmt.Errorf("revert: Not funded")
	}
	caller := str(p, "caller")
	if !strings.EqualFold(caller, st.Seller) && !strings.EqualFold(caller, st.Buyer) {
		return fmt.Errorf("revert: Not a party")
	}
	if st.DisputeRaised {
		return fmt.Errorf("revert: Already disputed")
	}
	st.DisputeRaised = true
	st.Status = StatusDisputed
	m.emit("DisputeRaised", key, txHash, map[string]interface{}{"by": caller})
	return nil
}

// resolveDispute applies a dispute outcome decided off-contract by the
// arbitration quorum (or admin safe-escape). The winner takes the payout
// net of fee.
func (m *MockClient) resolveDispute(key Key, p map[string]interface{}, txHash string) error {
	st, ok := m.escrows[key]
	if !ok {
		return fmt.Errorf("revert: Escrow not found")
	}
	if st.Status != StatusDisputed {
		return fmt.Errorf("revert: Not disputed")
	}
	winner := str(p, "winner")
	if !strings.EqualFold(winner, st.Seller) && !strings.EqualFold(winner, st.Buyer) {
		return fmt.Errorf("revert: Winner not a party")
	}
	m.executeRelease(key, st, winner, txHash)
	return nil
}

// executeRelease performs the payout ordering: fee to treasury first, then
// the remainder to the winner, then the NFT to the winner's counterparty-
// determined recipient.
func (m *MockClient) executeRelease(key Key, st *EscrowState, winner string, txHash string) {
	if st.FeeAmount.Sign() > 0 {
		m.transfers = append(m.transfers, Transfer{To: m.Treasury, Amount: new(big.Int).Set(st.FeeAmount), Token: st.Token, Kind: "fee"})
	}
	payout := new(big.Int).Sub(st.Amount, st.FeeAmount)
	m.transfers = append(m.transfers, Transfer{To: winner, Amount: payout, Token: st.Token, Kind: "payout"})
	if st.RWANFTContract != "" {
		nftTo := st.Buyer
		if strings.EqualFold(winner, st.Buyer) {
			nftTo = st.Seller
		}
		m.transfers = append(m.transfers, Transfer{To: nftTo, Amount: big.NewInt(1), Token: st.RWANFTContract, Kind: "nft"})
	}
	st.Status = StatusReleased
	m.emit("EscrowReleased", key, txHash, map[string]interface{}{
		"winner": winner, "payout": payout.String(), "fee": st.FeeAmount.String(),
	})
}

// fundInvoice draws external liquidity against an invoice. The contract is
// idempotent on the invoice hash: a repeat call for a funded invoice is a
// no-op success with no second transfer.
func (m *MockClient) fundInvoice(key Key, p map[string]interface{}, txHash string) error {
	if m.funded[key] {
		return nil
	}
	amount, ok := new(big.Int).SetString(str(p, "amount"), 10)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("revert: bad funding amount")
	}
	recipient := str(p, "recipient")
	if recipient == "" {
		return fmt.Errorf("revert: no funding recipient")
	}
	m.funded[key] = true
	m.transfers = append(m.transfers, Transfer{To: recipient, Amount: amount, Token: str(p, "token"), Kind: "liquidity"})
	m.emit("InvoiceFunded", key, txHash, map[string]interface{}{
		"amount": amount.String(), "recipient": recipient,
	})
	return nil
}

func (m *MockClient) emit(name string, key Key, txHash string, args map[string]interface{}) {
	if args == nil {
		args = map[string]interface{}{}
	}
	args["key"] = key.Hex()
	ev := Event{
		Name:        name,
		Args:        args,
		TxHash:      txHash,
		LogIndex:    0,
		BlockNumber: uint64(m.seq),
	}
	select {
	case m.events <- ev:
	default:
		// Stream full; reconciliation catches what the stream drops.
	}
}

func payloadKey(p map[string]interface{}) (Key, error) {
	s := str(p, "key")
	if s == "" {
		return Key{}, fmt.Errorf("payload missing key")
	}
	return KeyFromHex(s)
}

func str(p map[string]interface{}, k string) string {
	if v, ok := p[k].(string); ok {
		return v
	}
	return ""
}

func i64(p map[string]interface{}, k string) int64 {
	switch v := p[k].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
