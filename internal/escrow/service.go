package escrow

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/torc/backend/internal/events"
	"github.com/torc/backend/internal/ledger"
	"github.com/torc/backend/internal/metrics"
	"github.com/torc/backend/internal/recovery"
	"github.com/torc/backend/internal/saga"
)

// Store is the persistence surface the escrow service needs.
type Store interface {
	UpsertEscrow(ctx context.Context, e *Escrow) error
	GetEscrow(ctx context.Context, invoiceID uuid.UUID) (*Escrow, error)
	ListEscrows(ctx context.Context, limit, offset int) ([]*Escrow, error)
	GetMultiSigApproval(ctx context.Context, invoiceID uuid.UUID) (*MultiSigApproval, error)
	UpsertMultiSigApproval(ctx context.Context, a *MultiSigApproval) error
	GetDisputeVote(ctx context.Context, invoiceID uuid.UUID) (*DisputeVote, error)
	UpsertDisputeVote(ctx context.Context, d *DisputeVote) error
}

// Config tunes the escrow protocol.
type Config struct {
	FeeBps           int      // platform fee in basis points, default 50
	QuorumPct        int      // arbitration quorum percentage, default 51
	MultiSigRequired int      // approvals needed for multisig release, default 2
	Admins           []string // addresses allowed to create escrows and manage arbitrators
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{FeeBps: 50, QuorumPct: 51, MultiSigRequired: 2}
}

// MinimumAmount is the smallest escrow amount that yields a non-zero fee:
// ⌈10000 / feeBps⌉.
func MinimumAmount(feeBps int) *big.Int {
	if feeBps <= 0 {
		return big.NewInt(1)
	}
	return big.NewInt(int64((10000 + feeBps - 1) / feeBps))
}

// FeeFor computes ⌊amount × feeBps / 10000⌋.
func FeeFor(amount *big.Int, feeBps int) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(int64(feeBps)))
	return fee.Div(fee, big.NewInt(10000))
}

// Service orchestrates the escrow protocol: ledger submissions run through
// sagas, the mirror follows the ledger, and quorum math lives here rather
// than on the contract.
type Service struct {
	store    Store
	ledger   ledger.Client
	sagas    *saga.Manager
	pipeline *recovery.Pipeline
	emitter  events.Emitter
	obs      *metrics.Metrics
	cfg      Config
	logger   *log.Logger
	now      func() time.Time

	mu          sync.RWMutex
	admins      map[string]bool
	arbitrators map[string]bool
}

// NewService wires the escrow service. emitter and obs may be nil in tests.
func NewService(store Store, lc ledger.Client, sagas *saga.Manager, pipeline *recovery.Pipeline,
	emitter events.Emitter, obs *metrics.Metrics, cfg Config) *Service {

	if cfg.FeeBps <= 0 {
		cfg.FeeBps = 50
	}
	if cfg.QuorumPct <= 0 || cfg.QuorumPct > 100 {
		cfg.QuorumPct = 51
	}
	if cfg.MultiSigRequired <= 0 {
		cfg.MultiSigRequired = 2
	}
	s := &Service{
		store:       store,
		ledger:      lc,
		sagas:       sagas,
		pipeline:    pipeline,
		emitter:     emitter,
		obs:         obs,
		cfg:         cfg,
		logger:      log.New(log.Writer(), "[Escrow] ", log.LstdFlags),
		now:         time.Now,
		admins:      make(map[string]bool),
		arbitrators: make(map[string]bool),
	}
	for _, a := range cfg.Admins {
		s.admins[normalize(a)] = true
	}
	return s
}

func normalize(addr string) string { return strings.ToLower(strings.TrimSpace(addr)) }

// IsAdmin reports whether the address carries the admin role.
func (s *Service) IsAdmin(addr string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.admins[normalize(addr)]
}

// AddArbitrator registers an arbitrator. Admin-only.
func (s *Service) AddArbitrator(admin, arbitrator string) error {
	if !s.IsAdmin(admin) {
		return saga.Errorf(saga.KindValidation, "escrow.arbitrators", "%s is not an admin", admin)
	}
	a := normalize(arbitrator)
	if a == "" {
		return saga.Errorf(saga.KindValidation, "escrow.arbitrators", "arbitrator address is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arbitrators[a] = true
	return nil
}

// RemoveArbitrator deregisters an arbitrator. Admin-only. Open disputes
// shrink their snapshot to the live count on the next vote.
func (s *Service) RemoveArbitrator(admin, arbitrator string) error {
	if !s.IsAdmin(admin) {
		return saga.Errorf(saga.KindValidation, "escrow.arbitrators", "%s is not an admin", admin)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.arbitrators, normalize(arbitrator))
	return nil
}

// IsArbitrator reports whether the address is a live arbitrator.
func (s *Service) IsArbitrator(addr string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.arbitrators[normalize(addr)]
}

// LiveArbitratorCount returns the current arbitrator pool size.
func (s *Service) LiveArbitratorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.arbitrators)
}

// CreateRequest carries the inputs for creating an escrow.
type CreateRequest struct {
	InvoiceID        uuid.UUID
	Seller           string
	Buyer            string
	Amount           string // decimal string, smallest token unit
	Token            string
	Duration         time.Duration
	RWANFTContract   string
	RWATokenID       string
	DiscountBps      int
	DiscountDeadline time.Time
	InitiatedBy      string
}

// Create submits a new escrow to the ledger and seeds the mirror. Admin
// only; the amount must clear the fee floor so the platform fee is never
// zero.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if !s.IsAdmin(req.InitiatedBy) {
		return nil, saga.Errorf(saga.KindValidation, "escrow.create", "%s is not an admin", req.InitiatedBy)
	}
	if req.InvoiceID == uuid.Nil {
		return nil, saga.Errorf(saga.KindValidation, "escrow.create", "invoice id is required")
	}
	if req.Seller == "" || req.Buyer == "" {
		return nil, saga.Errorf(saga.KindValidation, "escrow.create", "seller and buyer are required")
	}
	if strings.EqualFold(req.Seller, req.Buyer) {
		return nil, saga.Errorf(saga.KindValidation, "escrow.create", "seller and buyer must differ")
	}
	if req.Duration <= 0 {
		return nil, saga.Errorf(saga.KindValidation, "escrow.create", "duration must be positive")
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, saga.Errorf(saga.KindValidation, "escrow.create", "invalid amount %q", req.Amount)
	}
	if min := MinimumAmount(s.cfg.FeeBps); amount.Cmp(min) < 0 {
		return nil, saga.Errorf(saga.KindValidation, "escrow.create",
			"amount %s below minimum %s (fee would round to zero)", amount, min)
	}
	if req.DiscountBps < 0 || req.DiscountBps >= 10000 {
		return nil, saga.Errorf(saga.KindValidation, "escrow.create", "discount %d bps out of range", req.DiscountBps)
	}
	fee := FeeFor(amount, s.cfg.FeeBps)

	key := ledger.KeyFromInvoiceID(req.InvoiceID)
	payload := map[string]interface{}{
		"key":             key.Hex(),
		"seller":          req.Seller,
		"buyer":           req.Buyer,
		"amount":          amount.String(),
		"token":           req.Token,
		"feeAmount":       fee.String(),
		"durationSeconds": int64(req.Duration / time.Second),
	}
	if req.RWANFTContract != "" {
		payload["rwaContract"] = req.RWANFTContract
		payload["rwaTokenId"] = req.RWATokenID
	}
	if req.DiscountBps > 0 {
		payload["discountBps"] = int64(req.DiscountBps)
		payload["discountDeadline"] = req.DiscountDeadline.Unix()
	}

	txHash, err := s.ledger.Submit(ctx, "createEscrow", payload)
	if err != nil {
		return nil, saga.ClassifyLedgerError("escrow.create", err)
	}
	return s.refreshMirror(ctx, req.InvoiceID, txHash)
}

// Deposit funds an escrow. Buyer only; within the discount window the
// ledger reduces the payable amount and the reduced amount becomes
// authoritative.
func (s *Service) Deposit(ctx context.Context, invoiceID uuid.UUID, caller string) (*Escrow, error) {
	key := ledger.KeyFromInvoiceID(invoiceID)
	txHash, err := s.ledger.Submit(ctx, "deposit", map[string]interface{}{
		"key": key.Hex(), "caller": caller,
	})
	if err != nil {
		return nil, saga.ClassifyLedgerError("escrow.deposit", err)
	}
	return s.refreshMirror(ctx, invoiceID, txHash)
}

// Reclaim returns funds to the buyer after expiry. The NFT, when attached,
// goes back to the seller.
func (s *Service) Reclaim(ctx context.Context, invoiceID uuid.UUID, caller string) (*Escrow, error) {
	key := ledger.KeyFromInvoiceID(invoiceID)
	txHash, err := s.ledger.Submit(ctx, "reclaimExpiredFunds", map[string]interface{}{
		"key": key.Hex(), "caller": caller,
	})
	if err != nil {
		return nil, saga.ClassifyLedgerError("escrow.reclaim", err)
	}
	return s.refreshMirror(ctx, invoiceID, txHash)
}

// Get returns the mirror row for an invoice, (nil, nil) when absent.
func (s *Service) Get(ctx context.Context, invoiceID uuid.UUID) (*Escrow, error) {
	return s.store.GetEscrow(ctx, invoiceID)
}

// List pages the mirror.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Escrow, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListEscrows(ctx, limit, offset)
}

// refreshMirror reads the ledger and rewrites the mirror row. The mirror
// keeps the last known state for escrows the ledger no longer returns.
func (s *Service) refreshMirror(ctx context.Context, invoiceID uuid.UUID, txHash string) (*Escrow, error) {
	key := ledger.KeyFromInvoiceID(invoiceID)
	st, err := s.ledger.ReadEscrow(ctx, key)
	if err == ledger.ErrNotFound {
		return s.store.GetEscrow(ctx, invoiceID)
	}
	if err != nil {
		return nil, saga.ClassifyLedgerError("escrow.refresh", err)
	}
	e := MirrorFromLedger(invoiceID, st, s.now())
	if txHash != "" {
		e.LastTxHash = txHash
	}
	if err := s.store.UpsertEscrow(ctx, e); err != nil {
		return nil, fmt.Errorf("escrow: mirror write for %s: %w", invoiceID, err)
	}
	return e, nil
}

// MirrorFromLedger maps on-ledger state into a mirror row.
func MirrorFromLedger(invoiceID uuid.UUID, st *ledger.EscrowState, now time.Time) *Escrow {
	e := &Escrow{
		InvoiceID:       invoiceID,
		Seller:          st.Seller,
		Buyer:           st.Buyer,
		Amount:          st.Amount.String(),
		Token:           st.Token,
		Status:          st.Status.String(),
		SellerConfirmed: st.SellerConfirmed,
		BuyerConfirmed:  st.BuyerConfirmed,
		DisputeRaised:   st.DisputeRaised,
		CreatedAt:       st.CreatedAt,
		ExpiresAt:       st.ExpiresAt,
		FeeAmount:       st.FeeAmount.String(),
		DiscountRate:    int(st.DiscountRate),
		UpdatedAt:       now,
	}
	if st.RWANFTContract != "" {
		e.RWANFTContract = st.RWANFTContract
		if st.RWATokenID != nil {
			e.RWATokenID = st.RWATokenID.String()
		}
	}
	if st.DiscountRate > 0 && !st.DiscountDeadline.IsZero() {
		d := st.DiscountDeadline
		e.DiscountDeadline = &d
	}
	return e
}

func (s *Service) emit(eventType string, invoiceID uuid.UUID, data map[string]interface{}) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(eventType, "torc-core", invoiceID.String(), data)
}
