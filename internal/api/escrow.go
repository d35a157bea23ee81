package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/torc/backend/internal/escrow"
	"github.com/torc/backend/internal/saga"
)

func invoiceID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["invoice_id"])
	if err != nil {
		return uuid.Nil, saga.Errorf(saga.KindValidation, "api", "invalid invoice id: %v", err)
	}
	return id, nil
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InvoiceID        string `json:"invoice_id"`
		Seller           string `json:"seller"`
		Buyer            string `json:"buyer"`
		Amount           string `json:"amount"`
		Token            string `json:"token"`
		DurationSeconds  int64  `json:"duration_seconds"`
		RWANFTContract   string `json:"rwa_nft_contract,omitempty"`
		RWATokenID       string `json:"rwa_token_id,omitempty"`
		DiscountBps      int    `json:"discount_bps,omitempty"`
		DiscountDeadline string `json:"discount_deadline,omitempty"` // RFC3339
		InitiatedBy      string `json:"initiated_by"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	id, err := uuid.Parse(req.InvoiceID)
	if err != nil {
		s.writeError(w, saga.Errorf(saga.KindValidation, "api", "invalid invoice id: %v", err))
		return
	}
	create := escrow.CreateRequest{
		InvoiceID:      id,
		Seller:         req.Seller,
		Buyer:          req.Buyer,
		Amount:         req.Amount,
		Token:          req.Token,
		Duration:       time.Duration(req.DurationSeconds) * time.Second,
		RWANFTContract: req.RWANFTContract,
		RWATokenID:     req.RWATokenID,
		DiscountBps:    req.DiscountBps,
		InitiatedBy:    req.InitiatedBy,
	}
	if req.DiscountDeadline != "" {
		deadline, err := time.Parse(time.RFC3339, req.DiscountDeadline)
		if err != nil {
			s.writeError(w, saga.Errorf(saga.KindValidation, "api", "invalid discount deadline: %v", err))
			return
		}
		create.DiscountDeadline = deadline
	}

	e, err := s.escrows.Create(r.Context(), create)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	list, err := s.escrows.List(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := invoiceID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	e, err := s.escrows.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if e == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "escrow not found"})
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.partyAction(w, r, s.escrows.Deposit)
}

func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	s.partyAction(w, r, s.escrows.Reclaim)
}

// partyAction is the shared shape of caller-keyed escrow operations.
func (s *Server) partyAction(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id uuid.UUID, caller string) (*escrow.Escrow, error)) {

	id, err := invoiceID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Caller string `json:"caller"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	e, err := fn(r.Context(), id, req.Caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleConfirmRelease(w http.ResponseWriter, r *http.Request) {
	id, err := invoiceID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Caller string `json:"caller"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	corrID, err := s.escrows.ConfirmRelease(r.Context(), id, req.Caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"correlation_id": corrID.String()})
}

func (s *Server) handleApproveRelease(w http.ResponseWriter, r *http.Request) {
	id, err := invoiceID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Approver string `json:"approver"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	record, err := s.escrows.ApproveRelease(r.Context(), id, req.Approver)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	id, err := invoiceID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Caller string `json:"caller"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	vote, err := s.escrows.RaiseDispute(r.Context(), id, req.Caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, vote)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	id, err := invoiceID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Arbitrator string `json:"arbitrator"`
		ForBuyer   bool   `json:"for_buyer"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	vote, err := s.escrows.VoteOnDispute(r.Context(), id, req.Arbitrator, req.ForBuyer)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vote)
}

func (s *Server) handleSafeEscape(w http.ResponseWriter, r *http.Request) {
	id, err := invoiceID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Admin  string `json:"admin"`
		Winner string `json:"winner"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	corrID, err := s.escrows.SafeEscape(r.Context(), id, req.Admin, req.Winner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"correlation_id": corrID.String()})
}

func (s *Server) handleArbitrators(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Admin      string `json:"admin"`
		Arbitrator string `json:"arbitrator"`
		Action     string `json:"action"` // "add" or "remove"
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	var err error
	switch req.Action {
	case "add":
		err = s.escrows.AddArbitrator(req.Admin, req.Arbitrator)
	case "remove":
		err = s.escrows.RemoveArbitrator(req.Admin, req.Arbitrator)
	default:
		err = saga.Errorf(saga.KindValidation, "api", "action must be add or remove")
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"live_arbitrators": s.escrows.LiveArbitratorCount(),
	})
}

func (s *Server) handleGetSaga(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["correlation_id"])
	if err != nil {
		s.writeError(w, saga.Errorf(saga.KindValidation, "api", "invalid correlation id: %v", err))
		return
	}
	sg, err := s.sagas.Read(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}
