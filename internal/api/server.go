// Package api exposes the orchestration core over REST/JSON: escrow
// operations, saga inspection, DLQ administration, reconciliation control
// and health.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/torc/backend/internal/escrow"
	"github.com/torc/backend/internal/ledger"
	"github.com/torc/backend/internal/metrics"
	"github.com/torc/backend/internal/reconcile"
	"github.com/torc/backend/internal/recovery"
	"github.com/torc/backend/internal/saga"
)

// Server wires the HTTP surface over the core services.
type Server struct {
	escrows   *escrow.Service
	sagas     *saga.Manager
	pipeline  *recovery.Pipeline
	engine    *reconcile.Engine
	scheduler *reconcile.Scheduler
	health    metrics.HealthStore
	logger    *log.Logger
}

// NewServer builds the server; scheduler may be nil when reconciliation
// runs are API-triggered only.
func NewServer(escrows *escrow.Service, sagas *saga.Manager, pipeline *recovery.Pipeline,
	engine *reconcile.Engine, scheduler *reconcile.Scheduler, health metrics.HealthStore) *Server {
	return &Server{
		escrows:   escrows,
		sagas:     sagas,
		pipeline:  pipeline,
		engine:    engine,
		scheduler: scheduler,
		health:    health,
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Operator")
			if req.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/api/pipeline/health", s.handlePipelineHealth).Methods("GET")

	r.HandleFunc("/api/sagas/{correlation_id}", s.handleGetSaga).Methods("GET")

	r.HandleFunc("/api/escrows", s.handleCreateEscrow).Methods("POST")
	r.HandleFunc("/api/escrows", s.handleListEscrows).Methods("GET")
	r.HandleFunc("/api/escrows/{invoice_id}", s.handleGetEscrow).Methods("GET")
	r.HandleFunc("/api/escrows/{invoice_id}/deposit", s.handleDeposit).Methods("POST")
	r.HandleFunc("/api/escrows/{invoice_id}/confirm-release", s.handleConfirmRelease).Methods("POST")
	r.HandleFunc("/api/escrows/{invoice_id}/approve", s.handleApproveRelease).Methods("POST")
	r.HandleFunc("/api/escrows/{invoice_id}/reclaim", s.handleReclaim).Methods("POST")
	r.HandleFunc("/api/escrows/{invoice_id}/dispute", s.handleRaiseDispute).Methods("POST")
	r.HandleFunc("/api/escrows/{invoice_id}/dispute/vote", s.handleVote).Methods("POST")
	r.HandleFunc("/api/escrows/{invoice_id}/dispute/safe-escape", s.handleSafeEscape).Methods("POST")

	r.HandleFunc("/api/admin/arbitrators", s.handleArbitrators).Methods("POST")

	r.HandleFunc("/api/dlq", s.handleListDLQ).Methods("GET")
	r.HandleFunc("/api/dlq/{id}/resolve", s.handleResolveDLQ).Methods("POST")
	r.HandleFunc("/api/dlq/{id}/compensate", s.handleCompensate).Methods("POST")

	r.HandleFunc("/api/reconciliation/status", s.handleReconStatus).Methods("GET")
	r.HandleFunc("/api/reconciliation/history", s.handleReconHistory).Methods("GET")
	r.HandleFunc("/api/reconciliation/discrepancies", s.handleReconDiscrepancies).Methods("GET")
	r.HandleFunc("/api/reconciliation/run", s.handleReconRun).Methods("POST")

	return r
}

// Start serves the router on the given port with sane timeouts.
func (s *Server) Start(port string) error {
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Printf("🚀 Listening on :%s", port)
	return srv.ListenAndServe()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses: validation and
// state machine violations are the caller's fault, ledger failures are
// upstream, everything else is ours.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch saga.KindOf(err) {
	case saga.KindValidation:
		status = http.StatusBadRequest
	case saga.KindStateMachineViolation:
		status = http.StatusConflict
	case saga.KindTransientLedger, saga.KindPermanentLedger:
		status = http.StatusBadGateway
	case saga.KindStoreContention:
		status = http.StatusConflict
	}
	if errors.Is(err, ledger.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return saga.Errorf(saga.KindValidation, "api", "invalid request payload: %v", err)
	}
	return nil
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, offset = 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		fmt.Sscanf(v, "%d", &offset)
	}
	return limit, offset
}
