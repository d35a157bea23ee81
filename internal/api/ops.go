package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/torc/backend/internal/metrics"
	"github.com/torc/backend/internal/saga"
)

func (s *Server) handlePipelineHealth(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window_hours"); v != "" {
		if h, err := strconv.Atoi(v); err == nil && h > 0 {
			window = time.Duration(h) * time.Hour
		}
	}
	report, err := metrics.Health(r.Context(), s.health, window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func dlqID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, saga.Errorf(saga.KindValidation, "api", "invalid dlq id: %v", err)
	}
	return id, nil
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	entries, err := s.pipeline.DLQ(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleResolveDLQ(w http.ResponseWriter, r *http.Request) {
	id, err := dlqID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		ResolvedBy string `json:"resolved_by"`
		Notes      string `json:"notes"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.pipeline.ResolveDLQ(r.Context(), id, req.ResolvedBy, req.Notes); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleCompensate(w http.ResponseWriter, r *http.Request) {
	id, err := dlqID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	operator := r.Header.Get("X-Operator")
	if operator == "" {
		var req struct {
			Operator string `json:"operator"`
		}
		if err := decodeBody(r, &req); err == nil {
			operator = req.Operator
		}
	}
	if err := s.pipeline.ExecuteCompensation(r.Context(), id, operator); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "compensated"})
}

func (s *Server) handleReconStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if summary == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "never_run"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleReconHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	history, err := s.engine.History(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleReconDiscrepancies(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	rows, err := s.engine.Discrepancies(r.Context(), r.URL.Query().Get("type"), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleReconRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InvoiceIDs []string `json:"invoice_ids,omitempty"`
	}
	// An empty body means a full manual run.
	_ = decodeBody(r, &req)

	var ids []uuid.UUID
	for _, raw := range req.InvoiceIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, saga.Errorf(saga.KindValidation, "api", "invalid invoice id %q", raw))
			return
		}
		ids = append(ids, id)
	}
	summary, err := s.scheduler.TriggerManual(r.Context(), ids)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
