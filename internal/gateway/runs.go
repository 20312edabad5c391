package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/haasonsaas/relay/internal/runs"
	"github.com/haasonsaas/relay/pkg/models"
)

// handleRunCreate files a context pack so a spawned worker can pick up
// its task. A pack with a tool budget also seeds the worker's limit.
func (s *Server) handleRunCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var pack models.ContextPack
	if err := decodeJSON(r, &pack); err != nil {
		s.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	created, err := s.runs.Create(pack)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if created.MaxToolCalls > 0 && created.WorkerID != "" {
		s.limits.Set(created.WorkerID, created.MaxToolCalls)
	}
	s.logger.Info("context pack created",
		"run_id", created.RunID,
		"worker_id", created.WorkerID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"pack": created})
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	runID := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if runID == "" || strings.Contains(runID, "/") {
		s.jsonError(w, "run id required", http.StatusBadRequest)
		return
	}
	if !models.ValidRunID(runID) {
		s.jsonError(w, runs.ErrInvalidRunID.Error(), http.StatusBadRequest)
		return
	}

	pack, ok := s.runs.Get(runID)
	if !ok {
		s.jsonError(w, "no context pack for run id", http.StatusNotFound)
		return
	}
	s.jsonResponse(w, map[string]any{"pack": pack})
}

// handleUsageRuns reads the run log. ?limit= caps the page, default 50.
func (s *Server) handleUsageRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.runlog == nil {
		s.jsonError(w, "run log is not configured", http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := s.runlog.Recent(r.Context(), limit)
	if err != nil {
		s.jsonError(w, "run log read failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	totals, err := s.runlog.Totals(r.Context())
	if err != nil {
		s.jsonError(w, "run log read failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]any{
		"runs":   records,
		"totals": totals,
	})
}
