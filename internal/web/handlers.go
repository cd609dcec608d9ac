package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/lucasnoah/flowwatch/internal/batch"
	"github.com/lucasnoah/flowwatch/internal/history"
	"github.com/lucasnoah/flowwatch/internal/tracker"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	states := s.pipelines.List()
	if states == nil {
		states = []tracker.ExecutionState{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pipelines": states})
}

// handlePipeline returns the idle default for untracked pipelines, matching
// Store.Get.
func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pipelines.Get(r.PathValue("id")))
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	active := s.batches.Active()
	if active == nil {
		active = []batch.Execution{}
	}
	done := s.batches.History()
	if done == nil {
		done = []batch.Execution{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"active": active, "history": done})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	e, ok := s.batches.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history is not configured")
		return
	}
	q := r.URL.Query()
	f := history.Filter{PipelineID: q.Get("pipeline"), Status: q.Get("status"), Limit: 50}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	recs, err := s.history.List(r.Context(), f)
	if err != nil {
		s.log.Warn("list history", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "list history failed")
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (s *Server) handleHistoryRecord(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history is not configured")
		return
	}
	rec, err := s.history.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, history.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "history record not found")
		return
	}
	if err != nil {
		s.log.Warn("get history record", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "get history record failed")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}
