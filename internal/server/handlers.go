package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/reims/reims-ai/internal/analytics"
	"github.com/reims/reims-ai/internal/models"
)

// ─── Health ───────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jsonOK(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	ready := s.running && s.pipeline != nil
	s.mu.RUnlock()

	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	jsonOK(w, map[string]interface{}{
		"status":    "ready",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	info := map[string]interface{}{
		"name":      "reims-ai",
		"version":   Version,
		"detectors": s.currentPipeline().Detectors(),
		"timestamp": time.Now().UTC(),
	}
	if s.cache != nil {
		info["model_ttl"] = s.cache.TTL().String()
	}
	jsonOK(w, info)
}

// ─── Detection ────────────────────────────────────────────────────────────────
//
// POST /api/v1/detect
//
//	Body: {entity, field, points:[{period_key, value, date}], impact:{...}}
//	400 for malformed JSON or an invalid series, 422 for a configuration
//	error raised during the run.

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req analytics.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ctx := r.Context()
	report, err := s.currentPipeline().Run(ctx, req)
	if err != nil {
		_ = s.audit.LogRunFailed(ctx, req.Entity, req.Field, err)
		switch {
		case errors.Is(err, models.ErrInvalidSeries):
			writeError(w, http.StatusBadRequest, err.Error())
		case models.IsConfigurationError(err):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case ctx.Err() != nil:
			// Client went away; nothing useful to write.
		default:
			s.logger.Error("detection run failed", zap.String("entity", req.Entity), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	for _, a := range report.Anomalies {
		_ = s.audit.LogAnomaly(ctx, report.ID, a)
	}
	_ = s.audit.LogRunCompleted(ctx, report.ID, report.Entity, report.Field,
		report.Active, report.Suppressed, time.Duration(report.DurationMS)*time.Millisecond)

	jsonOK(w, report)
}

// GET /api/v1/anomalies
//
//	Query params:
//	  entity: filter by entity (optional)
//	  state : ACTIVE or SUPPRESSED (optional)
//	  limit : max results, newest first (default 50)
func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	entity := q.Get("entity")
	state := models.AnomalyState(q.Get("state"))
	limit := 50
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	reports := s.currentPipeline().Recent(entity)
	anomalies := make([]models.ConsensusAnomaly, 0, limit)
	// Newest report first.
	for i := len(reports) - 1; i >= 0 && len(anomalies) < limit; i-- {
		for _, a := range reports[i].Anomalies {
			if state != "" && a.State != state {
				continue
			}
			anomalies = append(anomalies, a)
			if len(anomalies) == limit {
				break
			}
		}
	}

	jsonOK(w, map[string]interface{}{
		"anomalies": anomalies,
		"total":     len(anomalies),
		"entity":    entity,
		"timestamp": time.Now().UTC(),
	})
}

// ─── Model cache ──────────────────────────────────────────────────────────────

// modelSummary is a cache record without its payload.
type modelSummary struct {
	Key            string    `json:"cache_key"`
	Scope          string    `json:"scope"`
	ModelType      string    `json:"model_type"`
	SizeBytes      int       `json:"size_bytes"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastUsedAt     time.Time `json:"last_used_at"`
	UseCount       int64     `json:"use_count"`
	Active         bool      `json:"is_active"`
	InactiveReason string    `json:"inactive_reason,omitempty"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "model cache not configured")
		return
	}

	records, err := s.cache.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	scope := r.URL.Query().Get("scope")
	out := make([]modelSummary, 0, len(records))
	for _, rec := range records {
		if scope != "" && rec.Scope != scope {
			continue
		}
		out = append(out, modelSummary{
			Key:            rec.Key,
			Scope:          rec.Scope,
			ModelType:      rec.ModelType,
			SizeBytes:      len(rec.Payload),
			CreatedAt:      rec.CreatedAt,
			ExpiresAt:      rec.ExpiresAt,
			LastUsedAt:     rec.LastUsedAt,
			UseCount:       rec.UseCount,
			Active:         rec.Active,
			InactiveReason: rec.InactiveReason,
		})
	}
	jsonOK(w, map[string]interface{}{"models": out, "total": len(out)})
}

func (s *Server) handleModelsInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "model cache not configured")
		return
	}

	var body struct {
		Scope     string `json:"scope"`
		ModelType string `json:"model_type"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	n, err := s.cache.Invalidate(r.Context(), body.Scope, body.ModelType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = s.audit.LogCacheInvalidated(r.Context(), body.Scope, body.ModelType, n)
	jsonOK(w, map[string]interface{}{"invalidated": n})
}

func (s *Server) handleModelsPrune(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "model cache not configured")
		return
	}

	n, err := s.cache.Prune(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = s.audit.LogCachePruned(r.Context(), n)
	jsonOK(w, map[string]interface{}{"pruned": n})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func jsonOK(w http.ResponseWriter, v interface{}) {
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
