// Copyright (C) 2025 corrsight contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package api serves the REST surface: ingest, incident queries, and status
// transitions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"corrsight/audit"
	"corrsight/ingest"
	"corrsight/metrics"
	"corrsight/pipeline"
	"corrsight/schema"
	"corrsight/storage"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	requestTimeout   = 30 * time.Second
)

// Config holds the HTTP server settings.
type Config struct {
	Port        int
	MaxBodySize int64
}

// Server exposes the pipeline and store over HTTP.
type Server struct {
	cfg      Config
	pipeline *pipeline.Pipeline
	store    *storage.Store
	verifier *ingest.Verifier
	auditor  *audit.Auditor
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewServer creates the REST server. store, auditor and metrics may be nil.
func NewServer(cfg Config, p *pipeline.Pipeline, store *storage.Store,
	verifier *ingest.Verifier, auditor *audit.Auditor, m *metrics.Metrics,
	logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 1 << 20
	}
	return &Server{
		cfg:      cfg,
		pipeline: p,
		store:    store,
		verifier: verifier,
		auditor:  auditor,
		metrics:  m,
		logger:   logger,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", s.handleHealth)
	r.Post("/ingest", s.handleIngest)
	r.Get("/events", s.handleListEvents)
	r.Route("/incidents", func(r chi.Router) {
		r.Get("/", s.handleListIncidents)
		r.Get("/{id}", s.handleGetIncident)
		r.Patch("/{id}/status", s.handleUpdateStatus)
	})

	return r
}

// Serve runs the server until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", zap.Int("port", s.cfg.Port))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := ingest.ReadBody(r.Body, s.cfg.MaxBodySize)
	if err != nil {
		if errors.Is(err, ingest.ErrBodyTooLarge) {
			s.rejectIngest(w, http.StatusRequestEntityTooLarge, "body_too_large", err)
			return
		}
		s.rejectIngest(w, http.StatusBadRequest, "read_error", err)
		return
	}

	if s.verifier != nil && s.verifier.Enabled() {
		if err := s.verifier.Verify(body, r.Header.Get("X-Signature")); err != nil {
			s.rejectIngest(w, http.StatusUnauthorized, "bad_signature", err)
			return
		}
	}

	batch, err := ingest.ParseBatch(body)
	if err != nil {
		s.rejectIngest(w, http.StatusBadRequest, "not_an_array", err)
		return
	}

	result, err := s.pipeline.Process(r.Context(), batch)
	if err != nil {
		s.logger.Error("batch processing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) rejectIngest(w http.ResponseWriter, status int, reason string, err error) {
	if s.metrics != nil {
		s.metrics.IngestRejected.WithLabelValues(reason).Inc()
	}
	s.logger.Warn("ingest rejected", zap.String("reason", reason), zap.Error(err))
	writeError(w, status, reason)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	events, err := s.store.QueryRecentEvents(r.Context(), parseLimit(r))
	if err != nil {
		s.logger.Error("event query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if events == nil {
		events = []schema.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	var status schema.IncidentStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, ok := schema.ParseStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
		status = parsed
	}

	incidents, err := s.store.QueryIncidents(r.Context(), status, parseLimit(r),
		r.URL.Query().Get("after"))
	if err != nil {
		s.logger.Error("incident query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if incidents == nil {
		incidents = []schema.Incident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	inc, err := s.store.GetIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("incident lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if inc == nil {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

type statusUpdateRequest struct {
	Status string `json:"status"`
	Actor  string `json:"actor"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	to, ok := schema.ParseStatus(req.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	id := chi.URLParam(r, "id")
	before, after, err := s.store.UpdateIncidentStatus(r.Context(), id, to)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("status update failed", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	if after == nil {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}

	// Keep the correlator's working set in step with the store so the next
	// batch cannot resurrect the old status.
	if s.pipeline != nil {
		s.pipeline.SetStatus(id, after.Status)
	}

	if s.auditor != nil {
		actor := req.Actor
		if actor == "" {
			actor = "api"
		}
		s.auditor.LogStateChange(actor, id, before.Status, after.Status)
	}

	writeJSON(w, http.StatusOK, after)
}

func parseLimit(r *http.Request) int {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
