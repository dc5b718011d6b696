// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/imgkit/bulkfetch/pkg/bulkfetch"
)

// BatchRequest is the request body for starting a batch.
// Source and Dest are relative to the server's metadata and output roots.
type BatchRequest struct {
	Source     string `json:"source"`
	Dest       string `json:"dest,omitempty"`
	NoCaption  bool   `json:"noCaption,omitempty"`
	ReDownload bool   `json:"reDownload,omitempty"`
	Workers    int    `json:"workers,omitempty"`
}

// PlanResponse is the response for a dry-run/plan request.
type PlanResponse struct {
	Source    string          `json:"source"`
	Jobs      []bulkfetch.Job `json:"jobs"`
	TotalJobs int             `json:"totalJobs"`
	Captioned int             `json:"captioned"`
}

// SettingsResponse represents current settings.
type SettingsResponse struct {
	MetadataRoot string `json:"metadataRoot"`
	OutputRoot   string `json:"outputRoot"`
	Workers      int    `json:"workers"`
	Timeout      string `json:"timeout,omitempty"`
	UserAgent    string `json:"userAgent"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a simple success message.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.config.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: source", "")
		return
	}

	b, wasExisting, err := s.batches.CreateBatch(req)
	if err != nil {
		writeError(w, statusFor(err), "Failed to create batch", err.Error())
		return
	}

	if wasExisting {
		writeJSON(w, http.StatusOK, map[string]any{
			"batch":   b,
			"message": "Batch already in progress",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, b)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: source", "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	jobs, err := s.batches.Plan(ctx, req)
	if err != nil {
		writeError(w, statusFor(err), "Failed to scan metadata", err.Error())
		return
	}

	resp := PlanResponse{Source: req.Source, Jobs: jobs, TotalJobs: len(jobs)}
	if resp.Jobs == nil {
		resp.Jobs = []bulkfetch.Job{}
	}
	for _, j := range jobs {
		if j.HasCaption() {
			resp.Captioned++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	batches := s.batches.ListBatches()
	writeJSON(w, http.StatusOK, map[string]any{
		"batches": batches,
		"count":   len(batches),
	})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing batch ID", "")
		return
	}

	b, ok := s.batches.GetBatch(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Batch not found", "")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing batch ID", "")
		return
	}

	if s.batches.CancelBatch(id) {
		writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "Batch cancelled"})
		return
	}
	writeError(w, http.StatusNotFound, "Batch not found or already finished", "")
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.cfgMu.RLock()
	resp := SettingsResponse{
		MetadataRoot: s.config.MetadataRoot,
		OutputRoot:   s.config.OutputRoot,
		Workers:      s.config.Workers,
		Timeout:      s.config.Timeout,
		UserAgent:    s.config.UserAgent,
	}
	s.cfgMu.RUnlock()
	writeJSON(w, http.StatusOK, resp)
}

// handleUpdateSettings updates settings.
// Roots cannot be changed via API.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Workers *int    `json:"workers,omitempty"`
		Timeout *string `json:"timeout,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.Workers != nil && *req.Workers < 1 {
		writeError(w, http.StatusBadRequest, "workers must be >= 1", "")
		return
	}
	if req.Timeout != nil && *req.Timeout != "" {
		if _, err := time.ParseDuration(*req.Timeout); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid timeout", err.Error())
			return
		}
	}

	s.cfgMu.Lock()
	if req.Workers != nil {
		s.config.Workers = *req.Workers
	}
	if req.Timeout != nil {
		s.config.Timeout = *req.Timeout
	}
	s.cfgMu.Unlock()

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "Settings updated"})
}

// --- Helpers ---

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrSourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPathEscape), errors.Is(err, bulkfetch.ErrInvalidWorkers):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, ErrorResponse{Error: message, Details: details})
}
