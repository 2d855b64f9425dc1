// Package server exposes the batch trigger over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/internal/pipeline"
	apperrors "github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/logger"
)

// BatchRunner runs batches and remembers the last report. *pipeline.Runner
// satisfies it.
type BatchRunner interface {
	Trigger(ctx context.Context, batchID string) (*pipeline.Report, error)
	Last() *pipeline.Report
}

type triggerRequest struct {
	BatchID string `json:"batch_id"`
}

type triggerResponse struct {
	Status           string `json:"status"`
	TenantsProcessed int    `json:"tenants_processed"`
	RunID            string `json:"run_id"`
	BatchID          string `json:"batch_id"`
}

// Handler implements the batch endpoints.
type Handler struct {
	runner BatchRunner
	logger *slog.Logger
}

func NewHandler(runner BatchRunner) *Handler {
	return &Handler{
		runner: runner,
		logger: slog.Default().With("component", "batch-handler"),
	}
}

// TriggerBatch runs one batch from the fixed input location. The body is
// optional; when present it may carry a batch_id.
func (h *Handler) TriggerBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req triggerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	report, err := h.runner.Trigger(ctx, req.BatchID)
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		if status < http.StatusBadRequest {
			status = http.StatusInternalServerError
		}
		log.Error("batch processing failed",
			"error", err,
			"status_code", status,
		)
		h.writeError(w, status, "batch processing failed: "+err.Error())
		return
	}

	log.Info("batch processed",
		"run_id", report.RunID,
		"batch_id", report.BatchID,
		"tenants_processed", report.Processed(),
	)
	h.writeJSON(w, http.StatusOK, triggerResponse{
		Status:           "ok",
		TenantsProcessed: report.Processed(),
		RunID:            report.RunID,
		BatchID:          report.BatchID,
	})
}

// LastBatch returns the report of the most recent run.
func (h *Handler) LastBatch(w http.ResponseWriter, r *http.Request) {
	report := h.runner.Last()
	if report == nil {
		h.writeError(w, http.StatusNotFound, "no batch has run yet")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// Health reports that the process is serving.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "provisioner"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
