package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/iho/payledger/internal/adapter/http/dto"
	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
)

// ReconciliationService defines the behavior needed by ReconciliationHandler.
type ReconciliationService interface {
	Run(ctx context.Context, opts usecase.RunOptions) (*domain.ReconciliationRun, error)
	GetRun(ctx context.Context, id string) (*domain.ReconciliationRun, error)
	ListDiscrepancies(ctx context.Context, filter domain.DiscrepancyFilter) ([]*domain.ReconciliationDiscrepancy, error)
	ResolveDiscrepancy(ctx context.Context, id, reviewer, notes string) (*domain.ReconciliationDiscrepancy, error)
}

// ReconciliationHandler exposes reconciliation runs and the review queue.
type ReconciliationHandler struct {
	reconUC ReconciliationService
}

// NewReconciliationHandler creates a new ReconciliationHandler.
func NewReconciliationHandler(reconUC ReconciliationService) *ReconciliationHandler {
	return &ReconciliationHandler{reconUC: reconUC}
}

// RunNow performs a reconciliation pass synchronously. An empty body runs
// with the server defaults.
func (h *ReconciliationHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	var req dto.RunReconciliationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	opts, err := req.ToRunOptions()
	if err != nil {
		writeDomainError(w, "invalid reconciliation options", err)
		return
	}

	run, err := h.reconUC.Run(r.Context(), opts)
	if err != nil {
		if run != nil {
			writeJSON(w, http.StatusInternalServerError, dto.RunFromDomain(run))
			return
		}
		writeDomainError(w, "reconciliation failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, dto.RunFromDomain(run))
}

// GetRun retrieves a run by ID.
func (h *ReconciliationHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	run, err := h.reconUC.GetRun(r.Context(), id)
	if err != nil {
		writeDomainError(w, "failed to get run", err)
		return
	}
	writeJSON(w, http.StatusOK, dto.RunFromDomain(run))
}

// ListDiscrepancies serves the review queue. Filters: run_id, resolution,
// unreviewed=true, limit, offset.
func (h *ReconciliationHandler) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.DiscrepancyFilter{
		RunID:          q.Get("run_id"),
		Resolution:     domain.Resolution(q.Get("resolution")),
		UnreviewedOnly: parseBoolQuery(r, "unreviewed"),
		Limit:          parseLimit(r, 100),
		Offset:         parseIntQuery(r, "offset", 0),
	}

	discrepancies, err := h.reconUC.ListDiscrepancies(r.Context(), filter)
	if err != nil {
		writeDomainError(w, "failed to list discrepancies", err)
		return
	}

	writeJSON(w, http.StatusOK, dto.DiscrepanciesFromDomain(discrepancies))
}

// ResolveDiscrepancy marks a discrepancy as manually resolved.
func (h *ReconciliationHandler) ResolveDiscrepancy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req dto.ResolveDiscrepancyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeDomainError(w, "invalid resolution", err)
		return
	}

	d, err := h.reconUC.ResolveDiscrepancy(r.Context(), id, req.Reviewer, req.Notes)
	if err != nil {
		writeDomainError(w, "failed to resolve discrepancy", err)
		return
	}

	writeJSON(w, http.StatusOK, dto.DiscrepancyFromDomain(d))
}
