package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/iho/payledger/internal/adapter/http/dto"
	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
)

// RefundService defines the behavior needed by RefundHandler.
type RefundService interface {
	Request(ctx context.Context, input usecase.RequestRefundInput) (*domain.Refund, error)
	Execute(ctx context.Context, id string) (*domain.Refund, error)
}

// RefundHandler issues refunds against captured payment orders.
type RefundHandler struct {
	refundUC RefundService
	queue    usecase.TaskQueue
	logger   zerolog.Logger
}

// NewRefundHandler creates a new RefundHandler. Refunds whose processor call
// fails transiently are handed to queue for another attempt.
func NewRefundHandler(refundUC RefundService, queue usecase.TaskQueue, logger zerolog.Logger) *RefundHandler {
	return &RefundHandler{
		refundUC: refundUC,
		queue:    queue,
		logger:   logger.With().Str("handler", "refunds").Logger(),
	}
}

// Create records a refund and submits it to the processor. The response is
// 201 when the processor answered and 202 when the submission was queued.
func (h *RefundHandler) Create(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(w, r)
	if !ok {
		return
	}

	var req dto.CreateRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	refund, err := h.refundUC.Request(r.Context(), req.ToUseCaseInput(orderID))
	if err != nil {
		writeDomainError(w, "failed to request refund", err)
		return
	}

	executed, err := h.refundUC.Execute(r.Context(), refund.ID)
	if err == nil {
		writeJSON(w, http.StatusCreated, dto.RefundFromDomain(executed))
		return
	}

	h.logger.Warn().Err(err).Str("refund_id", refund.ID).Msg("refund submission failed, queueing retry")
	if h.queue == nil {
		writeDomainError(w, "failed to submit refund", err)
		return
	}
	if qerr := h.queue.Enqueue(r.Context(), usecase.TaskExecuteRefund, map[string]string{"refund_id": refund.ID}); qerr != nil {
		h.logger.Error().Err(qerr).Str("refund_id", refund.ID).Msg("failed to enqueue refund")
		writeDomainError(w, "failed to submit refund", err)
		return
	}

	writeJSON(w, http.StatusAccepted, dto.RefundFromDomain(refund))
}
