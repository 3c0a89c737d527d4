package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/iho/payledger/internal/adapter/http/dto"
	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/infrastructure/processor"
	"github.com/iho/payledger/internal/usecase"
)

const maxWebhookBody = 1 << 20

// WebhookService defines the behavior needed by WebhookHandler.
type WebhookService interface {
	Receive(ctx context.Context, payload []byte, signature string) (*usecase.ReceiveResult, error)
}

// WebhookHandler accepts processor notifications.
type WebhookHandler struct {
	webhookUC WebhookService
	logger    zerolog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(webhookUC WebhookService, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhookUC: webhookUC,
		logger:    logger.With().Str("handler", "webhooks").Logger(),
	}
}

// Receive stores the raw notification and acknowledges it. Redeliveries get
// the same 200 so the processor stops retrying; storage failures answer 500
// so it tries again later.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large", "")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}

	result, err := h.webhookUC.Receive(r.Context(), body, r.Header.Get(processor.SignatureHeader))
	if err != nil {
		status := mapDomainError(err)
		if status == http.StatusInternalServerError {
			h.logger.Error().Err(err).Msg("failed to store webhook")
		} else {
			h.logger.Warn().Err(err).Int("status", status).Msg("webhook rejected")
		}
		writeError(w, status, "webhook rejected", err.Error())
		return
	}

	if !result.Enqueued && !result.Event.IsProcessed() {
		h.logger.Warn().Str("webhook_event_id", result.Event.ID).Msg("webhook stored but not queued, waiting for redelivery")
	}

	writeJSON(w, http.StatusOK, dto.WebhookAckResponse{
		Received:  true,
		EventID:   result.Event.ExternalID,
		Duplicate: result.Duplicate,
	})
}

var _ WebhookService = (*usecase.WebhookUseCase)(nil)
