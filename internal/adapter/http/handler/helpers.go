package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/iho/payledger/internal/adapter/http/dto"
	"github.com/iho/payledger/internal/domain"
)

const maxListLimit = 500

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, dto.ErrorResponse{
		Error:   message,
		Message: details,
	})
}

// writeDomainError maps err to a status and writes it. Lock contention is
// retryable, so the client gets a Retry-After hint.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	status := mapDomainError(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, message, err.Error())
}

// mapDomainError maps domain errors to HTTP status codes.
func mapDomainError(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidIDFormat),
		errors.Is(err, domain.ErrSameAccount),
		errors.Is(err, domain.ErrCurrencyMismatch),
		errors.Is(err, domain.ErrInvalidSignature),
		errors.Is(err, domain.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRefundExceedsCapture),
		errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrStaleRecord),
		errors.Is(err, domain.ErrInvalidStateTransition),
		errors.Is(err, domain.ErrRefundNotAllowed),
		errors.Is(err, domain.ErrDuplicateProcessorID),
		errors.Is(err, domain.ErrReconciliationInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrLockAcquisition),
		errors.Is(err, domain.ErrProcessorTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrProcessorPermanent):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// pathID reads the {id} route parameter. A missing or malformed id answers
// 400 and reports false.
func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := domain.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid ID", err.Error())
		return "", false
	}
	return id, true
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultValue int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 0 {
		return defaultValue
	}
	return i
}

// parseLimit reads ?limit and clamps it.
func parseLimit(r *http.Request, defaultValue int) int {
	limit := parseIntQuery(r, "limit", defaultValue)
	if limit == 0 {
		return defaultValue
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func parseBoolQuery(r *http.Request, key string) bool {
	b, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && b
}
