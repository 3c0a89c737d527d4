package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/iho/payledger/internal/adapter/http/dto"
	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
	"github.com/iho/payledger/internal/usecase/mocks"
)

type refundServiceStub struct {
	requestErr error
	executeErr error
	requested  usecase.RequestRefundInput
}

func (s *refundServiceStub) Request(ctx context.Context, input usecase.RequestRefundInput) (*domain.Refund, error) {
	s.requested = input
	if s.requestErr != nil {
		return nil, s.requestErr
	}
	return &domain.Refund{ID: "rf_1", PaymentOrderID: input.PaymentOrderID, AmountCents: input.AmountCents, Currency: "USD", State: domain.RefundRequested}, nil
}

func (s *refundServiceStub) Execute(ctx context.Context, id string) (*domain.Refund, error) {
	if s.executeErr != nil {
		return nil, s.executeErr
	}
	return &domain.Refund{ID: id, PaymentOrderID: "po_1", AmountCents: 2500, Currency: "USD", State: domain.RefundCompleted}, nil
}

func newRefundRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payment-orders/po_1/refunds", strings.NewReader(body))
	return withURLParam(req, "id", "po_1")
}

func TestRefundHandler_CreateCompletes(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := &refundServiceStub{}
	h := NewRefundHandler(svc, mocks.NewMockTaskQueue(ctrl), zerolog.Nop())

	rec := httptest.NewRecorder()
	h.Create(rec, newRefundRequest(`{"amount_cents":2500,"reason":"damaged"}`))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "po_1", svc.requested.PaymentOrderID)
	assert.Equal(t, int64(2500), svc.requested.AmountCents)

	var resp dto.RefundResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp.State)
	assert.Equal(t, "25", resp.Amount.String())
}

func TestRefundHandler_CreateQueuesTransientFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	queue := mocks.NewMockTaskQueue(ctrl)
	queue.EXPECT().
		Enqueue(gomock.Any(), usecase.TaskExecuteRefund, map[string]string{"refund_id": "rf_1"}).
		Return(nil)

	svc := &refundServiceStub{executeErr: &domain.ProcessorError{Op: "create_refund", StatusCode: 503}}
	h := NewRefundHandler(svc, queue, zerolog.Nop())

	rec := httptest.NewRecorder()
	h.Create(rec, newRefundRequest(`{"amount_cents":2500}`))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp dto.RefundResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "requested", resp.State)
}

func TestRefundHandler_CreateRejectsMalformedOrderID(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewRefundHandler(&refundServiceStub{requestErr: errors.New("must not be called")}, mocks.NewMockTaskQueue(ctrl), zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount_cents":100}`))
	rec := httptest.NewRecorder()
	h.Create(rec, withURLParam(req, "id", "po_1:refund"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp dto.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid ID", resp.Error)
}

func TestRefundHandler_CreateRejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"malformed body", `{"amount_cents":`, nil, http.StatusBadRequest},
		{"non-positive amount", `{"amount_cents":0}`, domain.ErrInvalidAmount, http.StatusBadRequest},
		{"exceeds capture", `{"amount_cents":999999}`, domain.ErrRefundExceedsCapture, http.StatusUnprocessableEntity},
		{"not refundable", `{"amount_cents":100}`, domain.ErrRefundNotAllowed, http.StatusConflict},
		{"order missing", `{"amount_cents":100}`, domain.ErrPaymentOrderNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			h := NewRefundHandler(&refundServiceStub{requestErr: tt.err}, mocks.NewMockTaskQueue(ctrl), zerolog.Nop())

			rec := httptest.NewRecorder()
			h.Create(rec, newRefundRequest(tt.body))

			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
