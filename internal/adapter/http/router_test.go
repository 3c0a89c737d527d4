package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iho/payledger/internal/adapter/http/handler"
	apimiddleware "github.com/iho/payledger/internal/adapter/http/middleware"
	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
	"github.com/iho/payledger/internal/usecase/mocks"
)

func TestNewRouter_HealthEndpointAvailable(t *testing.T) {
	router := NewRouter(newRouterConfig())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewRouter_RateLimitsWebhooks(t *testing.T) {
	router := NewRouter(newRouterConfig(func(cfg *RouterConfig) {
		cfg.RateLimiter = apimiddleware.NewRateLimiter(1, 1)
	}))

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", strings.NewReader(`{}`))
		req.RemoteAddr = "1.2.3.4:1234"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send())
	assert.Equal(t, http.StatusTooManyRequests, send())

	// Probes are not limited.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "1.2.3.4:1234"
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewRouter_UsesIdempotencyStoreForOperatorPosts(t *testing.T) {
	store := mocks.NewMockIdempotencyStore()
	router := NewRouter(newRouterConfig(func(cfg *RouterConfig) {
		cfg.IdempotencyStore = store
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reconciliation/runs", strings.NewReader(`{}`))
	req.Header.Set(apimiddleware.IdempotencyKeyHeader, "key-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	_, ok := store.Stored("POST:/api/v1/reconciliation/runs:key-123")
	assert.True(t, ok)
}

func TestNewRouter_RegistersKeyRoutes(t *testing.T) {
	router := NewRouter(newRouterConfig())

	routes, ok := router.(chi.Routes)
	require.True(t, ok)

	seen := map[string]bool{}
	require.NoError(t, chi.Walk(routes, func(method string, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		seen[method+" "+route] = true
		return nil
	}))

	expected := []string{
		"GET /health",
		"GET /ready",
		"GET /metrics",
		"POST /webhooks/processor",
		"GET /api/v1/accounts/{id}/balance",
		"GET /api/v1/accounts/{id}/entries",
		"GET /api/v1/ledger/consistency",
		"POST /api/v1/reconciliation/runs",
		"GET /api/v1/reconciliation/runs/{id}",
		"GET /api/v1/reconciliation/discrepancies",
		"POST /api/v1/reconciliation/discrepancies/{id}/resolve",
		"POST /api/v1/payment-orders/{id}/refunds",
	}
	for _, route := range expected {
		assert.True(t, seen[route], "expected route %s to be registered", route)
	}
}

func newRouterConfig(opts ...func(*RouterConfig)) RouterConfig {
	logger := zerolog.Nop()
	cfg := RouterConfig{
		HealthHandler:         &handler.HealthHandler{},
		WebhookHandler:        handler.NewWebhookHandler(stubWebhookService{}, logger),
		LedgerHandler:         handler.NewLedgerHandler(stubLedgerService{}),
		ReconciliationHandler: handler.NewReconciliationHandler(stubReconService{}),
		RefundHandler:         handler.NewRefundHandler(stubRefundService{}, nil, logger),
		IdempotencyTTL:        time.Minute,
		Logger:                logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

type stubWebhookService struct{}

func (stubWebhookService) Receive(ctx context.Context, payload []byte, signature string) (*usecase.ReceiveResult, error) {
	return &usecase.ReceiveResult{Event: &domain.WebhookEvent{ID: "we_1", ExternalID: "evt_1"}, Enqueued: true}, nil
}

type stubLedgerService struct{}

func (stubLedgerService) GetAccount(ctx context.Context, id string) (*domain.LedgerAccount, error) {
	return &domain.LedgerAccount{ID: id}, nil
}

func (stubLedgerService) GetBalance(ctx context.Context, accountID string) (int64, error) {
	return 0, nil
}

func (stubLedgerService) ListEntries(ctx context.Context, accountID string, limit, offset int) ([]*domain.LedgerEntry, error) {
	return nil, nil
}

func (stubLedgerService) Report(ctx context.Context) (*usecase.ConsistencyReport, error) {
	return &usecase.ConsistencyReport{Consistent: true}, nil
}

type stubReconService struct{}

func (stubReconService) Run(ctx context.Context, opts usecase.RunOptions) (*domain.ReconciliationRun, error) {
	return &domain.ReconciliationRun{ID: "run_1", Status: domain.RunCompleted}, nil
}

func (stubReconService) GetRun(ctx context.Context, id string) (*domain.ReconciliationRun, error) {
	return &domain.ReconciliationRun{ID: id}, nil
}

func (stubReconService) ListDiscrepancies(ctx context.Context, filter domain.DiscrepancyFilter) ([]*domain.ReconciliationDiscrepancy, error) {
	return nil, nil
}

func (stubReconService) ResolveDiscrepancy(ctx context.Context, id, reviewer, notes string) (*domain.ReconciliationDiscrepancy, error) {
	return &domain.ReconciliationDiscrepancy{ID: id}, nil
}

type stubRefundService struct{}

func (stubRefundService) Request(ctx context.Context, input usecase.RequestRefundInput) (*domain.Refund, error) {
	return &domain.Refund{ID: "rf_1"}, nil
}

func (stubRefundService) Execute(ctx context.Context, id string) (*domain.Refund, error) {
	return &domain.Refund{ID: id}, nil
}
