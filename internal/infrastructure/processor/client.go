// Package processor talks to the external payment processor's REST API.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/infrastructure/metrics"
	"github.com/iho/payledger/internal/usecase"
)

// Config configures the HTTP client.
type Config struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

// Client implements usecase.ProcessorClient over HTTP+JSON.
type Client struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	maxAttempts    int
	initialBackoff time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

var _ usecase.ProcessorClient = (*Client)(nil)

// NewClient creates a new Client.
func NewClient(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		logger:         logger.With("component", "processor_client"),
		metrics:        m,
	}
}

type paymentIntentJSON struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Amount             int64             `json:"amount"`
	AmountReceived     int64             `json:"amount_received"`
	Currency           string            `json:"currency"`
	CancellationReason string            `json:"cancellation_reason"`
	Metadata           map[string]string `json:"metadata"`
	Created            int64             `json:"created"`
	LastPaymentError   *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (p *paymentIntentJSON) toDomain() *domain.PaymentIntent {
	intent := &domain.PaymentIntent{
		ID:                 p.ID,
		Status:             p.Status,
		AmountCents:        p.Amount,
		AmountReceived:     p.AmountReceived,
		Currency:           strings.ToUpper(p.Currency),
		CancellationReason: p.CancellationReason,
		Metadata:           p.Metadata,
		CreatedAt:          time.Unix(p.Created, 0).UTC(),
	}
	if p.LastPaymentError != nil {
		intent.LastPaymentError = p.LastPaymentError.Message
	}
	return intent
}

type transferJSON struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Destination    string            `json:"destination"`
	FailureMessage string            `json:"failure_message"`
	Metadata       map[string]string `json:"metadata"`
	Created        int64             `json:"created"`
}

func (t *transferJSON) toDomain() *domain.Transfer {
	return &domain.Transfer{
		ID:             t.ID,
		Status:         t.Status,
		AmountCents:    t.Amount,
		Currency:       strings.ToUpper(t.Currency),
		Destination:    t.Destination,
		FailureMessage: t.FailureMessage,
		Metadata:       t.Metadata,
		CreatedAt:      time.Unix(t.Created, 0).UTC(),
	}
}

type refundJSON struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	Amount        int64             `json:"amount"`
	PaymentIntent string            `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

type errorJSON struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreatePaymentIntent opens a charge with manual capture.
func (c *Client) CreatePaymentIntent(ctx context.Context, params usecase.CreatePaymentIntentParams, idempotencyKey string) (*domain.PaymentIntent, error) {
	body := map[string]any{
		"amount":         params.AmountCents,
		"currency":       strings.ToLower(params.Currency),
		"customer":       params.Customer,
		"capture_method": "manual",
		"metadata":       params.Metadata,
	}
	var out paymentIntentJSON
	if err := c.do(ctx, "create_payment_intent", http.MethodPost, "/v1/payment_intents", body, idempotencyKey, &out); err != nil {
		return nil, err
	}
	return out.toDomain(), nil
}

// CapturePaymentIntent captures an authorised intent.
func (c *Client) CapturePaymentIntent(ctx context.Context, id, idempotencyKey string) (*domain.PaymentIntent, error) {
	var out paymentIntentJSON
	if err := c.do(ctx, "capture_payment_intent", http.MethodPost, "/v1/payment_intents/"+url.PathEscape(id)+"/capture", nil, idempotencyKey, &out); err != nil {
		return nil, err
	}
	return out.toDomain(), nil
}

// CancelPaymentIntent cancels an uncaptured intent.
func (c *Client) CancelPaymentIntent(ctx context.Context, id, idempotencyKey string) (*domain.PaymentIntent, error) {
	var out paymentIntentJSON
	if err := c.do(ctx, "cancel_payment_intent", http.MethodPost, "/v1/payment_intents/"+url.PathEscape(id)+"/cancel", nil, idempotencyKey, &out); err != nil {
		return nil, err
	}
	return out.toDomain(), nil
}

// RetrievePaymentIntent reads an intent.
func (c *Client) RetrievePaymentIntent(ctx context.Context, id string) (*domain.PaymentIntent, error) {
	var out paymentIntentJSON
	if err := c.do(ctx, "retrieve_payment_intent", http.MethodGet, "/v1/payment_intents/"+url.PathEscape(id), nil, "", &out); err != nil {
		return nil, err
	}
	return out.toDomain(), nil
}

// CreateTransfer moves funds to a connected account.
func (c *Client) CreateTransfer(ctx context.Context, params usecase.CreateTransferParams, idempotencyKey string) (*domain.Transfer, error) {
	body := map[string]any{
		"amount":      params.AmountCents,
		"currency":    strings.ToLower(params.Currency),
		"destination": params.Destination,
		"metadata":    params.Metadata,
	}
	var out transferJSON
	if err := c.do(ctx, "create_transfer", http.MethodPost, "/v1/transfers", body, idempotencyKey, &out); err != nil {
		return nil, err
	}
	return out.toDomain(), nil
}

// RetrieveTransfer reads a transfer.
func (c *Client) RetrieveTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	var out transferJSON
	if err := c.do(ctx, "retrieve_transfer", http.MethodGet, "/v1/transfers/"+url.PathEscape(id), nil, "", &out); err != nil {
		return nil, err
	}
	return out.toDomain(), nil
}

// ListTransfers returns transfers created at or after since.
func (c *Client) ListTransfers(ctx context.Context, since time.Time, limit int) ([]*domain.Transfer, error) {
	query := url.Values{}
	query.Set("created[gte]", strconv.FormatInt(since.Unix(), 10))
	query.Set("limit", strconv.Itoa(limit))

	var out struct {
		Data []transferJSON `json:"data"`
	}
	if err := c.do(ctx, "list_transfers", http.MethodGet, "/v1/transfers?"+query.Encode(), nil, "", &out); err != nil {
		return nil, err
	}

	transfers := make([]*domain.Transfer, 0, len(out.Data))
	for i := range out.Data {
		transfers = append(transfers, out.Data[i].toDomain())
	}
	return transfers, nil
}

// CreateRefund refunds part or all of a captured intent.
func (c *Client) CreateRefund(ctx context.Context, params usecase.CreateRefundParams, idempotencyKey string) (*domain.ProcessorRefund, error) {
	body := map[string]any{
		"payment_intent": params.PaymentIntentID,
		"amount":         params.AmountCents,
		"metadata":       params.Metadata,
	}
	if params.Reason != "" {
		body["reason"] = params.Reason
	}

	var out refundJSON
	if err := c.do(ctx, "create_refund", http.MethodPost, "/v1/refunds", body, idempotencyKey, &out); err != nil {
		return nil, err
	}
	return &domain.ProcessorRefund{
		ID:            out.ID,
		Status:        out.Status,
		AmountCents:   out.Amount,
		PaymentIntent: out.PaymentIntent,
		Metadata:      out.Metadata,
	}, nil
}

// CancelSubscription cancels a subscription immediately.
func (c *Client) CancelSubscription(ctx context.Context, id, idempotencyKey string) error {
	return c.do(ctx, "cancel_subscription", http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(id), nil, idempotencyKey, nil)
}

// do sends one logical request, retrying transient failures with
// exponential backoff. The idempotency key is reused across attempts.
func (c *Client) do(ctx context.Context, op, method, path string, body any, idempotencyKey string, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	policy.MaxElapsedTime = 0

	attempt := 0
	start := time.Now()
	err := backoff.Retry(func() error {
		attempt++
		err := c.send(ctx, op, method, path, payload, idempotencyKey, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, domain.ErrProcessorPermanent) {
			return backoff.Permanent(err)
		}
		c.logger.Warn("processor call failed", "op", op, "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxAttempts-1)), ctx))

	switch {
	case err == nil:
		c.metrics.RecordProcessorCall(op, "success", start)
	case errors.Is(err, domain.ErrProcessorPermanent):
		c.metrics.RecordProcessorCall(op, "permanent_error", start)
	default:
		c.metrics.RecordProcessorCall(op, "transient_error", start)
	}
	return err
}

func (c *Client) send(ctx context.Context, op, method, path string, payload []byte, idempotencyKey string, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &domain.ProcessorError{Op: op, Message: err.Error(), Permanent: true}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.ProcessorError{Op: op, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.ProcessorError{Op: op, StatusCode: resp.StatusCode, Message: "read response: " + err.Error()}
	}

	if resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode, respBody)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &domain.ProcessorError{Op: op, StatusCode: resp.StatusCode, Message: "decode response: " + err.Error()}
	}
	return nil
}

// statusError classifies an HTTP failure. Timeouts, rate limits and server
// errors are transient; every other status is permanent.
func statusError(op string, status int, body []byte) *domain.ProcessorError {
	perr := &domain.ProcessorError{
		Op:         op,
		StatusCode: status,
		Message:    http.StatusText(status),
		Permanent:  !isTransientStatus(status),
	}

	var parsed errorJSON
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
		perr.Code = parsed.Error.Code
		perr.Message = parsed.Error.Message
	}
	return perr
}

func isTransientStatus(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}
