package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/adomako/akatua/internal/circuitbreaker"
	"github.com/adomako/akatua/internal/metrics"
)

const maxResponseSize = 1 * 1024 * 1024 // 1MB

// envelope is the processor's standard response wrapper.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// HTTPClient is the REST driver for mobile-money style processors
// (Paystack-compatible API shape: bearer auth, amount in minor units,
// status/message/data envelope).
type HTTPClient struct {
	baseURL   string
	secretKey string
	client    *http.Client
	breaker   *circuitbreaker.Breaker
}

// NewHTTPClient creates a processor driver. Pass timeout=0 to use
// DefaultHTTPTimeout.
func NewHTTPClient(baseURL, secretKey string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTPClient{
		baseURL:   baseURL,
		secretKey: secretKey,
		client:    &http.Client{Timeout: timeout},
		breaker:   circuitbreaker.New(5, 30*time.Second),
	}
}

func (c *HTTPClient) InitializeCharge(ctx context.Context, req ChargeRequest) (*ChargeSession, error) {
	payload := map[string]interface{}{
		"reference": req.Reference,
		"amount":    req.Amount,
		"currency":  req.Currency,
		"email":     req.Email,
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}
	if err := c.call(ctx, "initialize_charge", http.MethodPost, "/transaction/initialize", payload, &data); err != nil {
		return nil, err
	}
	return &ChargeSession{
		Reference:        data.Reference,
		AuthorizationURL: data.AuthorizationURL,
		AccessCode:       data.AccessCode,
	}, nil
}

func (c *HTTPClient) VerifyCharge(ctx context.Context, reference string) (*ChargeStatus, error) {
	var data struct {
		Reference string     `json:"reference"`
		Status    string     `json:"status"`
		Amount    int64      `json:"amount"`
		Currency  string     `json:"currency"`
		PaidAt    *time.Time `json:"paid_at"`
	}
	path := "/transaction/verify/" + url.PathEscape(reference)
	if err := c.call(ctx, "verify_charge", http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	return &ChargeStatus{
		Reference: data.Reference,
		Status:    data.Status,
		Amount:    data.Amount,
		Currency:  data.Currency,
		PaidAt:    data.PaidAt,
	}, nil
}

func (c *HTTPClient) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	payload := map[string]interface{}{
		"source":    "balance",
		"recipient": req.Recipient,
		"amount":    req.Amount,
		"currency":  req.Currency,
		"reference": req.Reference,
		"reason":    req.Reason,
	}
	var data struct {
		TransferCode string `json:"transfer_code"`
		Status       string `json:"status"`
	}
	if err := c.call(ctx, "transfer", http.MethodPost, "/transfer", payload, &data); err != nil {
		return nil, err
	}
	return &TransferResult{TransferCode: data.TransferCode, Status: data.Status}, nil
}

func (c *HTTPClient) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	payload := map[string]interface{}{
		"transaction":   req.Reference,
		"merchant_note": req.Reason,
	}
	if req.Amount > 0 {
		payload["amount"] = req.Amount
	}
	var data struct {
		ID     json.Number `json:"id"`
		Status string      `json:"status"`
	}
	if err := c.call(ctx, "refund", http.MethodPost, "/refund", payload, &data); err != nil {
		return nil, err
	}
	return &RefundResult{RefundID: data.ID.String(), Status: data.Status}, nil
}

// call performs one processor request with breaker and metrics
// accounting. op doubles as the breaker key so an outage on transfers
// does not trip charge initialization.
func (c *HTTPClient) call(ctx context.Context, op, method, path string, payload interface{}, out interface{}) error {
	if !c.breaker.Allow(op) {
		metrics.GatewayCallsTotal.WithLabelValues(op, "unavailable").Inc()
		return ErrUnavailable
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.breaker.RecordFailure(op)
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			metrics.GatewayCallsTotal.WithLabelValues(op, "timeout").Inc()
			return fmt.Errorf("%s: %w", op, ErrTimeout)
		}
		metrics.GatewayCallsTotal.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.breaker.RecordFailure(op)
		metrics.GatewayCallsTotal.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure(op)
		metrics.GatewayCallsTotal.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("%s: processor returned HTTP %d", op, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.breaker.RecordFailure(op)
		metrics.GatewayCallsTotal.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("decode response: %w", err)
	}

	c.breaker.RecordSuccess(op)

	if resp.StatusCode >= 400 || !env.Status {
		metrics.GatewayCallsTotal.WithLabelValues(op, "declined").Inc()
		return &DeclinedError{Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: env.Message}
	}

	metrics.GatewayCallsTotal.WithLabelValues(op, "ok").Inc()
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

// isClientTimeout catches net/http client timeouts, which surface as a
// *url.Error with Timeout() true rather than context.DeadlineExceeded.
func isClientTimeout(err error) bool {
	var uerr *url.Error
	return errors.As(err, &uerr) && uerr.Timeout()
}

var _ Client = (*HTTPClient)(nil)
