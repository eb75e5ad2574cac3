// Package gateway talks to the external payment processor: charge
// initialization at checkout, charge verification, seller transfers on
// escrow release, and buyer refunds on dispute resolution.
//
// Transfers and refunds move real money and are never retried here; a
// timeout is surfaced as ErrTimeout so callers can park the operation
// for manual review instead of risking a double payout.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultHTTPTimeout bounds every processor call.
const DefaultHTTPTimeout = 15 * time.Second

var (
	// ErrTimeout means the call did not complete and its outcome is
	// unknown. The money may or may not have moved.
	ErrTimeout = errors.New("gateway call timed out, outcome unknown")

	// ErrUnavailable means the circuit breaker is open for this
	// operation and the call was not attempted.
	ErrUnavailable = errors.New("gateway unavailable")
)

// DeclinedError is a definitive rejection from the processor. Unlike
// ErrTimeout the outcome is known: no money moved.
type DeclinedError struct {
	Code    string
	Message string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("gateway declined (%s): %s", e.Code, e.Message)
}

// ChargeRequest asks the processor to open a hosted payment session.
type ChargeRequest struct {
	Reference string            `json:"reference"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Email     string            `json:"email"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ChargeSession is the processor's handle for a pending charge. The
// buyer completes payment at AuthorizationURL.
type ChargeSession struct {
	Reference        string `json:"reference"`
	AuthorizationURL string `json:"authorizationUrl"`
	AccessCode       string `json:"accessCode"`
}

// ChargeStatus is the processor's view of a charge, used both by
// webhook amount verification and by manual reconciliation.
type ChargeStatus struct {
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Amount    int64           `json:"amount"`
	Currency  string          `json:"currency"`
	PaidAt    *time.Time      `json:"paidAt,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// Settled reports whether the processor considers the charge paid.
func (c *ChargeStatus) Settled() bool {
	return c.Status == "success"
}

// TransferRequest moves escrowed funds to a seller's payout account.
type TransferRequest struct {
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
	Reason    string `json:"reason,omitempty"`
}

// TransferResult identifies a completed or in-flight transfer.
type TransferResult struct {
	TransferCode string `json:"transferCode"`
	Status       string `json:"status"`
}

// RefundRequest reverses a settled charge back to the buyer.
// Amount of 0 refunds the full charge.
type RefundRequest struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// RefundResult identifies a refund accepted by the processor.
type RefundResult struct {
	RefundID string `json:"refundId"`
	Status   string `json:"status"`
}

// Client is the payment processor contract. Implementations must honor
// the context deadline and distinguish DeclinedError (outcome known)
// from ErrTimeout (outcome unknown).
type Client interface {
	InitializeCharge(ctx context.Context, req ChargeRequest) (*ChargeSession, error)
	VerifyCharge(ctx context.Context, reference string) (*ChargeStatus, error)
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}
