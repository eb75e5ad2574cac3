package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/adomako/akatua/internal/metrics"
)

// StripeClient is the card-rails driver. Orders carry our reference in
// payment intent metadata, so verification goes through the search API
// rather than intent IDs.
type StripeClient struct {
	api        *client.API
	currency   string
	successURL string
}

// NewStripeClient creates a Stripe-backed processor driver.
func NewStripeClient(secretKey, currency, successURL string) *StripeClient {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeClient{api: api, currency: strings.ToLower(currency), successURL: successURL}
}

func (s *StripeClient) InitializeCharge(ctx context.Context, req ChargeRequest) (*ChargeSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(s.successURL),
		ClientReferenceID: stripe.String(req.Reference),
		CustomerEmail:     stripe.String(req.Email),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Order " + req.Reference),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"reference": req.Reference},
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, s.wrap("initialize_charge", err)
	}
	metrics.GatewayCallsTotal.WithLabelValues("initialize_charge", "ok").Inc()
	return &ChargeSession{
		Reference:        req.Reference,
		AuthorizationURL: sess.URL,
		AccessCode:       sess.ID,
	}, nil
}

func (s *StripeClient) VerifyCharge(ctx context.Context, reference string) (*ChargeStatus, error) {
	intent, err := s.findIntent(ctx, reference)
	if err != nil {
		return nil, err
	}

	status := "pending"
	var paidAt *time.Time
	if intent.Status == stripe.PaymentIntentStatusSucceeded {
		status = "success"
		t := time.Unix(intent.Created, 0)
		paidAt = &t
	} else if intent.Status == stripe.PaymentIntentStatusCanceled {
		status = "failed"
	}

	metrics.GatewayCallsTotal.WithLabelValues("verify_charge", "ok").Inc()
	return &ChargeStatus{
		Reference: reference,
		Status:    status,
		Amount:    intent.Amount,
		Currency:  strings.ToUpper(string(intent.Currency)),
		PaidAt:    paidAt,
	}, nil
}

func (s *StripeClient) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Destination:   stripe.String(req.Recipient),
		TransferGroup: stripe.String(req.Reference),
	}
	params.Context = ctx
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return nil, s.wrap("transfer", err)
	}
	metrics.GatewayCallsTotal.WithLabelValues("transfer", "ok").Inc()
	return &TransferResult{TransferCode: tr.ID, Status: "success"}, nil
}

func (s *StripeClient) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	intent, err := s.findIntent(ctx, req.Reference)
	if err != nil {
		return nil, err
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intent.ID),
	}
	params.Context = ctx
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}

	ref, err := s.api.Refunds.New(params)
	if err != nil {
		return nil, s.wrap("refund", err)
	}
	metrics.GatewayCallsTotal.WithLabelValues("refund", "ok").Inc()
	return &RefundResult{RefundID: ref.ID, Status: string(ref.Status)}, nil
}

func (s *StripeClient) findIntent(ctx context.Context, reference string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentSearchParams{
		SearchParams: stripe.SearchParams{
			Query: fmt.Sprintf("metadata['reference']:'%s'", reference),
		},
	}
	params.Context = ctx

	iter := s.api.PaymentIntents.Search(params)
	for iter.Next() {
		return iter.PaymentIntent(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, s.wrap("verify_charge", err)
	}
	return nil, &DeclinedError{Code: "not_found", Message: "no charge with reference " + reference}
}

// wrap maps Stripe errors onto the driver-neutral error set.
func (s *StripeClient) wrap(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.GatewayCallsTotal.WithLabelValues(op, "timeout").Inc()
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	var serr *stripe.Error
	if errors.As(err, &serr) {
		if serr.HTTPStatusCode >= 500 {
			metrics.GatewayCallsTotal.WithLabelValues(op, "error").Inc()
			return fmt.Errorf("%s: processor returned HTTP %d", op, serr.HTTPStatusCode)
		}
		metrics.GatewayCallsTotal.WithLabelValues(op, "declined").Inc()
		return &DeclinedError{Code: string(serr.Code), Message: serr.Msg}
	}
	metrics.GatewayCallsTotal.WithLabelValues(op, "error").Inc()
	return fmt.Errorf("%s: %w", op, err)
}

var _ Client = (*StripeClient)(nil)
