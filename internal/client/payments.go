package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// AuthorizeRequest is the body of POST /api/payment/authorize.
type AuthorizeRequest struct {
	ReservationID   string `json:"reservation_id"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
	SourcePaymentID string `json:"source_payment_id,omitempty"`
}

// Authorization is the payment collaborator's answer to an authorization.
type Authorization struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// Payments is the HTTP adapter for the payment collaborator.
type Payments struct {
	gw gateway
}

// NewPayments returns a payment client rooted at the gateway base URL.  hc
// may be nil.
func NewPayments(baseURL string, timeout time.Duration, hc *http.Client) *Payments {
	return &Payments{gw: newGateway(baseURL, timeout, hc)}
}

// Authorize reserves the amount.  A declined status or HTTP 402 returns
// ErrDeclined.
func (p *Payments) Authorize(ctx context.Context, req AuthorizeRequest, idemKey string) (*Authorization, error) {
	var auth Authorization
	if err := p.gw.do(ctx, "authorize payment", http.MethodPost, "/api/payment/authorize", req, idemKey, &auth); err != nil {
		return nil, err
	}
	switch strings.ToLower(auth.Status) {
	case "declined", "failed", "rejected":
		return nil, &CallError{Op: "authorize payment", Status: http.StatusOK, Message: auth.Status, Kind: ErrDeclined}
	}
	if auth.PaymentID == "" {
		return nil, &CallError{Op: "authorize payment", Status: http.StatusOK, Message: "missing payment_id", Kind: ErrUnavailable}
	}
	return &auth, nil
}

// Void releases an authorization.  paymentID may be empty when the
// authorization timed out, the idempotency key then identifies it.
func (p *Payments) Void(ctx context.Context, paymentID, idemKey string) error {
	body := map[string]string{"payment_id": paymentID, "idempotency_key": idemKey}
	err := p.gw.do(ctx, "void payment", http.MethodPost, "/api/payment/void", body, idemKey, nil)
	if isNotFound(err) {
		// nothing was authorized under this key
		return nil
	}
	return err
}

// Refund returns amountCents of a captured payment.
func (p *Payments) Refund(ctx context.Context, paymentID string, amountCents int64, idemKey string) error {
	body := struct {
		PaymentID string  `json:"payment_id"`
		Amount    float64 `json:"amount"`
	}{paymentID, Amount(amountCents)}
	return p.gw.do(ctx, "refund payment", http.MethodPost, "/api/payment/refund", body, idemKey, nil)
}

func isNotFound(err error) bool { return err != nil && errors.Is(err, ErrNotFound) }
