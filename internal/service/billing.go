package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/iliyamo/reservation-reallocation/internal/client"
)

// BillingFlow selects how an acceptance is paid for.  The caller chooses;
// the service never infers it from which fields happen to be present.
type BillingFlow string

const (
	// FlowPriorOrder re-authorizes the charge of the user's existing order.
	FlowPriorOrder BillingFlow = "prior_order"
	// FlowFreshCharge prices a brand-new order from the submitted items.
	FlowFreshCharge BillingFlow = "fresh_charge"
)

// Valid reports whether f is a known flow.
func (f BillingFlow) Valid() bool { return f == FlowPriorOrder || f == FlowFreshCharge }

// Charge is the tagged outcome of billing resolution: either a RealCharge
// or a PlaceholderCharge.
type Charge interface {
	// Amount is the amount to authorize in cents.
	Amount() int64
	isCharge()
}

// RealCharge is backed by an actual billing context.
type RealCharge struct {
	AmountCents     int64       `json:"amount_cents"`
	Source          BillingFlow `json:"source"`
	SourcePaymentID string      `json:"source_payment_id,omitempty"`
	SourceOrderID   string      `json:"source_order_id,omitempty"`
	SourceOrderType string      `json:"source_order_type,omitempty"`
}

func (c RealCharge) Amount() int64 { return c.AmountCents }
func (RealCharge) isCharge()       {}

// PlaceholderCharge stands in when no billing context exists at all.  It is
// never sent to the payment collaborator and is flagged on the booking.
type PlaceholderCharge struct {
	PaymentID string `json:"payment_id"`
}

func (PlaceholderCharge) Amount() int64 { return 0 }
func (PlaceholderCharge) isCharge()     {}

// PlaceholderPrefix starts every synthesized payment id.
const PlaceholderPrefix = "placeholder_"

// BillingRequest is the billing part of an acceptance.
type BillingRequest struct {
	Flow       BillingFlow
	UserID     string
	PaymentID  string
	OrderID    string
	PriceCents *int64
	Items      []client.OrderItem
}

// Bounds on caller-supplied amounts.  They keep every sum well inside int64.
const (
	maxItemQuantity = 1000
	maxItemPrice    = 100000.0
	maxChargeCents  = 100_000_000
)

// ResolveBilling turns the caller's billing context into a Charge.
//
// prior_order uses the supplied payment id and price when both are given,
// otherwise the user's order named by order_id or payment_id, otherwise the
// most recent order of the user.  A named order that cannot be found is an
// invalid request.  fresh_charge sums the submitted items.  Only an absent
// billing context yields a PlaceholderCharge.
func (s *ReallocationService) ResolveBilling(ctx context.Context, req BillingRequest) (Charge, error) {
	switch req.Flow {
	case FlowPriorOrder:
		if req.PaymentID != "" && req.PriceCents != nil {
			if *req.PriceCents < 0 || *req.PriceCents > maxChargeCents {
				return nil, invalid("price must be between 0 and %d cents", int64(maxChargeCents))
			}
			return RealCharge{
				AmountCents:     *req.PriceCents,
				Source:          FlowPriorOrder,
				SourcePaymentID: req.PaymentID,
				SourceOrderID:   req.OrderID,
			}, nil
		}
		orders, err := s.orders.ListByUser(ctx, req.UserID)
		if err != nil {
			return nil, remoteErr(err)
		}
		o := findOrder(orders, req.OrderID, req.PaymentID)
		switch {
		case o == nil && req.OrderID != "":
			return nil, invalid("order_id %s not found for user", req.OrderID)
		case o == nil && req.PaymentID != "":
			return nil, invalid("payment_id %s matches no order of the user and no price was given", req.PaymentID)
		case o == nil:
			return placeholder(), nil
		}
		amount := client.Cents(o.OrderPrice)
		if amount < 0 || amount > maxChargeCents {
			return nil, invalid("order %s has an unusable price", o.OrderID)
		}
		return RealCharge{
			AmountCents:     amount,
			Source:          FlowPriorOrder,
			SourcePaymentID: o.PaymentID,
			SourceOrderID:   o.OrderID,
			SourceOrderType: o.OrderType,
		}, nil

	case FlowFreshCharge:
		var total int64
		for i, it := range req.Items {
			if it.Quantity <= 0 || it.Quantity > maxItemQuantity {
				return nil, invalid("item %d: quantity must be between 1 and %d", i, maxItemQuantity)
			}
			if !(it.Price >= 0 && it.Price <= maxItemPrice) {
				return nil, invalid("item %d: price must be between 0 and %.0f", i, maxItemPrice)
			}
			total += int64(it.Quantity) * client.Cents(it.Price)
			if total > maxChargeCents {
				return nil, invalid("order total exceeds %d cents", int64(maxChargeCents))
			}
		}
		if len(req.Items) == 0 {
			return placeholder(), nil
		}
		return RealCharge{AmountCents: total, Source: FlowFreshCharge}, nil
	}
	return nil, invalid("billing_flow must be %q or %q", FlowPriorOrder, FlowFreshCharge)
}

func placeholder() PlaceholderCharge {
	return PlaceholderCharge{PaymentID: PlaceholderPrefix + uuid.NewString()}
}

// findOrder returns the order with id orderID, else the order paid by
// paymentID, else the most recently created order.  It returns nil when a
// named order is missing.
func findOrder(orders []client.Order, orderID, paymentID string) *client.Order {
	var best *client.Order
	for i := range orders {
		o := &orders[i]
		switch {
		case orderID != "":
			if o.OrderID == orderID {
				return o
			}
		case paymentID != "":
			if o.PaymentID == paymentID {
				return o
			}
		case best == nil || o.CreatedAt.After(best.CreatedAt):
			best = o
		}
	}
	return best
}

func describeCharge(c Charge) string {
	switch v := c.(type) {
	case RealCharge:
		return fmt.Sprintf("real charge %d cents from %s", v.AmountCents, v.Source)
	case PlaceholderCharge:
		return "placeholder charge " + v.PaymentID
	}
	return "unknown charge"
}
