package client

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Order types used by the reallocation flow.  An order placed before the
// reservation was confirmed carries the pending type until acceptance.
const (
	OrderTypeDineInPending = "dine_in(pending)"
	OrderTypeDineIn        = "dine_in"
)

// Order is the subset of the order record the reallocation flow reads.
type Order struct {
	OrderID      string    `json:"order_id"`
	UserID       string    `json:"user_id"`
	RestaurantID string    `json:"restaurant_id"`
	PaymentID    string    `json:"payment_id"`
	OrderPrice   float64   `json:"order_price"`
	OrderType    string    `json:"order_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// OrderItem is one line of a fresh order.
type OrderItem struct {
	ItemName string  `json:"item_name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// CreateOrderRequest is the body of POST /api/orders.
type CreateOrderRequest struct {
	UserID        string      `json:"user_id"`
	RestaurantID  string      `json:"restaurant_id"`
	ReservationID string      `json:"reservation_id"`
	PaymentID     string      `json:"payment_id"`
	OrderPrice    float64     `json:"order_price"`
	OrderType     string      `json:"order_type"`
	Items         []OrderItem `json:"items,omitempty"`
}

// Orders is the HTTP adapter for the order collaborator.
type Orders struct {
	gw gateway
}

// NewOrders returns an order client rooted at the gateway base URL.  hc may
// be nil.
func NewOrders(baseURL string, timeout time.Duration, hc *http.Client) *Orders {
	return &Orders{gw: newGateway(baseURL, timeout, hc)}
}

// ListByUser returns the user's orders.  A domain 404 is an empty list.
func (o *Orders) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	var data struct {
		Orders []Order `json:"orders"`
	}
	err := o.gw.do(ctx, "list orders", http.MethodGet, "/api/orders/user/"+url.PathEscape(userID), nil, "", &data)
	if err != nil {
		if isNotFound(err) {
			return []Order{}, nil
		}
		return nil, err
	}
	return data.Orders, nil
}

// Create places an order.  idemKey lets the collaborator collapse retries.
func (o *Orders) Create(ctx context.Context, req CreateOrderRequest, idemKey string) (*Order, error) {
	var data struct {
		Order *Order `json:"order"`
	}
	if err := o.gw.do(ctx, "create order", http.MethodPost, "/api/orders", req, idemKey, &data); err != nil {
		return nil, err
	}
	if data.Order == nil || data.Order.OrderID == "" {
		return nil, &CallError{Op: "create order", Status: http.StatusCreated, Message: "missing order in response", Kind: ErrUnavailable}
	}
	return data.Order, nil
}

// UpdateType changes the order type, e.g. dine_in(pending) to dine_in.
func (o *Orders) UpdateType(ctx context.Context, orderID, orderType string) error {
	body := map[string]string{"order_type": orderType}
	return o.gw.do(ctx, "update order type", http.MethodPatch, "/api/orders/"+url.PathEscape(orderID)+"/type", body, "", nil)
}

// Delete removes an order created by a saga that later failed.
func (o *Orders) Delete(ctx context.Context, orderID string) error {
	return o.gw.do(ctx, "delete order", http.MethodDelete, "/api/orders/"+url.PathEscape(orderID), nil, "", nil)
}

// DeleteByKey removes the order created under idemKey.  It undoes a create
// call whose answer never arrived, so the order id is unknown.
func (o *Orders) DeleteByKey(ctx context.Context, idemKey string) error {
	q := url.Values{"idempotency_key": {idemKey}}
	return o.gw.do(ctx, "delete order", http.MethodDelete, "/api/orders?"+q.Encode(), nil, "", nil)
}
