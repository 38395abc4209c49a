package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/reservation-reallocation/internal/client"
	"github.com/iliyamo/reservation-reallocation/internal/model"
	"github.com/iliyamo/reservation-reallocation/internal/queue"
	"github.com/iliyamo/reservation-reallocation/internal/repository/memory"
	"github.com/iliyamo/reservation-reallocation/internal/service"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// MockPayments behaves like an idempotent payment collaborator unless a
// Func field overrides a call.
type MockPayments struct {
	mu            sync.Mutex
	AuthorizeFunc func(req client.AuthorizeRequest, key string) (*client.Authorization, error)
	VoidFunc      func(paymentID, key string) error
	RefundFunc    func(paymentID string, amountCents int64, key string) error

	authorizeKeys []string
	byKey         map[string]string
	voided        []string
	refunded      []string
}

func (m *MockPayments) Authorize(ctx context.Context, req client.AuthorizeRequest, key string) (*client.Authorization, error) {
	m.mu.Lock()
	m.authorizeKeys = append(m.authorizeKeys, key)
	fn := m.AuthorizeFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(req, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byKey == nil {
		m.byKey = make(map[string]string)
	}
	id, ok := m.byKey[key]
	if !ok {
		id = fmt.Sprintf("pay_%d", len(m.byKey)+1)
		m.byKey[key] = id
	}
	return &client.Authorization{PaymentID: id, Status: "authorized"}, nil
}

func (m *MockPayments) Void(ctx context.Context, paymentID, key string) error {
	m.mu.Lock()
	fn := m.VoidFunc
	m.mu.Unlock()
	if fn != nil {
		if err := fn(paymentID, key); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voided = append(m.voided, key)
	return nil
}

func (m *MockPayments) Refund(ctx context.Context, paymentID string, amountCents int64, key string) error {
	m.mu.Lock()
	fn := m.RefundFunc
	m.mu.Unlock()
	if fn != nil {
		if err := fn(paymentID, amountCents, key); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunded = append(m.refunded, paymentID)
	return nil
}

func (m *MockPayments) AuthorizeKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.authorizeKeys...)
}

func (m *MockPayments) Voided() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.voided...)
}

func (m *MockPayments) Refunded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.refunded...)
}

// MockOrders records order calls.
type MockOrders struct {
	mu             sync.Mutex
	ListByUserFunc func(userID string) ([]client.Order, error)
	CreateFunc     func(req client.CreateOrderRequest, key string) (*client.Order, error)
	UpdateTypeFunc func(orderID, orderType string) error

	created     map[string]string
	typeUpdates []string
	deleted     []string
	deletedKeys []string
}

func (m *MockOrders) ListByUser(ctx context.Context, userID string) ([]client.Order, error) {
	if m.ListByUserFunc != nil {
		return m.ListByUserFunc(userID)
	}
	return []client.Order{}, nil
}

func (m *MockOrders) Create(ctx context.Context, req client.CreateOrderRequest, key string) (*client.Order, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(req, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.created == nil {
		m.created = make(map[string]string)
	}
	id, ok := m.created[key]
	if !ok {
		id = fmt.Sprintf("ord_%d", len(m.created)+1)
		m.created[key] = id
	}
	return &client.Order{OrderID: id, UserID: req.UserID, PaymentID: req.PaymentID, OrderPrice: req.OrderPrice, OrderType: req.OrderType}, nil
}

func (m *MockOrders) UpdateType(ctx context.Context, orderID, orderType string) error {
	if m.UpdateTypeFunc != nil {
		if err := m.UpdateTypeFunc(orderID, orderType); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typeUpdates = append(m.typeUpdates, orderID+"="+orderType)
	return nil
}

func (m *MockOrders) Delete(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, orderID)
	return nil
}

func (m *MockOrders) DeleteByKey(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedKeys = append(m.deletedKeys, key)
	return nil
}

func (m *MockOrders) CreatedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

// MockNotifier captures published events.
type MockNotifier struct {
	mu     sync.Mutex
	events []queue.Event
}

func (m *MockNotifier) Publish(ctx context.Context, ev queue.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MockNotifier) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Type)
	}
	return out
}

func (m *MockNotifier) Of(key string) []queue.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []queue.Event
	for _, ev := range m.events {
		if ev.Type == key {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	svc    *service.ReallocationService
	store  *memory.ReservationStore
	ledger *memory.Ledger
	comps  *memory.CompensationStore
	pay    *MockPayments
	orders *MockOrders
	notes  *MockNotifier
	clock  *fakeClock
	slot   model.Slot
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  memory.NewReservationStore(),
		ledger: memory.NewLedger(),
		comps:  memory.NewCompensationStore(),
		pay:    &MockPayments{},
		orders: &MockOrders{},
		notes:  &MockNotifier{},
		clock:  &fakeClock{t: time.Date(2026, 11, 20, 12, 0, 0, 0, time.UTC)},
		slot:   model.Slot{RestaurantID: "rest-1", Time: time.Date(2026, 11, 20, 19, 0, 0, 0, time.UTC), Bucket: "table-4"},
	}
	h.svc = service.NewReallocationService(h.store, h.ledger, h.comps, h.orders, h.pay, h.notes, service.Config{
		OfferWindow: 15 * time.Minute,
		SagaLease:   2 * time.Minute,
		SweepBatch:  100,
		Currency:    "SGD",
	}, zap.NewNop())
	h.svc.SetClock(h.clock.Now)
	return h
}

func (h *harness) create(t *testing.T, userID string) *model.Reservation {
	t.Helper()
	r, err := h.svc.Create(context.Background(), model.NewReservation{UserID: userID, Slot: h.slot, PartySize: 2})
	if err != nil {
		t.Fatalf("create %s: %v", userID, err)
	}
	return r
}

func (h *harness) get(t *testing.T, id string) *model.Reservation {
	t.Helper()
	r, err := h.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return r
}

func (h *harness) claimCount(t *testing.T, slot model.Slot) (offered, booked int) {
	t.Helper()
	rows, err := h.svc.ListBySlot(context.Background(), slot)
	if err != nil {
		t.Fatalf("list slot: %v", err)
	}
	for _, r := range rows {
		switch r.Status {
		case model.StatusOffered:
			offered++
		case model.StatusBooked:
			booked++
		}
	}
	return offered, booked
}

func freshCharge(resID, userID string) service.AcceptRequest {
	return service.AcceptRequest{
		ReservationID: resID,
		UserID:        userID,
		Billing: service.BillingRequest{
			Flow:  service.FlowFreshCharge,
			Items: []client.OrderItem{{ItemName: "Laksa", Quantity: 2, Price: 12.50}},
		},
	}
}

func ptr[T any](v T) *T { return &v }
