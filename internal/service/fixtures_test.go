package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"shop-service/internal/models"
	"shop-service/internal/store/memstore"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// recordingPublisher captures events by type
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingPublisher) record(t string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, t)
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingPublisher) PublishOrderCreated(_ context.Context, e *models.OrderCreatedEvent) error {
	return r.record(e.EventType)
}
func (r *recordingPublisher) PublishOrderStatusChanged(_ context.Context, e *models.OrderStatusChangedEvent) error {
	return r.record(e.EventType)
}
func (r *recordingPublisher) PublishOrderCancelled(_ context.Context, e *models.OrderCancelledEvent) error {
	return r.record(e.EventType)
}
func (r *recordingPublisher) PublishPaymentCompleted(_ context.Context, e *models.PaymentCompletedEvent) error {
	return r.record(e.EventType)
}
func (r *recordingPublisher) PublishPaymentFailed(_ context.Context, e *models.PaymentFailedEvent) error {
	return r.record(e.EventType)
}
func (r *recordingPublisher) PublishPaymentRefunded(_ context.Context, e *models.PaymentRefundedEvent) error {
	return r.record(e.EventType)
}

// memLocker is an in-process Locker
type memLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func (l *memLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]string{}
	}
	if _, taken := l.held[key]; taken {
		return "", false, nil
	}
	l.held[key] = key + "-token"
	return l.held[key], true, nil
}

func (l *memLocker) ReleaseLock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

// memIdempotency is an in-process IdempotencyStore
type memIdempotency struct {
	mu   sync.Mutex
	keys map[string]int64
}

func (m *memIdempotency) ClaimIdempotencyKey(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = map[string]int64{}
	}
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = 0
	return true, nil
}

func (m *memIdempotency) ResolveIdempotencyKey(_ context.Context, key string, orderID int64, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = orderID
	return nil
}

func (m *memIdempotency) LookupIdempotencyKey(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.keys[key]
	return id, ok && id != 0, nil
}

func (m *memIdempotency) ReleaseIdempotencyKey(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

// decliningGateway rejects every charge
type decliningGateway struct{}

func (decliningGateway) Charge(context.Context, ChargeRequest) (ChargeResult, error) {
	return ChargeResult{Approved: false, Reason: "card_declined"}, nil
}

type fixture struct {
	store    *memstore.Store
	events   *recordingPublisher
	carts    *CartService
	orders   *OrderService
	payments *PaymentService

	user    models.Principal
	address models.Address
	product models.Product
}

type fixtureOption func(*Settings, *fixtureDeps)

type fixtureDeps struct {
	gateway PaymentGateway
	logger  *zap.Logger
}

func withReleaseOnCartChange() fixtureOption {
	return func(s *Settings, _ *fixtureDeps) { s.ReleaseStockOnCartChange = true }
}

func withGateway(g PaymentGateway) fixtureOption {
	return func(_ *Settings, d *fixtureDeps) { d.gateway = g }
}

func withFixtureLogger(l *zap.Logger) fixtureOption {
	return func(_ *Settings, d *fixtureDeps) { d.logger = l }
}

// newFixture seeds one user with one address and product P
// (stock 5, price 100, discount 10, special price 90).
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	settings := DefaultSettings()
	deps := fixtureDeps{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&settings, &deps)
	}

	st := memstore.New()
	events := &recordingPublisher{}
	svcOpts := []Option{WithLogger(deps.logger)}

	u := st.PutUser(models.User{Username: "alice", Email: "alice@example.com"})
	addr := st.PutAddress(models.Address{UserID: u.ID, Street: "1 Main St", City: "Pune", State: "MH", Country: "IN", Pincode: "411001"})
	p := st.PutProduct(models.Product{Name: "Desk Lamp", Quantity: 5, Price: dec("100"), Discount: dec("10")})

	return &fixture{
		store:    st,
		events:   events,
		carts:    NewCartService(st, settings, svcOpts...),
		orders:   NewOrderService(st, events, &memIdempotency{}, settings, svcOpts...),
		payments: NewPaymentService(st, events, &memLocker{}, deps.gateway, settings, svcOpts...),
		user:     models.Principal{ID: u.ID, Email: u.Email},
		address:  addr,
		product:  p,
	}
}

func (f *fixture) stock(t *testing.T, productID int64) int {
	t.Helper()
	p, err := f.store.GetProduct(context.Background(), productID)
	if err != nil {
		t.Fatalf("load product %d: %v", productID, err)
	}
	return p.Quantity
}

// otherUser adds a second customer with their own address
func (f *fixture) otherUser() (models.Principal, models.Address) {
	u := f.store.PutUser(models.User{Username: "bob", Email: "bob@example.com"})
	addr := f.store.PutAddress(models.Address{UserID: u.ID, Street: "2 Side St", City: "Pune", State: "MH", Country: "IN", Pincode: "411002"})
	return models.Principal{ID: u.ID, Email: u.Email}, addr
}
