package service

import (
	"context"
	"time"

	"shop-service/internal/apperr"
	"shop-service/internal/models"
	"shop-service/internal/store"
	"shop-service/internal/util"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EventPublisher receives domain events after the owning transaction commits
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
	PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
	PublishPaymentRefunded(ctx context.Context, event *models.PaymentRefundedEvent) error
}

// Locker is a best-effort cross-instance mutex
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// IdempotencyStore short-circuits repeated checkouts before they reach the database
type IdempotencyStore interface {
	ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ResolveIdempotencyKey(ctx context.Context, key string, orderID int64, ttl time.Duration) error
	LookupIdempotencyKey(ctx context.Context, key string) (orderID int64, found bool, err error)
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}

// Settings are the business knobs shared by the engines
type Settings struct {
	DeliveryDays             int
	ReleaseStockOnCartChange bool
	PaymentLockTTL           time.Duration
	IdempotencyTTL           time.Duration
	DefaultGateway           string
}

// DefaultSettings mirrors the config defaults
func DefaultSettings() Settings {
	return Settings{
		DeliveryDays:   7,
		PaymentLockTTL: 30 * time.Second,
		IdempotencyTTL: 24 * time.Hour,
		DefaultGateway: "MOCK",
	}
}

// Option customises an engine
type Option func(*base)

// WithLogger replaces the global logger
func WithLogger(l *zap.Logger) Option {
	return func(b *base) { b.logger = l }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(b *base) { b.now = now }
}

type base struct {
	store    store.Store
	settings Settings
	logger   *zap.Logger
	now      func() time.Time
}

func newBase(st store.Store, settings Settings, opts []Option) base {
	b := base{
		store:    st,
		settings: settings,
		logger:   util.GetLogger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// fail logs err and marks the span. Domain failures are warnings, anything
// unclassified is an error.
func (b *base) fail(span trace.Span, op string, err error, fields ...zap.Field) error {
	util.FailSpan(span, err)
	fields = append(fields, zap.String("op", op), zap.Error(err))
	if kind := apperr.KindOf(err); kind == apperr.KindInternal {
		b.logger.Error("Operation failed", fields...)
	} else {
		b.logger.Warn("Operation rejected", append(fields, zap.String("kind", string(kind)))...)
	}
	return err
}

func requirePrincipal(p models.Principal) error {
	if p.ID <= 0 {
		return apperr.Unauthenticated("no authenticated user")
	}
	return nil
}

type noopPublisher struct{}

func (noopPublisher) PublishOrderCreated(context.Context, *models.OrderCreatedEvent) error {
	return nil
}
func (noopPublisher) PublishOrderStatusChanged(context.Context, *models.OrderStatusChangedEvent) error {
	return nil
}
func (noopPublisher) PublishOrderCancelled(context.Context, *models.OrderCancelledEvent) error {
	return nil
}
func (noopPublisher) PublishPaymentCompleted(context.Context, *models.PaymentCompletedEvent) error {
	return nil
}
func (noopPublisher) PublishPaymentFailed(context.Context, *models.PaymentFailedEvent) error {
	return nil
}
func (noopPublisher) PublishPaymentRefunded(context.Context, *models.PaymentRefundedEvent) error {
	return nil
}

func orDefaultPublisher(p EventPublisher) EventPublisher {
	if p == nil {
		return noopPublisher{}
	}
	return p
}

// publishLogged sends an event and only logs a failure; the state change has
// already committed.
func (b *base) publishLogged(name string, orderID int64, publish func() error) {
	if err := publish(); err != nil {
		b.logger.Error("Failed to publish event",
			zap.String("event", name),
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}
}
