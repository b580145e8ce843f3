package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"shop-service/internal/apperr"
	"shop-service/internal/models"
	"shop-service/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fillCart puts two lines worth 330 in the fixture user's cart
func fillCart(t *testing.T, f *fixture) models.Product {
	t.Helper()
	ctx := context.Background()
	bulb := f.store.PutProduct(models.Product{Name: "Bulb", Quantity: 10, Price: dec("60")})

	_, err := f.carts.AddItem(ctx, f.user, f.product.ID, 3)
	require.NoError(t, err)
	cart, err := f.carts.AddItem(ctx, f.user, bulb.ID, 1)
	require.NoError(t, err)
	require.True(t, cart.TotalPrice.Equal(dec("330")))
	return bulb
}

func placeOrder(t *testing.T, f *fixture) *models.Order {
	t.Helper()
	fillCart(t, f)
	order, err := f.orders.CreateOrder(context.Background(), f.user, CreateOrderRequest{AddressID: f.address.ID})
	require.NoError(t, err)
	return order
}

func TestCreateOrderSnapshotsAndDrainsCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.carts.AddItem(ctx, f.user, f.product.ID, 2)
	require.NoError(t, err)
	_, err = f.carts.AddItem(ctx, f.user, f.product.ID, 2)
	require.NoError(t, err)

	order, err := f.orders.CreateOrder(ctx, f.user, CreateOrderRequest{AddressID: f.address.ID, Notes: "leave at door"})
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.True(t, order.TotalAmount.Equal(dec("360")))
	assert.True(t, order.DiscountAmount.IsZero())
	assert.True(t, order.FinalAmount.Equal(dec("360")))
	assert.Equal(t, "leave at door", order.Notes)
	assert.True(t, order.OrderDate.AddDate(0, 0, 7).Equal(order.EstimatedDeliveryDate))

	require.Len(t, order.Items, 1)
	item := order.Items[0]
	assert.Equal(t, "Desk Lamp", item.ProductName)
	assert.Equal(t, 4, item.Quantity)
	assert.True(t, item.UnitPrice.Equal(dec("100")))
	assert.True(t, item.Discount.Equal(dec("10")))
	assert.True(t, item.SpecialPrice.Equal(dec("90")))
	assert.True(t, item.ItemTotal.Equal(dec("360")))

	cart, err := f.carts.GetCart(ctx, f.user)
	require.NoError(t, err)
	assert.Empty(t, cart.Items)
	assert.True(t, cart.TotalPrice.IsZero())

	// checkout does not touch stock again
	assert.Equal(t, 1, f.stock(t, f.product.ID))
	assert.Contains(t, f.events.types(), models.EventTypeOrderCreated)
}

func TestCreateOrderRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := placeOrder(t, f)

	got, err := f.orders.GetOrder(ctx, f.user, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.True(t, got.FinalAmount.Equal(created.FinalAmount))
	assert.Equal(t, len(created.Items), len(got.Items))
	assert.Equal(t, created.Status, got.Status)
}

func TestCreateOrderItemsAreFrozen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := placeOrder(t, f)

	// a later price change must not leak into the order
	f.store.PutProduct(models.Product{ID: f.product.ID, Name: "Desk Lamp v2", Quantity: 2, Price: dec("500")})

	got, err := f.orders.GetOrder(ctx, f.user, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "Desk Lamp", got.Items[0].ProductName)
	assert.True(t, got.TotalAmount.Equal(dec("330")))
}

func TestCreateOrderWithDiscount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fillCart(t, f)

	_, err := f.orders.CreateOrder(ctx, f.user, CreateOrderRequest{AddressID: f.address.ID, DiscountAmount: dec("331")})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.orders.CreateOrder(ctx, f.user, CreateOrderRequest{AddressID: f.address.ID, DiscountAmount: dec("-1")})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	order, err := f.orders.CreateOrder(ctx, f.user, CreateOrderRequest{AddressID: f.address.ID, DiscountAmount: dec("30.25")})
	require.NoError(t, err)
	assert.True(t, order.FinalAmount.Equal(dec("299.75")))
}

func TestCreateOrderRoundsDiscountBeforeSubtracting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fillCart(t, f)

	order, err := f.orders.CreateOrder(ctx, f.user, CreateOrderRequest{AddressID: f.address.ID, DiscountAmount: dec("0.005")})
	require.NoError(t, err)
	assert.True(t, order.DiscountAmount.Equal(dec("0.01")), order.DiscountAmount.String())
	assert.True(t, order.FinalAmount.Equal(dec("329.99")), order.FinalAmount.String())

	got, err := f.orders.GetOrder(ctx, f.user, order.ID)
	require.NoError(t, err)
	assert.True(t, got.FinalAmount.Equal(got.TotalAmount.Sub(got.DiscountAmount)))
}

func TestCreateOrderRejectsDiscountAboveTotalAfterRounding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fillCart(t, f)

	// 330.004 rounds to 330.00, which is allowed; 330.005 rounds to 330.01
	_, err := f.orders.CreateOrder(ctx, f.user, CreateOrderRequest{AddressID: f.address.ID, DiscountAmount: dec("330.005")})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	order, err := f.orders.CreateOrder(ctx, f.user, CreateOrderRequest{AddressID: f.address.ID, DiscountAmount: dec("330.004")})
	require.NoError(t, err)
	assert.True(t, order.FinalAmount.IsZero())
}

func TestCreateOrderFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, otherAddr := f.otherUser()

	_, err := f.orders.CreateOrder(ctx, f.user, CreateOrderRequest{AddressID: f.address.ID})
	assert.ErrorIs(t, err, apperr.ErrEmptyCart)

	fillCart(t, f)

	_, err = f.orders.CreateOrder(ctx, f.user, CreateOrderRequest{AddressID: 9999})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	// someone else's address is treated as missing
	_, err = f.orders.CreateOrder(ctx, f.user, CreateOrderRequest{AddressID: otherAddr.ID})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.orders.CreateOrder(ctx, models.Principal{ID: 9999}, CreateOrderRequest{AddressID: f.address.ID})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.orders.CreateOrder(ctx, other, CreateOrderRequest{AddressID: otherAddr.ID})
	assert.ErrorIs(t, err, apperr.ErrEmptyCart)

	// none of the failures drained the cart
	cart, err := f.carts.GetCart(ctx, f.user)
	require.NoError(t, err)
	assert.Len(t, cart.Items, 2)
	assert.True(t, cart.TotalPrice.Equal(dec("330")))
}

// failingOrderItems makes InsertOrderItem fail after the order row is written
type failingOrderItems struct {
	store.Store
}

func (s failingOrderItems) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	return s.Store.InTx(ctx, func(q store.Queries) error {
		return fn(failingQueries{Queries: q})
	})
}

type failingQueries struct {
	store.Queries
}

func (failingQueries) InsertOrderItem(context.Context, *models.OrderItem) error {
	return errors.New("disk full")
}

func TestCreateOrderIsAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fillCart(t, f)

	orders := NewOrderService(failingOrderItems{Store: f.store}, nil, nil, DefaultSettings())
	_, err := orders.CreateOrder(ctx, f.user, CreateOrderRequest{AddressID: f.address.ID})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))

	cart, err := f.carts.GetCart(ctx, f.user)
	require.NoError(t, err)
	assert.Len(t, cart.Items, 2)

	list, err := f.orders.ListByUser(ctx, f.user)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateOrderIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fillCart(t, f)

	req := CreateOrderRequest{AddressID: f.address.ID, IdempotencyKey: "checkout-1"}
	first, err := f.orders.CreateOrder(ctx, f.user, req)
	require.NoError(t, err)

	// the cart is empty now, but the same key still returns the order
	second, err := f.orders.CreateOrder(ctx, f.user, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Items, 2)

	list, err := f.orders.ListByUser(ctx, f.user)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// staleIdempotencyLookup misses the first lookup, like a request that checked
// the key before a concurrent checkout with the same key committed
type staleIdempotencyLookup struct {
	store.Store
	misses int
}

func (s *staleIdempotencyLookup) GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error) {
	if s.misses > 0 {
		s.misses--
		return nil, nil
	}
	return s.Store.GetOrderByIdempotencyKey(ctx, userID, key)
}

func TestCreateOrderIdempotencyKeyAfterCartDrained(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fillCart(t, f)

	req := CreateOrderRequest{AddressID: f.address.ID, IdempotencyKey: "checkout-race"}
	first, err := f.orders.CreateOrder(ctx, f.user, req)
	require.NoError(t, err)

	// no idempotency cache, and the pre-check does not see the first order yet
	late := NewOrderService(&staleIdempotencyLookup{Store: f.store, misses: 1}, nil, nil, DefaultSettings())
	second, err := late.CreateOrder(ctx, f.user, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// without a key an empty cart is still an error
	_, err = late.CreateOrder(ctx, f.user, CreateOrderRequest{AddressID: f.address.ID})
	assert.ErrorIs(t, err, apperr.ErrEmptyCart)
}

func TestCancelOrderRestoresStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bulb := fillCart(t, f)
	order, err := f.orders.CreateOrder(ctx, f.user, CreateOrderRequest{AddressID: f.address.ID})
	require.NoError(t, err)
	require.Equal(t, 2, f.stock(t, f.product.ID))

	cancelled, err := f.orders.CancelOrder(ctx, f.user, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 5, f.stock(t, f.product.ID))
	assert.Equal(t, 10, f.stock(t, bulb.ID))

	_, err = f.orders.CancelOrder(ctx, f.user, order.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, 5, f.stock(t, f.product.ID))

	assert.Contains(t, f.events.types(), models.EventTypeOrderCancelled)
}

func TestCancelOrderOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := placeOrder(t, f)
	other, _ := f.otherUser()

	_, err := f.orders.CancelOrder(ctx, other, order.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.orders.GetOrder(ctx, other, order.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	admin := models.Principal{ID: other.ID, Role: models.RoleAdmin}
	got, err := f.orders.GetOrder(ctx, admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)
}

func TestOrderLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := placeOrder(t, f)

	_, err := f.orders.UpdateStatus(ctx, order.ID, "shipped")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.orders.UpdateStatus(ctx, order.ID, "LOST")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	for _, status := range []string{"CONFIRMED", "SHIPPED"} {
		_, err = f.orders.UpdateStatus(ctx, order.ID, status)
		require.NoError(t, err)
	}

	delivered, err := f.orders.UpdateStatus(ctx, order.ID, "DELIVERED")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, delivered.Status)
	require.NotNil(t, delivered.DeliveryDate)

	_, err = f.orders.CancelOrder(ctx, f.user, order.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	got, err := f.orders.GetOrder(ctx, f.user, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, got.Status)
}

func TestUpdateStatusCancelRestoresStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := placeOrder(t, f)

	_, err := f.orders.UpdateStatus(ctx, order.ID, "CONFIRMED")
	require.NoError(t, err)
	_, err = f.orders.UpdateStatus(ctx, order.ID, "CANCELLED")
	require.NoError(t, err)

	assert.Equal(t, 5, f.stock(t, f.product.ID))
}

func TestListAndRecentOrders(t *testing.T) {
	clock := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	f := newFixture(t)
	ctx := context.Background()
	f.orders = NewOrderService(f.store, f.events, nil, DefaultSettings(),
		WithClock(func() time.Time { clock = clock.Add(time.Minute); return clock }))

	var ids []int64
	for i := 0; i < 3; i++ {
		_, err := f.carts.AddItem(ctx, f.user, f.product.ID, 1)
		require.NoError(t, err)
		o, err := f.orders.CreateOrder(ctx, f.user, CreateOrderRequest{AddressID: f.address.ID})
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}

	recent, err := f.orders.RecentOrders(ctx, f.user, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[2], recent[0].ID)
	assert.Equal(t, ids[1], recent[1].ID)

	_, err = f.orders.RecentOrders(ctx, f.user, 0)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	all, err := f.orders.RecentOrders(ctx, f.user, 1000)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = f.orders.UpdateStatus(ctx, ids[0], "CONFIRMED")
	require.NoError(t, err)

	pending, err := f.orders.ListByStatus(ctx, "pending")
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = f.orders.ListByStatus(ctx, "unknown")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	mine, err := f.orders.ListByUser(ctx, f.user)
	require.NoError(t, err)
	assert.Len(t, mine, 3)
	for _, o := range mine {
		assert.Len(t, o.Items, 1)
		assert.True(t, o.TotalAmount.Equal(decimal.NewFromInt(90)))
	}
}
