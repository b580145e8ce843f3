package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shop-service/internal/apperr"
	"shop-service/internal/models"
	"shop-service/internal/pricing"
	"shop-service/internal/store"
	"shop-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MaxRecentOrders caps RecentOrders
const MaxRecentOrders = 100

// OrderService turns carts into orders and drives the order state machine
type OrderService struct {
	base
	events      EventPublisher
	idempotency IdempotencyStore
}

// NewOrderService creates a new order service. events and idempotency may be nil.
func NewOrderService(st store.Store, events EventPublisher, idempotency IdempotencyStore, settings Settings, opts ...Option) *OrderService {
	return &OrderService{
		base:        newBase(st, settings, opts),
		events:      orDefaultPublisher(events),
		idempotency: idempotency,
	}
}

// CreateOrderRequest represents a request to check out the caller's cart
type CreateOrderRequest struct {
	AddressID      int64           `json:"address_id" binding:"required"`
	Notes          string          `json:"notes"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	IdempotencyKey string          `json:"-"`
}

// CreateOrder snapshots the cart into a PENDING order and drains the cart in
// the same transaction. A repeated idempotency key returns the original order.
func (s *OrderService) CreateOrder(ctx context.Context, p models.Principal, req CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	start := time.Now()
	defer func() {
		util.CheckoutLatency.Observe(time.Since(start).Seconds())
	}()

	fields := []zap.Field{zap.Int64("user_id", p.ID), zap.Int64("address_id", req.AddressID)}

	if err := requirePrincipal(p); err != nil {
		return nil, s.fail(span, "order.create", err, fields...)
	}
	if req.DiscountAmount.IsNegative() {
		util.OrdersFailedTotal.WithLabelValues("invalid_discount").Inc()
		return nil, s.fail(span, "order.create",
			apperr.InvalidInput("order", nil, "discount amount must not be negative"), fields...)
	}

	var redisKey string
	if req.IdempotencyKey != "" {
		existing, err := s.store.GetOrderByIdempotencyKey(ctx, p.ID, req.IdempotencyKey)
		if err != nil {
			return nil, s.fail(span, "order.create", fmt.Errorf("failed to check idempotency: %w", err), fields...)
		}
		if existing != nil {
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Int64("order_id", existing.ID))
			return s.withItems(ctx, s.store, existing)
		}

		redisKey = fmt.Sprintf("order:%d:%s", p.ID, req.IdempotencyKey)
		if replay, err := s.claimIdempotencyKey(ctx, redisKey); err != nil {
			return nil, s.fail(span, "order.create", err, fields...)
		} else if replay != nil {
			return replay, nil
		}
	}

	order := &models.Order{}
	err := s.store.InTx(ctx, func(q store.Queries) error {
		return s.checkout(ctx, q, p, req, order)
	})
	if err != nil {
		if req.IdempotencyKey != "" && (errors.Is(err, apperr.ErrConflict) || errors.Is(err, apperr.ErrEmptyCart)) {
			// lost the race against a concurrent request with the same key; the
			// winner either tripped the unique key or drained the cart first
			if existing, lookupErr := s.store.GetOrderByIdempotencyKey(ctx, p.ID, req.IdempotencyKey); lookupErr == nil && existing != nil {
				return s.withItems(ctx, s.store, existing)
			}
		}
		s.releaseIdempotencyKey(ctx, redisKey)
		util.OrdersFailedTotal.WithLabelValues(string(apperr.KindOf(err))).Inc()
		return nil, s.fail(span, "order.create", err, fields...)
	}

	if redisKey != "" && s.idempotency != nil {
		if err := s.idempotency.ResolveIdempotencyKey(ctx, redisKey, order.ID, s.settings.IdempotencyTTL); err != nil {
			s.logger.Warn("Failed to record idempotency key", zap.String("key", redisKey), zap.Error(err))
		}
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", p.ID),
		zap.String("final_amount", order.FinalAmount.StringFixed(pricing.Scale)))

	event := &models.OrderCreatedEvent{
		BaseEvent:      models.NewBaseEvent(models.EventTypeOrderCreated),
		OrderID:        order.ID,
		UserID:         order.UserID,
		TotalAmount:    order.TotalAmount,
		DiscountAmount: order.DiscountAmount,
		FinalAmount:    order.FinalAmount,
		Items:          itemData(order.Items),
	}
	s.publishLogged(event.EventType, order.ID, func() error { return s.events.PublishOrderCreated(ctx, event) })

	return order, nil
}

// checkout runs inside the checkout transaction and fills order
func (s *OrderService) checkout(ctx context.Context, q store.Queries, p models.Principal, req CreateOrderRequest, order *models.Order) error {
	if _, err := q.GetUser(ctx, p.ID); err != nil {
		return err
	}
	addr, err := q.GetAddress(ctx, req.AddressID)
	if err != nil {
		return err
	}
	if addr.UserID != p.ID {
		return apperr.NotFound("address", req.AddressID)
	}

	cart, err := q.EnsureCart(ctx, p.ID)
	if err != nil {
		return err
	}
	cartItems, err := q.ListCartItems(ctx, cart.ID)
	if err != nil {
		return err
	}
	if len(cartItems) == 0 {
		return apperr.EmptyCart(p.ID)
	}

	items := make([]models.OrderItem, 0, len(cartItems))
	totals := make([]decimal.Decimal, 0, len(cartItems))
	for _, ci := range cartItems {
		product, err := q.GetProduct(ctx, ci.ProductID)
		if err != nil {
			return err
		}
		line := models.OrderItem{
			ProductID:    product.ID,
			ProductName:  product.Name,
			Quantity:     ci.Quantity,
			UnitPrice:    product.Price,
			Discount:     product.Discount,
			SpecialPrice: product.SpecialPrice,
			ItemTotal:    pricing.LineTotal(product.SpecialPrice, ci.Quantity),
		}
		items = append(items, line)
		totals = append(totals, line.ItemTotal)
	}

	total := pricing.Sum(totals...)
	discount := req.DiscountAmount.Round(pricing.Scale)
	if discount.GreaterThan(total) {
		return apperr.InvalidInput("order", nil, "discount amount %s exceeds order total %s",
			discount.StringFixed(pricing.Scale), total.StringFixed(pricing.Scale))
	}

	now := s.now()
	*order = models.Order{
		UserID:                p.ID,
		AddressID:             addr.ID,
		Status:                models.OrderStatusPending,
		TotalAmount:           total,
		DiscountAmount:        discount,
		FinalAmount:           total.Sub(discount),
		OrderDate:             now,
		EstimatedDeliveryDate: now.AddDate(0, 0, s.settings.DeliveryDays),
		Notes:                 req.Notes,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		order.IdempotencyKey = &key
	}

	if err := q.InsertOrder(ctx, order); err != nil {
		return err
	}
	for i := range items {
		items[i].OrderID = order.ID
		if err := q.InsertOrderItem(ctx, &items[i]); err != nil {
			return err
		}
	}
	order.Items = items

	if err := q.DeleteCartItems(ctx, cart.ID); err != nil {
		return err
	}
	return q.UpdateCartTotal(ctx, cart.ID, decimal.Zero)
}

// claimIdempotencyKey returns the already-created order for a replayed key.
// Redis trouble is logged and ignored; the database constraint still holds.
func (s *OrderService) claimIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	if s.idempotency == nil {
		return nil, nil
	}
	claimed, err := s.idempotency.ClaimIdempotencyKey(ctx, key, s.settings.IdempotencyTTL)
	if err != nil {
		s.logger.Warn("Idempotency store unavailable", zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	if claimed {
		return nil, nil
	}

	orderID, found, err := s.idempotency.LookupIdempotencyKey(ctx, key)
	if err != nil {
		s.logger.Warn("Idempotency store unavailable", zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	if !found {
		return nil, apperr.Conflict("order", nil, "a checkout with this idempotency key is already in progress")
	}
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.withItems(ctx, s.store, order)
}

func (s *OrderService) releaseIdempotencyKey(ctx context.Context, key string) {
	if key == "" || s.idempotency == nil {
		return
	}
	if err := s.idempotency.ReleaseIdempotencyKey(ctx, key); err != nil {
		s.logger.Warn("Failed to release idempotency key", zap.String("key", key), zap.Error(err))
	}
}

// CancelOrder cancels one of the caller's orders and returns its stock
func (s *OrderService) CancelOrder(ctx context.Context, p models.Principal, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	fields := []zap.Field{zap.Int64("user_id", p.ID), zap.Int64("order_id", orderID)}

	if err := requirePrincipal(p); err != nil {
		return nil, s.fail(span, "order.cancel", err, fields...)
	}

	var order *models.Order
	var from models.OrderStatus
	err := s.store.InTx(ctx, func(q store.Queries) error {
		o, err := q.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !p.CanAccess(o.UserID) {
			return apperr.NotFound("order", orderID)
		}
		from = o.Status
		order, err = s.transition(ctx, q, o, models.OrderStatusCancelled)
		return err
	})
	if err != nil {
		return nil, s.fail(span, "order.cancel", err, fields...)
	}

	s.logger.Info("Order cancelled", fields...)
	s.publishTransition(ctx, order, from)
	return order, nil
}

// UpdateStatus is the operator entry point for moving an order along its lifecycle
func (s *OrderService) UpdateStatus(ctx context.Context, orderID int64, newStatus string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus")
	defer span.End()

	fields := []zap.Field{zap.Int64("order_id", orderID), zap.String("status", newStatus)}

	to, ok := models.ParseOrderStatus(newStatus)
	if !ok {
		return nil, s.fail(span, "order.update_status",
			apperr.InvalidInput("order", orderID, "unknown order status %q", newStatus), fields...)
	}

	var order *models.Order
	var from models.OrderStatus
	err := s.store.InTx(ctx, func(q store.Queries) error {
		o, err := q.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		from = o.Status
		order, err = s.transition(ctx, q, o, to)
		return err
	})
	if err != nil {
		return nil, s.fail(span, "order.update_status", err, fields...)
	}

	s.logger.Info("Order status updated",
		zap.Int64("order_id", orderID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	s.publishTransition(ctx, order, from)
	return order, nil
}

// transition validates and applies o.Status -> to inside a transaction.
// Entering DELIVERED stamps the delivery date; entering CANCELLED restores stock.
func (s *OrderService) transition(ctx context.Context, q store.Queries, o *models.Order, to models.OrderStatus) (*models.Order, error) {
	if !o.Status.CanTransitionTo(to) {
		return nil, apperr.InvalidTransition("order", o.ID, string(o.Status), string(to))
	}

	var deliveredAt *time.Time
	if to == models.OrderStatusDelivered {
		now := s.now()
		deliveredAt = &now
	}
	if err := q.UpdateOrderStatus(ctx, o.ID, o.Status, to, deliveredAt); err != nil {
		return nil, err
	}

	items, err := q.ListOrderItems(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if to == models.OrderStatusCancelled {
		for _, it := range items {
			if err := q.RestoreStock(ctx, it.ProductID, it.Quantity); err != nil {
				return nil, err
			}
			util.StockReleasedUnitsTotal.Add(float64(it.Quantity))
		}
	}

	updated, err := q.GetOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	updated.Items = items
	util.OrderTransitionsTotal.WithLabelValues(string(to)).Inc()
	return updated, nil
}

func (s *OrderService) publishTransition(ctx context.Context, order *models.Order, from models.OrderStatus) {
	changed := &models.OrderStatusChangedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderStatusChanged),
		OrderID:   order.ID,
		From:      from,
		To:        order.Status,
	}
	s.publishLogged(changed.EventType, order.ID, func() error { return s.events.PublishOrderStatusChanged(ctx, changed) })

	if order.Status != models.OrderStatusCancelled {
		return
	}
	cancelled := &models.OrderCancelledEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderCancelled),
		OrderID:   order.ID,
		UserID:    order.UserID,
		Items:     itemData(order.Items),
	}
	s.publishLogged(cancelled.EventType, order.ID, func() error { return s.events.PublishOrderCancelled(ctx, cancelled) })
}

// GetOrder retrieves one of the caller's orders with its items
func (s *OrderService) GetOrder(ctx context.Context, p models.Principal, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	if err := requirePrincipal(p); err != nil {
		return nil, s.fail(span, "order.get", err)
	}
	order, err := s.store.GetOrder(ctx, orderID)
	if err == nil && !p.CanAccess(order.UserID) {
		err = apperr.NotFound("order", orderID)
	}
	if err == nil {
		order, err = s.withItems(ctx, s.store, order)
	}
	if err != nil {
		return nil, s.fail(span, "order.get", err, zap.Int64("user_id", p.ID), zap.Int64("order_id", orderID))
	}
	return order, nil
}

// ListByUser returns the caller's orders, newest first
func (s *OrderService) ListByUser(ctx context.Context, p models.Principal) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListByUser")
	defer span.End()

	if err := requirePrincipal(p); err != nil {
		return nil, s.fail(span, "order.list_by_user", err)
	}
	orders, err := s.store.ListOrdersByUser(ctx, p.ID)
	if err == nil {
		err = s.attachItems(ctx, orders)
	}
	if err != nil {
		return nil, s.fail(span, "order.list_by_user", err, zap.Int64("user_id", p.ID))
	}
	return orders, nil
}

// ListByStatus returns every order in a status
func (s *OrderService) ListByStatus(ctx context.Context, status string) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListByStatus")
	defer span.End()

	st, ok := models.ParseOrderStatus(status)
	if !ok {
		return nil, s.fail(span, "order.list_by_status",
			apperr.InvalidInput("order", nil, "unknown order status %q", status))
	}
	orders, err := s.store.ListOrdersByStatus(ctx, st)
	if err == nil {
		err = s.attachItems(ctx, orders)
	}
	if err != nil {
		return nil, s.fail(span, "order.list_by_status", err, zap.String("status", status))
	}
	return orders, nil
}

// RecentOrders returns the caller's limit newest orders
func (s *OrderService) RecentOrders(ctx context.Context, p models.Principal, limit int) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.RecentOrders")
	defer span.End()

	if err := requirePrincipal(p); err != nil {
		return nil, s.fail(span, "order.recent", err)
	}
	if limit <= 0 {
		return nil, s.fail(span, "order.recent",
			apperr.InvalidInput("order", nil, "limit must be positive, got %d", limit))
	}
	if limit > MaxRecentOrders {
		limit = MaxRecentOrders
	}

	orders, err := s.store.RecentOrdersByUser(ctx, p.ID, limit)
	if err == nil {
		err = s.attachItems(ctx, orders)
	}
	if err != nil {
		return nil, s.fail(span, "order.recent", err, zap.Int64("user_id", p.ID))
	}
	return orders, nil
}

func (s *OrderService) withItems(ctx context.Context, q store.Queries, order *models.Order) (*models.Order, error) {
	items, err := q.ListOrderItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

func (s *OrderService) attachItems(ctx context.Context, orders []models.Order) error {
	for i := range orders {
		items, err := s.store.ListOrderItems(ctx, orders[i].ID)
		if err != nil {
			return err
		}
		orders[i].Items = items
	}
	return nil
}

func itemData(items []models.OrderItem) []models.OrderItemData {
	out := make([]models.OrderItemData, 0, len(items))
	for _, it := range items {
		out = append(out, models.OrderItemData{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.SpecialPrice,
		})
	}
	return out
}
