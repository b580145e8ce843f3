package memstore

import (
	"context"
	"time"

	"shop-service/internal/apperr"
	"shop-service/internal/models"
)

func newestOrderFirst(a, b models.Order) bool {
	if !a.OrderDate.Equal(b.OrderDate) {
		return a.OrderDate.After(b.OrderDate)
	}
	return a.ID > b.ID
}

func (v *view) InsertOrder(ctx context.Context, order *models.Order) error {
	return v.do(ctx, func(d *dataset) error {
		if order.IdempotencyKey != nil {
			for _, o := range d.orders {
				if o.UserID == order.UserID && o.IdempotencyKey != nil && *o.IdempotencyKey == *order.IdempotencyKey {
					return apperr.Conflict("order", order.UserID, "an order with this idempotency key already exists")
				}
			}
		}
		now := v.s.now()
		order.ID = d.nextID()
		order.CreatedAt, order.UpdatedAt = now, now
		stored := *order
		stored.Items = nil
		d.orders[order.ID] = stored
		return nil
	})
}

func (v *view) InsertOrderItem(ctx context.Context, item *models.OrderItem) error {
	return v.do(ctx, func(d *dataset) error {
		if _, ok := d.orders[item.OrderID]; !ok {
			return apperr.NotFound("order", item.OrderID)
		}
		item.ID = d.nextID()
		d.orderItems[item.ID] = *item
		return nil
	})
}

func (v *view) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	var out models.Order
	err := v.do(ctx, func(d *dataset) error {
		o, ok := d.orders[id]
		if !ok {
			return apperr.NotFound("order", id)
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrderForUpdate needs no row lock here; transactions already hold the store lock.
func (v *view) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return v.GetOrder(ctx, id)
}

func (v *view) GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error) {
	var out *models.Order
	err := v.do(ctx, func(d *dataset) error {
		for _, o := range d.orders {
			if o.UserID == userID && o.IdempotencyKey != nil && *o.IdempotencyKey == key {
				o := o
				out = &o
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (v *view) ListOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var out []models.OrderItem
	err := v.do(ctx, func(d *dataset) error {
		out = sortedValues(d.orderItems,
			func(it models.OrderItem) bool { return it.OrderID == orderID },
			func(a, b models.OrderItem) bool { return a.ID < b.ID })
		return nil
	})
	return out, err
}

func (v *view) ListOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	var out []models.Order
	err := v.do(ctx, func(d *dataset) error {
		out = sortedValues(d.orders,
			func(o models.Order) bool { return o.UserID == userID }, newestOrderFirst)
		return nil
	})
	return out, err
}

func (v *view) ListOrdersByStatus(ctx context.Context, status models.OrderStatus) ([]models.Order, error) {
	var out []models.Order
	err := v.do(ctx, func(d *dataset) error {
		out = sortedValues(d.orders,
			func(o models.Order) bool { return o.Status == status }, newestOrderFirst)
		return nil
	})
	return out, err
}

func (v *view) RecentOrdersByUser(ctx context.Context, userID int64, limit int) ([]models.Order, error) {
	orders, err := v.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (v *view) UpdateOrderStatus(ctx context.Context, id int64, from, to models.OrderStatus, deliveryDate *time.Time) error {
	return v.do(ctx, func(d *dataset) error {
		o, ok := d.orders[id]
		if !ok || o.Status != from {
			return apperr.Conflict("order", id, "order %d is no longer %s", id, from)
		}
		o.Status = to
		if deliveryDate != nil {
			o.DeliveryDate = deliveryDate
		}
		o.UpdatedAt = v.s.now()
		d.orders[id] = o
		return nil
	})
}
