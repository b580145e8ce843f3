package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"shop-service/internal/apperr"
	"shop-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// InsertOrder creates a new order
func (s *queries) InsertOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, address_id, status, total_amount, discount_amount, final_amount,
			order_date, estimated_delivery_date, notes, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	err := sqlx.GetContext(ctx, s.q, order, query,
		order.UserID, order.AddressID, order.Status, order.TotalAmount, order.DiscountAmount,
		order.FinalAmount, order.OrderDate, order.EstimatedDeliveryDate, order.Notes, order.IdempotencyKey)
	if isUniqueViolation(err) {
		return apperr.Conflict("order", order.UserID, "an order with this idempotency key already exists").WithCause(err)
	}
	return err
}

// InsertOrderItem creates a new order item
func (s *queries) InsertOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, product_name, quantity, unit_price, discount, special_price, item_total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	return sqlx.GetContext(ctx, s.q, &item.ID, query,
		item.OrderID, item.ProductID, item.ProductName, item.Quantity,
		item.UnitPrice, item.Discount, item.SpecialPrice, item.ItemTotal)
}

// GetOrder retrieves an order by ID
func (s *queries) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	if err := s.get(ctx, &order, "order", id, "SELECT * FROM orders WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderForUpdate retrieves an order and locks its row for the rest of the transaction
func (s *queries) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	if err := s.get(ctx, &order, "order", id, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey returns nil, nil when the user never used key
func (s *queries) GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, s.q, &order,
		"SELECT * FROM orders WHERE user_id = $1 AND idempotency_key = $2", userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrderItems retrieves all items for an order
func (s *queries) ListOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	items := []models.OrderItem{}
	err := sqlx.SelectContext(ctx, s.q, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// ListOrdersByUser retrieves orders for a user, newest first
func (s *queries) ListOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	orders := []models.Order{}
	err := sqlx.SelectContext(ctx, s.q, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY order_date DESC, id DESC", userID)
	return orders, err
}

func (s *queries) ListOrdersByStatus(ctx context.Context, status models.OrderStatus) ([]models.Order, error) {
	orders := []models.Order{}
	err := sqlx.SelectContext(ctx, s.q, &orders,
		"SELECT * FROM orders WHERE status = $1 ORDER BY order_date DESC, id DESC", status)
	return orders, err
}

func (s *queries) RecentOrdersByUser(ctx context.Context, userID int64, limit int) ([]models.Order, error) {
	orders := []models.Order{}
	err := sqlx.SelectContext(ctx, s.q, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY order_date DESC, id DESC LIMIT $2", userID, limit)
	return orders, err
}

// UpdateOrderStatus moves an order from -> to; Conflict when the order was
// no longer in from.
func (s *queries) UpdateOrderStatus(ctx context.Context, id int64, from, to models.OrderStatus, deliveryDate *time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE orders SET status = $1, delivery_date = COALESCE($2, delivery_date), updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		to, deliveryDate, id, from)
	return expectOne(res, err,
		apperr.Conflict("order", id, "order %d is no longer %s", id, from))
}
