package store

import (
	"context"
	"fmt"

	"shop-service/internal/apperr"
	"shop-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// EnsureCart returns the user's cart, creating it on first use. Inside a
// transaction the upsert also holds the cart row lock until commit.
func (s *queries) EnsureCart(ctx context.Context, userID int64) (*models.Cart, error) {
	query := `
		INSERT INTO carts (user_id, total_price)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING *`

	var cart models.Cart
	if err := sqlx.GetContext(ctx, s.q, &cart, query, userID); err != nil {
		return nil, fmt.Errorf("failed to ensure cart for user %d: %w", userID, err)
	}
	return &cart, nil
}

func (s *queries) GetCartItem(ctx context.Context, cartID, productID int64) (*models.CartItem, error) {
	var item models.CartItem
	err := s.get(ctx, &item, "cart item", productID,
		"SELECT * FROM cart_items WHERE cart_id = $1 AND product_id = $2", cartID, productID)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *queries) ListCartItems(ctx context.Context, cartID int64) ([]models.CartItem, error) {
	items := []models.CartItem{}
	err := sqlx.SelectContext(ctx, s.q, &items,
		"SELECT * FROM cart_items WHERE cart_id = $1 ORDER BY id", cartID)
	return items, err
}

func (s *queries) InsertCartItem(ctx context.Context, item *models.CartItem) error {
	query := `
		INSERT INTO cart_items (cart_id, product_id, quantity, subtotal)
		VALUES ($1, $2, $3, $4)
		RETURNING *`

	err := sqlx.GetContext(ctx, s.q, item, query, item.CartID, item.ProductID, item.Quantity, item.Subtotal)
	if isUniqueViolation(err) {
		return apperr.Conflict("cart item", item.ProductID, "product %d is already in cart %d", item.ProductID, item.CartID).WithCause(err)
	}
	return err
}

func (s *queries) UpdateCartItem(ctx context.Context, itemID int64, quantity int, subtotal decimal.Decimal) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE cart_items SET quantity = $1, subtotal = $2, updated_at = NOW() WHERE id = $3",
		quantity, subtotal, itemID)
	return expectOne(res, err, apperr.NotFound("cart item", itemID))
}

func (s *queries) DeleteCartItem(ctx context.Context, itemID int64) error {
	res, err := s.q.ExecContext(ctx, "DELETE FROM cart_items WHERE id = $1", itemID)
	return expectOne(res, err, apperr.NotFound("cart item", itemID))
}

func (s *queries) DeleteCartItems(ctx context.Context, cartID int64) error {
	_, err := s.q.ExecContext(ctx, "DELETE FROM cart_items WHERE cart_id = $1", cartID)
	return err
}

func (s *queries) UpdateCartTotal(ctx context.Context, cartID int64, total decimal.Decimal) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE carts SET total_price = $1, updated_at = NOW() WHERE id = $2", total, cartID)
	return expectOne(res, err, apperr.NotFound("cart", cartID))
}
