package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"shop-service/internal/apperr"
	"shop-service/internal/models"
	"shop-service/internal/pricing"

	"github.com/jmoiron/sqlx"
)

// GetProduct retrieves a product by ID
func (s *queries) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	if err := s.get(ctx, &product, "product", id, "SELECT * FROM products WHERE id = $1", id); err != nil {
		return nil, err
	}
	product.SpecialPrice = pricing.SpecialPrice(product.Price, product.Discount)
	return &product, nil
}

// ReserveStock decrements stock only when enough is on hand
func (s *queries) ReserveStock(ctx context.Context, productID int64, quantity int) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE products SET quantity = quantity - $1, updated_at = NOW() WHERE id = $2 AND quantity >= $1",
		quantity, productID)
	if err != nil {
		return fmt.Errorf("failed to reserve stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var available int
	err = sqlx.GetContext(ctx, s.q, &available, "SELECT quantity FROM products WHERE id = $1", productID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("product", productID)
	}
	if err != nil {
		return err
	}
	return apperr.InsufficientStock(productID, available, quantity)
}

// RestoreStock returns previously reserved units to the catalog
func (s *queries) RestoreStock(ctx context.Context, productID int64, quantity int) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE products SET quantity = quantity + $1, updated_at = NOW() WHERE id = $2",
		quantity, productID)
	return expectOne(res, err, apperr.NotFound("product", productID))
}

func (s *queries) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	if err := s.get(ctx, &user, "user", id, "SELECT * FROM users WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *queries) GetAddress(ctx context.Context, id int64) (*models.Address, error) {
	var addr models.Address
	if err := s.get(ctx, &addr, "address", id, "SELECT * FROM addresses WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &addr, nil
}
