package store

import (
	"context"
	"os"
	"testing"
	"time"

	"shop-service/internal/apperr"
	"shop-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore connects to TEST_DATABASE_URL and applies migrations.
// These are integration tests and are skipped without a database.
func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - requires database (set TEST_DATABASE_URL)")
	}

	s, err := NewStore(url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, Migrate(context.Background(), s.DB().DB, "up"))
	return s
}

func seedCatalog(t *testing.T, s *PostgresStore, stock int) (userID, productID int64) {
	t.Helper()
	ctx := context.Background()
	suffix := time.Now().Format("150405.000000000")

	require.NoError(t, s.DB().GetContext(ctx, &userID,
		"INSERT INTO users (username, email) VALUES ($1, $2) RETURNING id",
		"user-"+suffix, suffix+"@example.com"))
	require.NoError(t, s.DB().GetContext(ctx, &productID,
		"INSERT INTO products (name, quantity, price, discount) VALUES ($1, $2, $3, $4) RETURNING id",
		"product-"+suffix, stock, decimal.NewFromInt(100), decimal.NewFromInt(10)))
	return userID, productID
}

func TestReserveStockConditional(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, productID := seedCatalog(t, s, 1)

	require.NoError(t, s.ReserveStock(ctx, productID, 1))

	err := s.ReserveStock(ctx, productID, 1)
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)

	err = s.ReserveStock(ctx, -1, 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	p, err := s.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Quantity)
	assert.True(t, p.SpecialPrice.Equal(decimal.NewFromInt(90)))
}

func TestCartTransactionRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	userID, productID := seedCatalog(t, s, 5)

	err := s.InTx(ctx, func(q Queries) error {
		cart, err := q.EnsureCart(ctx, userID)
		if err != nil {
			return err
		}
		if err := q.ReserveStock(ctx, productID, 2); err != nil {
			return err
		}
		if err := q.InsertCartItem(ctx, &models.CartItem{CartID: cart.ID, ProductID: productID, Quantity: 2, Subtotal: decimal.NewFromInt(180)}); err != nil {
			return err
		}
		return apperr.Conflict("test", nil, "force rollback")
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	p, err := s.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Quantity)
}

func TestOrderIdempotencyKeyUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	userID, _ := seedCatalog(t, s, 1)

	var addressID int64
	require.NoError(t, s.DB().GetContext(ctx, &addressID,
		"INSERT INTO addresses (user_id, street, city, state, country, pincode) VALUES ($1, 'a', 'b', 'c', 'd', 'e') RETURNING id",
		userID))

	key := "idempotent-key-456"
	now := time.Now()
	newOrder := func() *models.Order {
		return &models.Order{
			UserID: userID, AddressID: addressID, Status: models.OrderStatusPending,
			TotalAmount: decimal.NewFromInt(10), FinalAmount: decimal.NewFromInt(10),
			OrderDate: now, EstimatedDeliveryDate: now.AddDate(0, 0, 7), IdempotencyKey: &key,
		}
	}

	first := newOrder()
	require.NoError(t, s.InsertOrder(ctx, first))
	assert.NotZero(t, first.ID)

	err := s.InsertOrder(ctx, newOrder())
	assert.ErrorIs(t, err, apperr.ErrConflict)

	found, err := s.GetOrderByIdempotencyKey(ctx, userID, key)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)

	require.NoError(t, s.UpdateOrderStatus(ctx, first.ID, models.OrderStatusPending, models.OrderStatusConfirmed, nil))
	err = s.UpdateOrderStatus(ctx, first.ID, models.OrderStatusPending, models.OrderStatusCancelled, nil)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}
