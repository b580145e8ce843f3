package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shop-service/internal/apperr"
	"shop-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Queries is the data access surface used by the engines. It is implemented
// both by the connection pool and by an open transaction.
type Queries interface {
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	ReserveStock(ctx context.Context, productID int64, quantity int) error
	RestoreStock(ctx context.Context, productID int64, quantity int) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetAddress(ctx context.Context, id int64) (*models.Address, error)

	EnsureCart(ctx context.Context, userID int64) (*models.Cart, error)
	GetCartItem(ctx context.Context, cartID, productID int64) (*models.CartItem, error)
	ListCartItems(ctx context.Context, cartID int64) ([]models.CartItem, error)
	InsertCartItem(ctx context.Context, item *models.CartItem) error
	UpdateCartItem(ctx context.Context, itemID int64, quantity int, subtotal decimal.Decimal) error
	DeleteCartItem(ctx context.Context, itemID int64) error
	DeleteCartItems(ctx context.Context, cartID int64) error
	UpdateCartTotal(ctx context.Context, cartID int64, total decimal.Decimal) error

	InsertOrder(ctx context.Context, order *models.Order) error
	InsertOrderItem(ctx context.Context, item *models.OrderItem) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error)
	ListOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	ListOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error)
	ListOrdersByStatus(ctx context.Context, status models.OrderStatus) ([]models.Order, error)
	RecentOrdersByUser(ctx context.Context, userID int64, limit int) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, from, to models.OrderStatus, deliveryDate *time.Time) error

	InsertPayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, id int64) (*models.Payment, error)
	GetPaymentByTransactionID(ctx context.Context, txID string) (*models.Payment, error)
	GetCompletedPayment(ctx context.Context, orderID int64) (*models.Payment, error)
	ListPaymentsByUser(ctx context.Context, userID int64) ([]models.Payment, error)
	ListPaymentsByStatus(ctx context.Context, status models.PaymentStatus) ([]models.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id int64, from, to models.PaymentStatus, paymentDate *time.Time) error
}

// Store is Queries plus transaction control.
type Store interface {
	Queries
	// InTx runs fn in one transaction; any error returned by fn rolls it back.
	InTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
	Close() error
}

// PostgresStore is the sqlx backed Store.
type PostgresStore struct {
	queries
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

// NewStore creates a new database store
func NewStore(databaseURL string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{queries: queries{q: db}, db: db}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB returns the underlying database connection
func (s *PostgresStore) DB() *sqlx.DB {
	return s.db
}

// InTx executes fn inside a transaction, rolling back on error or panic.
func (s *PostgresStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(&queries{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queries runs statements against either *sqlx.DB or *sqlx.Tx.
type queries struct {
	q sqlx.ExtContext
}

func (s *queries) get(ctx context.Context, dest any, entity string, id any, query string, args ...any) error {
	err := sqlx.GetContext(ctx, s.q, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(entity, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load %s %v: %w", entity, id, err)
	}
	return nil
}

// expectOne turns a zero row update into err.
func expectOne(res sql.Result, err error, onMiss error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return onMiss
	}
	return nil
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
