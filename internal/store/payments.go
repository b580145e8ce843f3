package store

import (
	"context"
	"time"

	"shop-service/internal/apperr"
	"shop-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// InsertPayment creates a new payment record
func (s *queries) InsertPayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, user_id, amount, method, gateway, transaction_id, reference,
			status, payment_date, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	err := sqlx.GetContext(ctx, s.q, payment, query,
		payment.OrderID, payment.UserID, payment.Amount, payment.Method, payment.Gateway,
		payment.TransactionID, payment.Reference, payment.Status, payment.PaymentDate, payment.Notes)
	if isUniqueViolation(err) {
		return apperr.Conflict("payment", payment.OrderID, "order %d already has a completed payment", payment.OrderID).WithCause(err)
	}
	return err
}

func (s *queries) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	var payment models.Payment
	if err := s.get(ctx, &payment, "payment", id, "SELECT * FROM payments WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &payment, nil
}

func (s *queries) GetPaymentByTransactionID(ctx context.Context, txID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.get(ctx, &payment, "payment", txID, "SELECT * FROM payments WHERE transaction_id = $1", txID)
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetCompletedPayment retrieves the settled payment for an order
func (s *queries) GetCompletedPayment(ctx context.Context, orderID int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.get(ctx, &payment, "payment", orderID,
		"SELECT * FROM payments WHERE order_id = $1 AND status = $2", orderID, models.PaymentStatusCompleted)
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (s *queries) ListPaymentsByUser(ctx context.Context, userID int64) ([]models.Payment, error) {
	payments := []models.Payment{}
	err := sqlx.SelectContext(ctx, s.q, &payments,
		"SELECT * FROM payments WHERE user_id = $1 ORDER BY created_at DESC, id DESC", userID)
	return payments, err
}

func (s *queries) ListPaymentsByStatus(ctx context.Context, status models.PaymentStatus) ([]models.Payment, error) {
	payments := []models.Payment{}
	err := sqlx.SelectContext(ctx, s.q, &payments,
		"SELECT * FROM payments WHERE status = $1 ORDER BY created_at DESC, id DESC", status)
	return payments, err
}

// UpdatePaymentStatus moves a payment from -> to. The partial unique index on
// completed payments turns a second completion for the same order into Conflict.
func (s *queries) UpdatePaymentStatus(ctx context.Context, id int64, from, to models.PaymentStatus, paymentDate *time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE payments SET status = $1, payment_date = COALESCE($2, payment_date), updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		to, paymentDate, id, from)
	if isUniqueViolation(err) {
		return apperr.Conflict("payment", id, "order already has a completed payment").WithCause(err)
	}
	return expectOne(res, err,
		apperr.Conflict("payment", id, "payment %d is no longer %s", id, from))
}
