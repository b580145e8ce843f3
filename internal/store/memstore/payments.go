package memstore

import (
	"context"
	"time"

	"shop-service/internal/apperr"
	"shop-service/internal/models"
)

func newestPaymentFirst(a, b models.Payment) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func hasCompleted(d *dataset, orderID, exceptID int64) bool {
	for _, p := range d.payments {
		if p.OrderID == orderID && p.ID != exceptID && p.Status == models.PaymentStatusCompleted {
			return true
		}
	}
	return false
}

func (v *view) InsertPayment(ctx context.Context, payment *models.Payment) error {
	return v.do(ctx, func(d *dataset) error {
		if _, ok := d.orders[payment.OrderID]; !ok {
			return apperr.NotFound("order", payment.OrderID)
		}
		if payment.Status == models.PaymentStatusCompleted && hasCompleted(d, payment.OrderID, 0) {
			return apperr.Conflict("payment", payment.OrderID, "order %d already has a completed payment", payment.OrderID)
		}
		for _, p := range d.payments {
			if p.TransactionID == payment.TransactionID {
				return apperr.Conflict("payment", payment.TransactionID, "duplicate transaction id %s", payment.TransactionID)
			}
		}
		now := v.s.now()
		payment.ID = d.nextID()
		payment.CreatedAt, payment.UpdatedAt = now, now
		d.payments[payment.ID] = *payment
		return nil
	})
}

func (v *view) findPayment(ctx context.Context, entityID any, match func(models.Payment) bool) (*models.Payment, error) {
	var out models.Payment
	err := v.do(ctx, func(d *dataset) error {
		for _, p := range d.payments {
			if match(p) {
				out = p
				return nil
			}
		}
		return apperr.NotFound("payment", entityID)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (v *view) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	return v.findPayment(ctx, id, func(p models.Payment) bool { return p.ID == id })
}

func (v *view) GetPaymentByTransactionID(ctx context.Context, txID string) (*models.Payment, error) {
	return v.findPayment(ctx, txID, func(p models.Payment) bool { return p.TransactionID == txID })
}

func (v *view) GetCompletedPayment(ctx context.Context, orderID int64) (*models.Payment, error) {
	return v.findPayment(ctx, orderID, func(p models.Payment) bool {
		return p.OrderID == orderID && p.Status == models.PaymentStatusCompleted
	})
}

func (v *view) ListPaymentsByUser(ctx context.Context, userID int64) ([]models.Payment, error) {
	var out []models.Payment
	err := v.do(ctx, func(d *dataset) error {
		out = sortedValues(d.payments,
			func(p models.Payment) bool { return p.UserID == userID }, newestPaymentFirst)
		return nil
	})
	return out, err
}

func (v *view) ListPaymentsByStatus(ctx context.Context, status models.PaymentStatus) ([]models.Payment, error) {
	var out []models.Payment
	err := v.do(ctx, func(d *dataset) error {
		out = sortedValues(d.payments,
			func(p models.Payment) bool { return p.Status == status }, newestPaymentFirst)
		return nil
	})
	return out, err
}

func (v *view) UpdatePaymentStatus(ctx context.Context, id int64, from, to models.PaymentStatus, paymentDate *time.Time) error {
	return v.do(ctx, func(d *dataset) error {
		p, ok := d.payments[id]
		if !ok || p.Status != from {
			return apperr.Conflict("payment", id, "payment %d is no longer %s", id, from)
		}
		if to == models.PaymentStatusCompleted && hasCompleted(d, p.OrderID, id) {
			return apperr.Conflict("payment", id, "order already has a completed payment")
		}
		p.Status = to
		if paymentDate != nil {
			p.PaymentDate = paymentDate
		}
		p.UpdatedAt = v.s.now()
		d.payments[id] = p
		return nil
	})
}
