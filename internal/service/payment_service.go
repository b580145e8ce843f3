package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shop-service/internal/apperr"
	"shop-service/internal/models"
	"shop-service/internal/store"
	"shop-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentService settles orders through a PaymentGateway
type PaymentService struct {
	base
	events  EventPublisher
	locker  Locker
	gateway PaymentGateway
}

// NewPaymentService creates a new payment service. events and locker may be
// nil; a nil gateway approves everything.
func NewPaymentService(st store.Store, events EventPublisher, locker Locker, gateway PaymentGateway, settings Settings, opts ...Option) *PaymentService {
	ps := &PaymentService{
		base:    newBase(st, settings, opts),
		events:  orDefaultPublisher(events),
		locker:  locker,
		gateway: gateway,
	}
	if ps.gateway == nil {
		ps.gateway = MockGateway{Now: ps.now}
	}
	return ps
}

// ProcessPaymentRequest represents a request to pay for an order
type ProcessPaymentRequest struct {
	OrderID int64           `json:"order_id" binding:"required"`
	Amount  decimal.Decimal `json:"amount"`
	Method  string          `json:"payment_method" binding:"required"`
	Gateway string          `json:"payment_gateway"`
	Notes   string          `json:"notes"`
}

// PaymentStatusView is the answer to CheckStatus
type PaymentStatusView struct {
	PaymentID   int64                `json:"payment_id"`
	Status      models.PaymentStatus `json:"payment_status"`
	DisplayName string               `json:"display_name"`
}

// ProcessPayment charges the order's final amount. On approval the payment
// becomes COMPLETED and the order CONFIRMED in one transaction; on decline
// the payment is returned as FAILED.
func (ps *PaymentService) ProcessPayment(ctx context.Context, p models.Principal, req ProcessPaymentRequest) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ProcessPayment")
	defer span.End()

	util.PaymentAttemptsTotal.Inc()
	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	fields := []zap.Field{
		zap.Int64("user_id", p.ID),
		zap.Int64("order_id", req.OrderID),
		zap.String("amount", req.Amount.String()),
		zap.String("method", req.Method),
	}

	if err := requirePrincipal(p); err != nil {
		return nil, ps.fail(span, "payment.process", err, fields...)
	}

	release, err := ps.lockOrder(ctx, req.OrderID)
	if err != nil {
		util.PaymentFailedTotal.WithLabelValues("locked").Inc()
		return nil, ps.fail(span, "payment.process", err, fields...)
	}
	defer release()

	payment := &models.Payment{}
	err = ps.store.InTx(ctx, func(q store.Queries) error {
		return ps.openPayment(ctx, q, p, req, payment)
	})
	if err != nil {
		util.PaymentFailedTotal.WithLabelValues(string(apperr.KindOf(err))).Inc()
		return nil, ps.fail(span, "payment.process", err, fields...)
	}

	result, err := ps.gateway.Charge(ctx, ChargeRequest{
		PaymentID:     payment.ID,
		OrderID:       payment.OrderID,
		Amount:        payment.Amount,
		Method:        payment.Method,
		Gateway:       payment.Gateway,
		TransactionID: payment.TransactionID,
	})
	if err != nil {
		ps.markFailed(ctx, payment, "gateway_error")
		return nil, ps.fail(span, "payment.process", fmt.Errorf("payment gateway %s: %w", payment.Gateway, err), fields...)
	}
	if !result.Approved {
		ps.markFailed(ctx, payment, result.Reason)
		ps.logger.Warn("Payment declined", append(fields, zap.String("reason", result.Reason))...)
		return ps.store.GetPayment(ctx, payment.ID)
	}

	if err := ps.settle(ctx, payment, result.ProcessedAt); err != nil {
		return nil, ps.fail(span, "payment.process", err, fields...)
	}

	util.PaymentSuccessTotal.Inc()
	ps.logger.Info("Payment succeeded",
		zap.Int64("order_id", payment.OrderID),
		zap.Int64("payment_id", payment.ID),
		zap.String("tx_id", payment.TransactionID))

	completed := &models.PaymentCompletedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypePaymentCompleted),
		OrderID:   payment.OrderID,
		PaymentID: payment.ID,
		Amount:    payment.Amount,
		TxID:      payment.TransactionID,
	}
	ps.publishLogged(completed.EventType, payment.OrderID, func() error { return ps.events.PublishPaymentCompleted(ctx, completed) })

	confirmed := &models.OrderStatusChangedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderStatusChanged),
		OrderID:   payment.OrderID,
		From:      models.OrderStatusPending,
		To:        models.OrderStatusConfirmed,
	}
	ps.publishLogged(confirmed.EventType, payment.OrderID, func() error { return ps.events.PublishOrderStatusChanged(ctx, confirmed) })

	return payment, nil
}

// lockOrder serialises payment attempts for one order across instances.
// Without a locker, or when Redis is unreachable, the database guards still apply.
func (ps *PaymentService) lockOrder(ctx context.Context, orderID int64) (func(), error) {
	noop := func() {}
	if ps.locker == nil {
		return noop, nil
	}

	key := fmt.Sprintf("payment:order:%d", orderID)
	token, ok, err := ps.locker.AcquireLock(ctx, key, ps.settings.PaymentLockTTL)
	if err != nil {
		ps.logger.Warn("Payment lock unavailable", zap.String("key", key), zap.Error(err))
		return noop, nil
	}
	if !ok {
		return nil, apperr.Conflict("order", orderID, "another payment for order %d is in progress", orderID)
	}
	return func() {
		if err := ps.locker.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
			ps.logger.Warn("Failed to release payment lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// openPayment validates the order and records a PROCESSING attempt
func (ps *PaymentService) openPayment(ctx context.Context, q store.Queries, p models.Principal, req ProcessPaymentRequest, payment *models.Payment) error {
	order, err := q.GetOrderForUpdate(ctx, req.OrderID)
	if err != nil {
		return err
	}
	if !p.CanAccess(order.UserID) {
		return apperr.NotFound("order", req.OrderID)
	}

	method, ok := models.ParsePaymentMethod(req.Method)
	if !ok {
		return apperr.InvalidInput("payment", req.OrderID, "unknown payment method %q", req.Method)
	}
	if !req.Amount.Equal(order.FinalAmount) {
		return apperr.AmountMismatch(order.ID, order.FinalAmount, req.Amount)
	}
	if order.Status != models.OrderStatusPending {
		return apperr.InvalidTransition("order", order.ID, string(order.Status), string(models.OrderStatusConfirmed))
	}

	_, err = q.GetCompletedPayment(ctx, order.ID)
	switch {
	case err == nil:
		return apperr.Conflict("payment", order.ID, "order %d already has a completed payment", order.ID)
	case !errors.Is(err, apperr.ErrNotFound):
		return err
	}

	gateway := req.Gateway
	if gateway == "" {
		gateway = ps.settings.DefaultGateway
	}

	now := ps.now()
	*payment = models.Payment{
		OrderID:       order.ID,
		UserID:        order.UserID,
		Amount:        order.FinalAmount,
		Method:        method,
		Gateway:       gateway,
		TransactionID: fmt.Sprintf("TXN-%d-%s", now.UnixMilli(), uuid.New().String()[:8]),
		Reference:     uuid.New().String(),
		Status:        models.PaymentStatusProcessing,
		Notes:         req.Notes,
	}
	return q.InsertPayment(ctx, payment)
}

// settle completes the payment and confirms the order together. If the order
// moved on while the gateway was working, the payment is failed instead.
func (ps *PaymentService) settle(ctx context.Context, payment *models.Payment, paidAt time.Time) error {
	var orderMoved *apperr.Error
	err := ps.store.InTx(ctx, func(q store.Queries) error {
		order, err := q.GetOrderForUpdate(ctx, payment.OrderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPending {
			orderMoved = apperr.InvalidTransition("order", order.ID, string(order.Status), string(models.OrderStatusConfirmed))
			return nil
		}
		if err := q.UpdatePaymentStatus(ctx, payment.ID, models.PaymentStatusProcessing, models.PaymentStatusCompleted, &paidAt); err != nil {
			return err
		}
		return q.UpdateOrderStatus(ctx, order.ID, models.OrderStatusPending, models.OrderStatusConfirmed, nil)
	})
	if err != nil {
		ps.markFailed(ctx, payment, string(apperr.KindOf(err)))
		return err
	}
	if orderMoved != nil {
		ps.markFailed(ctx, payment, "order_moved")
		return orderMoved
	}

	payment.Status = models.PaymentStatusCompleted
	payment.PaymentDate = &paidAt
	return nil
}

// markFailed moves a PROCESSING payment to FAILED outside any transaction
func (ps *PaymentService) markFailed(ctx context.Context, payment *models.Payment, reason string) {
	util.PaymentFailedTotal.WithLabelValues(reason).Inc()
	err := ps.store.UpdatePaymentStatus(ctx, payment.ID, models.PaymentStatusProcessing, models.PaymentStatusFailed, nil)
	if err != nil {
		ps.logger.Error("Failed to mark payment failed", zap.Int64("payment_id", payment.ID), zap.Error(err))
		return
	}
	payment.Status = models.PaymentStatusFailed

	event := &models.PaymentFailedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypePaymentFailed),
		OrderID:   payment.OrderID,
		PaymentID: payment.ID,
		Reason:    reason,
	}
	ps.publishLogged(event.EventType, payment.OrderID, func() error { return ps.events.PublishPaymentFailed(ctx, event) })
}

// RefundPayment refunds a completed payment. The order status is left alone.
func (ps *PaymentService) RefundPayment(ctx context.Context, p models.Principal, paymentID int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.RefundPayment")
	defer span.End()

	fields := []zap.Field{zap.Int64("user_id", p.ID), zap.Int64("payment_id", paymentID)}

	if err := requirePrincipal(p); err != nil {
		return nil, ps.fail(span, "payment.refund", err, fields...)
	}

	var payment *models.Payment
	err := ps.store.InTx(ctx, func(q store.Queries) error {
		pay, err := q.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if !p.CanAccess(pay.UserID) {
			return apperr.NotFound("payment", paymentID)
		}
		if !pay.Status.CanTransitionTo(models.PaymentStatusRefunded) {
			return apperr.InvalidTransition("payment", paymentID, string(pay.Status), string(models.PaymentStatusRefunded))
		}
		if err := q.UpdatePaymentStatus(ctx, paymentID, pay.Status, models.PaymentStatusRefunded, nil); err != nil {
			return err
		}
		payment, err = q.GetPayment(ctx, paymentID)
		return err
	})
	if err != nil {
		return nil, ps.fail(span, "payment.refund", err, fields...)
	}

	util.PaymentRefundsTotal.Inc()
	ps.logger.Info("Payment refunded", fields...)

	event := &models.PaymentRefundedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypePaymentRefunded),
		OrderID:   payment.OrderID,
		PaymentID: payment.ID,
		Amount:    payment.Amount,
	}
	ps.publishLogged(event.EventType, payment.OrderID, func() error { return ps.events.PublishPaymentRefunded(ctx, event) })
	return payment, nil
}

// GetPaymentReceipt returns the completed payment of one of the caller's orders
func (ps *PaymentService) GetPaymentReceipt(ctx context.Context, p models.Principal, orderID int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.GetPaymentReceipt")
	defer span.End()

	if err := requirePrincipal(p); err != nil {
		return nil, ps.fail(span, "payment.receipt", err)
	}
	order, err := ps.store.GetOrder(ctx, orderID)
	if err == nil && !p.CanAccess(order.UserID) {
		err = apperr.NotFound("order", orderID)
	}
	var payment *models.Payment
	if err == nil {
		payment, err = ps.store.GetCompletedPayment(ctx, orderID)
	}
	if err != nil {
		return nil, ps.fail(span, "payment.receipt", err, zap.Int64("user_id", p.ID), zap.Int64("order_id", orderID))
	}
	return payment, nil
}

// GetByID returns one of the caller's payments
func (ps *PaymentService) GetByID(ctx context.Context, p models.Principal, paymentID int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.GetByID")
	defer span.End()

	if err := requirePrincipal(p); err != nil {
		return nil, ps.fail(span, "payment.get", err)
	}
	payment, err := ps.store.GetPayment(ctx, paymentID)
	if err == nil && !p.CanAccess(payment.UserID) {
		err = apperr.NotFound("payment", paymentID)
	}
	if err != nil {
		return nil, ps.fail(span, "payment.get", err, zap.Int64("user_id", p.ID), zap.Int64("payment_id", paymentID))
	}
	return payment, nil
}

// GetByTransactionID returns one of the caller's payments by gateway transaction id
func (ps *PaymentService) GetByTransactionID(ctx context.Context, p models.Principal, txID string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.GetByTransactionID")
	defer span.End()

	if err := requirePrincipal(p); err != nil {
		return nil, ps.fail(span, "payment.get_by_tx", err)
	}
	payment, err := ps.store.GetPaymentByTransactionID(ctx, txID)
	if err == nil && !p.CanAccess(payment.UserID) {
		err = apperr.NotFound("payment", txID)
	}
	if err != nil {
		return nil, ps.fail(span, "payment.get_by_tx", err, zap.Int64("user_id", p.ID), zap.String("tx_id", txID))
	}
	return payment, nil
}

// CheckStatus reports a payment's status with its display name
func (ps *PaymentService) CheckStatus(ctx context.Context, p models.Principal, paymentID int64) (*PaymentStatusView, error) {
	payment, err := ps.GetByID(ctx, p, paymentID)
	if err != nil {
		return nil, err
	}
	return &PaymentStatusView{
		PaymentID:   payment.ID,
		Status:      payment.Status,
		DisplayName: payment.Status.DisplayName(),
	}, nil
}

// ListByUser returns the caller's payments, newest first
func (ps *PaymentService) ListByUser(ctx context.Context, p models.Principal) ([]models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ListByUser")
	defer span.End()

	if err := requirePrincipal(p); err != nil {
		return nil, ps.fail(span, "payment.list_by_user", err)
	}
	payments, err := ps.store.ListPaymentsByUser(ctx, p.ID)
	if err != nil {
		return nil, ps.fail(span, "payment.list_by_user", err, zap.Int64("user_id", p.ID))
	}
	return payments, nil
}

// ListByStatus returns every payment in a status
func (ps *PaymentService) ListByStatus(ctx context.Context, status string) ([]models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ListByStatus")
	defer span.End()

	st, ok := models.ParsePaymentStatus(status)
	if !ok {
		return nil, ps.fail(span, "payment.list_by_status",
			apperr.InvalidInput("payment", nil, "unknown payment status %q", status))
	}
	payments, err := ps.store.ListPaymentsByStatus(ctx, st)
	if err != nil {
		return nil, ps.fail(span, "payment.list_by_status", err, zap.String("status", status))
	}
	return payments, nil
}
