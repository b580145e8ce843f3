package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"shop-service/internal/apperr"
	"shop-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payFull(t *testing.T, f *fixture, order *models.Order) *models.Payment {
	t.Helper()
	payment, err := f.payments.ProcessPayment(context.Background(), f.user, ProcessPaymentRequest{
		OrderID: order.ID,
		Amount:  order.FinalAmount,
		Method:  "UPI",
	})
	require.NoError(t, err)
	return payment
}

func TestProcessPaymentConfirmsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := placeOrder(t, f)

	payment, err := f.payments.ProcessPayment(ctx, f.user, ProcessPaymentRequest{
		OrderID: order.ID,
		Amount:  dec("330.00"),
		Method:  "credit_card",
		Notes:   "first try",
	})
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
	assert.Equal(t, models.PaymentMethodCreditCard, payment.Method)
	assert.Equal(t, "MOCK", payment.Gateway)
	assert.Regexp(t, `^TXN-\d+-[0-9a-f]{8}$`, payment.TransactionID)
	assert.NotEmpty(t, payment.Reference)
	require.NotNil(t, payment.PaymentDate)

	got, err := f.orders.GetOrder(ctx, f.user, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, got.Status)

	receipt, err := f.payments.GetPaymentReceipt(ctx, f.user, order.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.ID, receipt.ID)

	byTx, err := f.payments.GetByTransactionID(ctx, f.user, payment.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, payment.ID, byTx.ID)

	status, err := f.payments.CheckStatus(ctx, f.user, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, "Completed", status.DisplayName)

	assert.Subset(t, f.events.types(), []string{models.EventTypePaymentCompleted, models.EventTypeOrderStatusChanged})
}

func TestProcessPaymentAmountMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := placeOrder(t, f)

	_, err := f.payments.ProcessPayment(ctx, f.user, ProcessPaymentRequest{
		OrderID: order.ID,
		Amount:  dec("300"),
		Method:  "UPI",
	})
	assert.ErrorIs(t, err, apperr.ErrAmountMismatch)

	got, err := f.orders.GetOrder(ctx, f.user, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)

	payments, err := f.payments.ListByUser(ctx, f.user)
	require.NoError(t, err)
	assert.Empty(t, payments)

	_, err = f.payments.GetPaymentReceipt(ctx, f.user, order.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestProcessPaymentValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := placeOrder(t, f)
	other, _ := f.otherUser()

	tests := []struct {
		name      string
		principal models.Principal
		req       ProcessPaymentRequest
		want      error
	}{
		{"missing order", f.user, ProcessPaymentRequest{OrderID: 9999, Amount: order.FinalAmount, Method: "UPI"}, apperr.ErrNotFound},
		{"someone else's order", other, ProcessPaymentRequest{OrderID: order.ID, Amount: order.FinalAmount, Method: "UPI"}, apperr.ErrNotFound},
		{"unknown method", f.user, ProcessPaymentRequest{OrderID: order.ID, Amount: order.FinalAmount, Method: "BITCOIN"}, apperr.ErrInvalidInput},
		{"anonymous", models.Principal{}, ProcessPaymentRequest{OrderID: order.ID, Amount: order.FinalAmount, Method: "UPI"}, apperr.ErrUnauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.payments.ProcessPayment(ctx, tt.principal, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestProcessPaymentTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := placeOrder(t, f)
	payFull(t, f, order)

	// the order is CONFIRMED now, so a second attempt is a bad transition
	_, err := f.payments.ProcessPayment(ctx, f.user, ProcessPaymentRequest{
		OrderID: order.ID,
		Amount:  order.FinalAmount,
		Method:  "UPI",
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestProcessPaymentConflictsWithCompletedPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := placeOrder(t, f)

	settled := &models.Payment{OrderID: order.ID, UserID: f.user.ID, Amount: order.FinalAmount, Method: models.PaymentMethodUPI,
		Gateway: "MOCK", TransactionID: "TXN-1-dddddddd", Status: models.PaymentStatusCompleted}
	require.NoError(t, f.store.InsertPayment(ctx, settled))

	_, err := f.payments.ProcessPayment(ctx, f.user, ProcessPaymentRequest{OrderID: order.ID, Amount: order.FinalAmount, Method: "UPI"})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestSettleAfterOrderConfirmedFailsPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := placeOrder(t, f)

	// two attempts opened before either settles
	first := &models.Payment{OrderID: order.ID, UserID: f.user.ID, Amount: order.FinalAmount, Method: models.PaymentMethodUPI,
		Gateway: "MOCK", TransactionID: "TXN-1-aaaaaaaa", Status: models.PaymentStatusProcessing}
	second := &models.Payment{OrderID: order.ID, UserID: f.user.ID, Amount: order.FinalAmount, Method: models.PaymentMethodUPI,
		Gateway: "MOCK", TransactionID: "TXN-2-bbbbbbbb", Status: models.PaymentStatusProcessing}
	require.NoError(t, f.store.InsertPayment(ctx, first))
	require.NoError(t, f.store.InsertPayment(ctx, second))

	require.NoError(t, f.payments.settle(ctx, first, f.payments.now()))

	err := f.payments.settle(ctx, second, f.payments.now())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	got, err := f.payments.GetByID(ctx, f.user, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, got.Status)
}

func TestProcessPaymentWhileLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := placeOrder(t, f)

	locker := &memLocker{}
	_, ok, err := locker.AcquireLock(ctx, fmt.Sprintf("payment:order:%d", order.ID), 0)
	require.NoError(t, err)
	require.True(t, ok)

	payments := NewPaymentService(f.store, nil, locker, nil, DefaultSettings())
	_, err = payments.ProcessPayment(ctx, f.user, ProcessPaymentRequest{OrderID: order.ID, Amount: order.FinalAmount, Method: "UPI"})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestDeclinedPaymentIsFailed(t *testing.T) {
	f := newFixture(t, withGateway(decliningGateway{}))
	ctx := context.Background()
	order := placeOrder(t, f)

	payment, err := f.payments.ProcessPayment(ctx, f.user, ProcessPaymentRequest{OrderID: order.ID, Amount: order.FinalAmount, Method: "WALLET"})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, payment.Status)

	got, err := f.orders.GetOrder(ctx, f.user, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)

	failed, err := f.payments.ListByStatus(ctx, "FAILED")
	require.NoError(t, err)
	assert.Len(t, failed, 1)
	assert.Contains(t, f.events.types(), models.EventTypePaymentFailed)
}

type brokenGateway struct{}

func (brokenGateway) Charge(context.Context, ChargeRequest) (ChargeResult, error) {
	return ChargeResult{}, errors.New("connection reset")
}

func TestGatewayErrorFailsPayment(t *testing.T) {
	f := newFixture(t, withGateway(brokenGateway{}))
	ctx := context.Background()
	order := placeOrder(t, f)

	_, err := f.payments.ProcessPayment(ctx, f.user, ProcessPaymentRequest{OrderID: order.ID, Amount: order.FinalAmount, Method: "UPI"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))

	payments, err := f.payments.ListByUser(ctx, f.user)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusFailed, payments[0].Status)
}

func TestRefundPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := placeOrder(t, f)
	payment := payFull(t, f, order)

	refunded, err := f.payments.RefundPayment(ctx, f.user, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, refunded.Status)

	// refund leaves the order alone
	got, err := f.orders.GetOrder(ctx, f.user, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, got.Status)

	_, err = f.payments.RefundPayment(ctx, f.user, payment.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	other, _ := f.otherUser()
	_, err = f.payments.RefundPayment(ctx, other, payment.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRefundProcessingPaymentFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := placeOrder(t, f)

	pending := &models.Payment{OrderID: order.ID, UserID: f.user.ID, Amount: order.FinalAmount, Method: models.PaymentMethodUPI,
		Gateway: "MOCK", TransactionID: "TXN-1-cccccccc", Status: models.PaymentStatusProcessing}
	require.NoError(t, f.store.InsertPayment(ctx, pending))

	_, err := f.payments.RefundPayment(ctx, f.user, pending.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	status, err := f.payments.CheckStatus(ctx, f.user, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusProcessing, status.Status)
	assert.Equal(t, "Processing", status.DisplayName)
}

func TestListPaymentsByStatusRejectsUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.payments.ListByStatus(context.Background(), "SETTLED")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestCancelAfterPaymentRestoresStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := placeOrder(t, f)
	payFull(t, f, order)

	cancelled, err := f.orders.CancelOrder(ctx, f.user, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 5, f.stock(t, f.product.ID))
}
