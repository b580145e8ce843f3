package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"shop-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishPaymentCompleted(t *testing.T) {
	w := &fakeWriter{}
	ep := NewEventPublisher(newProducer(w))

	event := &models.PaymentCompletedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypePaymentCompleted),
		OrderID:   12,
		PaymentID: 3,
		Amount:    decimal.RequireFromString("175.50"),
		TxID:      "TXN-1-abcdef12",
	}
	require.NoError(t, ep.PublishPaymentCompleted(context.Background(), event))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "order-12", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, models.EventTypePaymentCompleted, string(msg.Headers[0].Value))

	var decoded models.PaymentCompletedEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, event.EventID, decoded.EventID)
	assert.True(t, decoded.Amount.Equal(event.Amount))
}

func TestPublishWrapsWriterError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	ep := NewEventPublisher(newProducer(w))

	err := ep.PublishOrderCancelled(context.Background(), &models.OrderCancelledEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderCancelled),
		OrderID:   1,
	})
	assert.ErrorContains(t, err, "broker down")
}

func TestProducerClose(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, newProducer(w).Close())
	assert.True(t, w.closed)
}
