package service

import (
	"context"
	"time"

	"shop-service/internal/models"

	"github.com/shopspring/decimal"
)

// ChargeRequest is what the engine asks a gateway to settle
type ChargeRequest struct {
	PaymentID     int64
	OrderID       int64
	Amount        decimal.Decimal
	Method        models.PaymentMethod
	Gateway       string
	TransactionID string
}

// ChargeResult is the gateway's verdict
type ChargeResult struct {
	Approved    bool
	Reason      string
	ProcessedAt time.Time
}

// PaymentGateway settles a charge synchronously
type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// MockGateway approves every charge
type MockGateway struct {
	Now func() time.Time
}

func (g MockGateway) Charge(ctx context.Context, _ ChargeRequest) (ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return ChargeResult{}, err
	}
	now := time.Now().UTC()
	if g.Now != nil {
		now = g.Now()
	}
	return ChargeResult{Approved: true, ProcessedAt: now}, nil
}
