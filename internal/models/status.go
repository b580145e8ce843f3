package models

import "strings"

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	OrderStatusShipped   OrderStatus = "SHIPPED"
	OrderStatusDelivered OrderStatus = "DELIVERED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:   {OrderStatusDelivered},
	OrderStatusDelivered: nil,
	OrderStatusCancelled: nil,
}

// ParseOrderStatus parses a case-insensitive status name
func ParseOrderStatus(s string) (OrderStatus, bool) {
	status := OrderStatus(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := orderTransitions[status]
	return status, ok
}

// CanTransitionTo reports whether the order state machine allows s -> next
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s
func (s OrderStatus) IsTerminal() bool {
	return len(orderTransitions[s]) == 0
}

// PaymentStatus is the lifecycle state of a payment attempt
type PaymentStatus string

const (
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusCompleted  PaymentStatus = "COMPLETED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusRefunded   PaymentStatus = "REFUNDED"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusProcessing: {PaymentStatusCompleted, PaymentStatusFailed},
	PaymentStatusCompleted:  {PaymentStatusRefunded},
	PaymentStatusFailed:     nil,
	PaymentStatusRefunded:   nil,
}

var paymentStatusNames = map[PaymentStatus]string{
	PaymentStatusProcessing: "Processing",
	PaymentStatusCompleted:  "Completed",
	PaymentStatusFailed:     "Failed",
	PaymentStatusRefunded:   "Refunded",
}

// ParsePaymentStatus parses a case-insensitive status name
func ParsePaymentStatus(s string) (PaymentStatus, bool) {
	status := PaymentStatus(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := paymentTransitions[status]
	return status, ok
}

// CanTransitionTo reports whether the payment state machine allows s -> next
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DisplayName returns the human readable status
func (s PaymentStatus) DisplayName() string {
	return paymentStatusNames[s]
}

// PaymentMethod is how the customer pays
type PaymentMethod string

const (
	PaymentMethodCreditCard     PaymentMethod = "CREDIT_CARD"
	PaymentMethodDebitCard      PaymentMethod = "DEBIT_CARD"
	PaymentMethodNetBanking     PaymentMethod = "NET_BANKING"
	PaymentMethodUPI            PaymentMethod = "UPI"
	PaymentMethodWallet         PaymentMethod = "WALLET"
	PaymentMethodCashOnDelivery PaymentMethod = "CASH_ON_DELIVERY"
)

var paymentMethodNames = map[PaymentMethod]string{
	PaymentMethodCreditCard:     "Credit Card",
	PaymentMethodDebitCard:      "Debit Card",
	PaymentMethodNetBanking:     "Net Banking",
	PaymentMethodUPI:            "UPI",
	PaymentMethodWallet:         "Wallet",
	PaymentMethodCashOnDelivery: "Cash on Delivery",
}

// ParsePaymentMethod parses a case-insensitive method name
func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	method := PaymentMethod(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := paymentMethodNames[method]
	return method, ok
}

// DisplayName returns the human readable method
func (m PaymentMethod) DisplayName() string {
	return paymentMethodNames[m]
}
