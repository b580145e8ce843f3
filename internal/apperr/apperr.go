// Package apperr classifies failures of the cart, order and payment engines.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound          Kind = "NOT_FOUND"
	KindInvalidInput      Kind = "INVALID_INPUT"
	KindInsufficientStock Kind = "INSUFFICIENT_STOCK"
	KindEmptyCart         Kind = "EMPTY_CART"
	KindAmountMismatch    Kind = "AMOUNT_MISMATCH"
	KindInvalidTransition Kind = "INVALID_TRANSITION"
	KindConflict          Kind = "CONFLICT"
	KindUnauthenticated   Kind = "UNAUTHENTICATED"
	KindInternal          Kind = "INTERNAL"
)

// Sentinels for errors.Is; only the kind is compared.
var (
	ErrNotFound          = &Error{kind: KindNotFound}
	ErrInvalidInput      = &Error{kind: KindInvalidInput}
	ErrInsufficientStock = &Error{kind: KindInsufficientStock}
	ErrEmptyCart         = &Error{kind: KindEmptyCart}
	ErrAmountMismatch    = &Error{kind: KindAmountMismatch}
	ErrInvalidTransition = &Error{kind: KindInvalidTransition}
	ErrConflict          = &Error{kind: KindConflict}
	ErrUnauthenticated   = &Error{kind: KindUnauthenticated}
)

// Error is a classified failure carrying the offending entity and id.
type Error struct {
	kind    Kind
	message string
	entity  string
	id      any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.kind == e.kind
}

func (e *Error) Kind() Kind      { return e.kind }
func (e *Error) Message() string { return e.message }
func (e *Error) Entity() string  { return e.entity }
func (e *Error) ID() any         { return e.id }
func (e *Error) WithCause(err error) *Error {
	cp := *e
	cp.cause = err
	return &cp
}

func New(kind Kind, entity string, id any, format string, args ...any) *Error {
	return &Error{kind: kind, entity: entity, id: id, message: fmt.Sprintf(format, args...)}
}

func NotFound(entity string, id any) *Error {
	return New(KindNotFound, entity, id, "%s not found: %v", entity, id)
}

func InvalidInput(entity string, id any, format string, args ...any) *Error {
	return New(KindInvalidInput, entity, id, format, args...)
}

func InsufficientStock(productID int64, available, requested int) *Error {
	return New(KindInsufficientStock, "product", productID,
		"insufficient stock for product %d: available=%d, requested=%d", productID, available, requested)
}

func EmptyCart(userID int64) *Error {
	return New(KindEmptyCart, "cart", userID, "cart is empty for user %d", userID)
}

func AmountMismatch(orderID int64, expected, got fmt.Stringer) *Error {
	return New(KindAmountMismatch, "order", orderID,
		"payment amount %s does not match order %d final amount %s", got, orderID, expected)
}

func InvalidTransition(entity string, id any, from, to string) *Error {
	return New(KindInvalidTransition, entity, id, "%s %v cannot move from %s to %s", entity, id, from, to)
}

func Conflict(entity string, id any, format string, args ...any) *Error {
	return New(KindConflict, entity, id, format, args...)
}

func Unauthenticated(message string) *Error {
	return New(KindUnauthenticated, "principal", nil, "%s", message)
}

// As returns the classified error in err's chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// KindOf classifies err; unclassified errors are internal.
func KindOf(err error) Kind {
	if e := As(err); e != nil {
		return e.kind
	}
	return KindInternal
}
