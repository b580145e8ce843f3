package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product represents a product in the catalog
type Product struct {
	ID          int64           `db:"id" json:"product_id"`
	Name        string          `db:"name" json:"product_name"`
	Description string          `db:"description" json:"description"`
	Image       string          `db:"image" json:"image"`
	Quantity    int             `db:"quantity" json:"quantity"`
	Price       decimal.Decimal `db:"price" json:"price"`
	Discount    decimal.Decimal `db:"discount" json:"discount"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`

	// SpecialPrice is derived from Price and Discount when the product is loaded.
	SpecialPrice decimal.Decimal `db:"-" json:"special_price"`
}

// User is the read-only view of an account owned by the identity provider
type User struct {
	ID        int64     `db:"id" json:"user_id"`
	Username  string    `db:"username" json:"username"`
	Email     string    `db:"email" json:"email"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Address is a shipping address owned by a user
type Address struct {
	ID        int64     `db:"id" json:"address_id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	Street    string    `db:"street" json:"street"`
	City      string    `db:"city" json:"city"`
	State     string    `db:"state" json:"state"`
	Country   string    `db:"country" json:"country"`
	Pincode   string    `db:"pincode" json:"pincode"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Cart is the single active cart of a user
type Cart struct {
	ID         int64           `db:"id" json:"cart_id"`
	UserID     int64           `db:"user_id" json:"user_id"`
	TotalPrice decimal.Decimal `db:"total_price" json:"total_price"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`

	Items []CartItem `db:"-" json:"items"`
}

// CartItem is one product line in a cart
type CartItem struct {
	ID        int64           `db:"id" json:"cart_item_id"`
	CartID    int64           `db:"cart_id" json:"cart_id"`
	ProductID int64           `db:"product_id" json:"product_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	Subtotal  decimal.Decimal `db:"subtotal" json:"subtotal"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`

	// Product carries live catalog data in read views.
	Product *Product `db:"-" json:"product,omitempty"`
}

// Order represents a customer order
type Order struct {
	ID                    int64           `db:"id" json:"order_id"`
	UserID                int64           `db:"user_id" json:"user_id"`
	AddressID             int64           `db:"address_id" json:"address_id"`
	Status                OrderStatus     `db:"status" json:"order_status"`
	TotalAmount           decimal.Decimal `db:"total_amount" json:"total_amount"`
	DiscountAmount        decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	FinalAmount           decimal.Decimal `db:"final_amount" json:"final_amount"`
	OrderDate             time.Time       `db:"order_date" json:"order_date"`
	EstimatedDeliveryDate time.Time       `db:"estimated_delivery_date" json:"estimated_delivery_date"`
	DeliveryDate          *time.Time      `db:"delivery_date" json:"delivery_date,omitempty"`
	Notes                 string          `db:"notes" json:"order_notes"`
	IdempotencyKey        *string         `db:"idempotency_key" json:"-"`
	CreatedAt             time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updated_at"`

	Items []OrderItem `db:"-" json:"order_items"`
}

// OrderItem is a line item frozen at checkout time
type OrderItem struct {
	ID           int64           `db:"id" json:"order_item_id"`
	OrderID      int64           `db:"order_id" json:"order_id"`
	ProductID    int64           `db:"product_id" json:"product_id"`
	ProductName  string          `db:"product_name" json:"product_name"`
	Quantity     int             `db:"quantity" json:"quantity"`
	UnitPrice    decimal.Decimal `db:"unit_price" json:"price_per_unit"`
	Discount     decimal.Decimal `db:"discount" json:"discount"`
	SpecialPrice decimal.Decimal `db:"special_price" json:"special_price"`
	ItemTotal    decimal.Decimal `db:"item_total" json:"item_total"`
}

// Payment represents one attempt to settle an order
type Payment struct {
	ID            int64           `db:"id" json:"payment_id"`
	OrderID       int64           `db:"order_id" json:"order_id"`
	UserID        int64           `db:"user_id" json:"user_id"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Method        PaymentMethod   `db:"method" json:"payment_method"`
	Gateway       string          `db:"gateway" json:"payment_gateway"`
	TransactionID string          `db:"transaction_id" json:"transaction_id"`
	Reference     string          `db:"reference" json:"payment_reference"`
	Status        PaymentStatus   `db:"status" json:"payment_status"`
	PaymentDate   *time.Time      `db:"payment_date" json:"payment_date,omitempty"`
	Notes         string          `db:"notes" json:"notes"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Principal is the already-authenticated caller
type Principal struct {
	ID    int64
	Email string
	Role  string
}

// RoleAdmin grants operator access to every order and payment
const RoleAdmin = "admin"

// IsAdmin reports whether the principal carries the operator role
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// CanAccess reports whether the principal may see a resource owned by ownerID
func (p Principal) CanAccess(ownerID int64) bool {
	return p.ID == ownerID || p.IsAdmin()
}
