package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CartItem is an item in the customer cart
type CartItem struct {
	ItemID       string          `json:"itemId"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Quantity     int             `json:"quantity"`
	RestaurantID string          `json:"restaurantId"`
}

// Cart is the cart service representation of a customer cart
type Cart struct {
	UserID string          `json:"userId"`
	Items  []CartItem      `json:"items"`
	Total  decimal.Decimal `json:"total"`
}

// Restaurant is the restaurant service representation
type Restaurant struct {
	ID       string `json:"_id"`
	Name     string `json:"name"`
	IsActive bool   `json:"isActive"`
}

// MenuItem is a menu snapshot entry
type MenuItem struct {
	ID          string          `json:"_id"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	IsAvailable bool            `json:"isAvailable"`
}

// payment methods
const (
	PaymentMethodCard   = "CARD"
	PaymentMethodCOD    = "COD"
	PaymentMethodPayPal = "PAYPAL"
)

// payment status
const (
	PaymentStatusPending    = "PENDING"
	PaymentStatusProcessing = "PROCESSING"
	PaymentStatusCompleted  = "COMPLETED"
	PaymentStatusFailed     = "FAILED"
	PaymentStatusRefunded   = "REFUNDED"
)

// PaymentRequest initiates a payment for an order
type PaymentRequest struct {
	OrderID       string          `json:"orderId"`
	UserID        string          `json:"userId"`
	Email         string          `json:"email,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod"`
}

// PaymentIntent is the accepted payment initiation
type PaymentIntent struct {
	ID            string `json:"paymentId"`
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
}

// Payment is live payment status
type Payment struct {
	ID      string          `json:"id"`
	OrderID string          `json:"orderId"`
	Status  string          `json:"status"`
	Amount  decimal.Decimal `json:"amount"`
	Method  string          `json:"method"`
}

// User roles
const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

// User is the user service representation
type User struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// CallResult is the outcome of one downstream call
type CallResult string

const (
	CallSuccess CallResult = "success"
	CallFailure CallResult = "failure"
	CallTimeout CallResult = "timeout"
)

// CallOutcome records one downstream invocation inside an orchestration run
type CallOutcome struct {
	Service  string
	Result   CallResult
	Err      error
	Duration time.Duration
}
