package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Address is a delivery address
type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zipCode"`
}

// LineItem is an ordered menu item with the price frozen at checkout
type LineItem struct {
	MenuItemID string          `json:"itemId"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"price"`
}

// Subtotal returns unit price multiplied by quantity
func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// StatusChange is a single entry of the order status history
type StatusChange struct {
	Status Status    `json:"status"`
	Actor  string    `json:"updatedBy"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"timestamp"`
}

// Order is order entity
type Order struct {
	ID                  string
	CustomerID          string
	RestaurantID        string
	Items               []LineItem
	Total               decimal.Decimal
	DeliveryAddress     Address
	SpecialInstructions string
	DriverID            *string
	Status              Status
	CancellationReason  *string
	// PaymentRef is the payment intent correlation key; live payment status is never cached here.
	PaymentRef     *string
	IdempotencyKey *string
	History        []StatusChange
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Transition describes a requested status change
type Transition struct {
	To         Status
	Actor      string
	Reason     string
	DriverID   *string
	PaymentRef *string
	// Privileged enables administrative forward-progress edges
	Privileged bool
	// Expect, when set, is the status the caller observed. If the order has
	// moved on since, the transition fails with ErrConflict.
	Expect Status
}

// ComputeTotal sums line item subtotals
func ComputeTotal(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// StatusEvent is published after every applied transition
type StatusEvent struct {
	OrderID    string    `json:"orderId"`
	CustomerID string    `json:"userId"`
	From       Status    `json:"from"`
	To         Status    `json:"status"`
	Actor      string    `json:"updatedBy"`
	At         time.Time `json:"timestamp"`
}
