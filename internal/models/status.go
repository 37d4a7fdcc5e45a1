package models

import "slices"

// Status is order status
type Status string

// order status
const (
	StatusCreated          Status = "CREATED"
	StatusPaymentPending   Status = "PAYMENT_PENDING"
	StatusPaymentConfirmed Status = "PAYMENT_CONFIRMED"
	StatusPaymentFailed    Status = "PAYMENT_FAILED"
	StatusDriverAssigned   Status = "DRIVER_ASSIGNED"
	StatusInTransit        Status = "IN_TRANSIT"
	StatusDelivered        Status = "DELIVERED"
	StatusCancelled        Status = "CANCELLED"
)

// flowTransitions are the edges reachable by customer and system flows
var flowTransitions = map[Status][]Status{
	StatusCreated:          {StatusPaymentPending, StatusPaymentFailed, StatusCancelled},
	StatusPaymentPending:   {StatusPaymentConfirmed, StatusPaymentFailed, StatusCancelled},
	StatusPaymentConfirmed: {StatusDriverAssigned, StatusCancelled},
	StatusDriverAssigned:   {StatusCancelled},
}

// privilegedTransitions are forward-progress edges only administrators may apply
var privilegedTransitions = map[Status][]Status{
	StatusDriverAssigned: {StatusInTransit},
	StatusInTransit:      {StatusDelivered},
}

// cancellable statuses
var cancellable = []Status{
	StatusCreated,
	StatusPaymentPending,
	StatusPaymentConfirmed,
	StatusDriverAssigned,
}

// ParseStatus returns the status named by s
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	switch st {
	case StatusCreated, StatusPaymentPending, StatusPaymentConfirmed, StatusPaymentFailed,
		StatusDriverAssigned, StatusInTransit, StatusDelivered, StatusCancelled:
		return st, true
	}
	return "", false
}

// IsTerminal reports whether no transition leaves the status
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusPaymentFailed
}

// IsCancellable reports whether an order in the status may be cancelled
func (s Status) IsCancellable() bool {
	return slices.Contains(cancellable, s)
}

// CanTransition reports whether to is reachable from from in one step.
// privileged adds the administrative forward-progress edges.
func CanTransition(from, to Status, privileged bool) bool {
	if from.IsTerminal() {
		return false
	}
	if slices.Contains(flowTransitions[from], to) {
		return true
	}
	return privileged && slices.Contains(privilegedTransitions[from], to)
}
