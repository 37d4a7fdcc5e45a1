// Package memory provides an in-process order repository. Each order is
// guarded by its own mutex, so transitions of one order are serialized while
// different orders never wait on each other.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rookgm/orderflow/internal/models"
)

type record struct {
	mu      sync.Mutex
	seq     uint64
	deleted bool
	order   models.Order
}

// OrderRepository implements OrderRepository interface in memory
type OrderRepository struct {
	mu     sync.RWMutex
	seq    uint64
	orders map[string]*record
	keys   map[string]string
	now    func() time.Time
}

// NewOrderRepository creates new OrderRepository instance
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders: make(map[string]*record),
		keys:   make(map[string]string),
		now:    time.Now,
	}
}

func idempotencyIndex(customerID, key string) string {
	return customerID + "\x00" + key
}

// Create stores new order with status CREATED
func (r *OrderRepository) Create(ctx context.Context, order *models.Order) (*models.Order, error) {
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[order.ID]; ok {
		return nil, models.ErrConflict
	}
	var keyIndex string
	if order.IdempotencyKey != nil {
		keyIndex = idempotencyIndex(order.CustomerID, *order.IdempotencyKey)
		if _, ok := r.keys[keyIndex]; ok {
			return nil, models.ErrConflict
		}
	}

	order.Status = models.StatusCreated
	order.CreatedAt = now
	order.UpdatedAt = now
	order.History = []models.StatusChange{{
		Status: models.StatusCreated,
		Actor:  order.CustomerID,
		At:     now,
	}}

	r.seq++
	r.orders[order.ID] = &record{seq: r.seq, order: clone(*order)}
	if keyIndex != "" {
		r.keys[keyIndex] = order.ID
	}

	created := clone(*order)
	return &created, nil
}

// AppendStatus transitions order status and appends a history entry
func (r *OrderRepository) AppendStatus(ctx context.Context, id string, tr models.Transition) (*models.Order, error) {
	rec, ok := r.lookup(id)
	if !ok {
		return nil, models.ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.deleted {
		return nil, models.ErrNotFound
	}

	current := rec.order.Status
	if tr.Expect != "" && tr.Expect != current {
		return nil, fmt.Errorf("%w: order status changed from %s to %s", models.ErrConflict, tr.Expect, current)
	}
	if !models.CanTransition(current, tr.To, tr.Privileged) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, current, tr.To)
	}

	now := r.now().UTC()
	o := &rec.order
	o.Status = tr.To
	o.UpdatedAt = now
	if tr.DriverID != nil {
		o.DriverID = ptr(*tr.DriverID)
	}
	if tr.PaymentRef != nil {
		o.PaymentRef = ptr(*tr.PaymentRef)
	}
	if tr.To == models.StatusCancelled {
		o.CancellationReason = ptr(tr.Reason)
	}
	o.History = append(o.History, models.StatusChange{
		Status: tr.To,
		Actor:  tr.Actor,
		Reason: tr.Reason,
		At:     now,
	})

	updated := clone(*o)
	return &updated, nil
}

// Get returns order by id
func (r *OrderRepository) Get(ctx context.Context, id string) (*models.Order, error) {
	rec, ok := r.lookup(id)
	if !ok {
		return nil, models.ErrNotFound
	}
	order, ok := rec.snapshot()
	if !ok {
		return nil, models.ErrNotFound
	}
	return &order, nil
}

// GetByIdempotencyKey returns order created by customer with idempotency key
func (r *OrderRepository) GetByIdempotencyKey(ctx context.Context, customerID, key string) (*models.Order, error) {
	r.mu.RLock()
	id, ok := r.keys[idempotencyIndex(customerID, key)]
	r.mu.RUnlock()
	if !ok {
		return nil, models.ErrNotFound
	}
	return r.Get(ctx, id)
}

// ListByUser returns user orders, newest first
func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]models.Order, error) {
	return r.list(func(o *models.Order) bool { return o.CustomerID == userID }, true), nil
}

// ListByRestaurant returns restaurant orders, newest first
func (r *OrderRepository) ListByRestaurant(ctx context.Context, restaurantID string) ([]models.Order, error) {
	return r.list(func(o *models.Order) bool { return o.RestaurantID == restaurantID }, true), nil
}

// ListByDriver returns orders assigned to driver, newest first
func (r *OrderRepository) ListByDriver(ctx context.Context, driverID string) ([]models.Order, error) {
	return r.list(func(o *models.Order) bool { return o.DriverID != nil && *o.DriverID == driverID }, true), nil
}

// ListByStatus returns orders in status, oldest first
func (r *OrderRepository) ListByStatus(ctx context.Context, status models.Status) ([]models.Order, error) {
	return r.list(func(o *models.Order) bool { return o.Status == status }, false), nil
}

// Delete removes order
func (r *OrderRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	rec, ok := r.orders[id]
	if ok {
		delete(r.orders, id)
		// idempotency key never changes after create
		if key := rec.order.IdempotencyKey; key != nil {
			delete(r.keys, idempotencyIndex(rec.order.CustomerID, *key))
		}
	}
	r.mu.Unlock()
	if !ok {
		return models.ErrNotFound
	}

	rec.mu.Lock()
	rec.deleted = true
	rec.mu.Unlock()

	return nil
}

func (r *OrderRepository) lookup(id string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.orders[id]
	return rec, ok
}

func (r *OrderRepository) list(match func(*models.Order) bool, newestFirst bool) []models.Order {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.orders))
	for _, rec := range r.orders {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	slices.SortFunc(recs, func(a, b *record) int {
		if newestFirst {
			return int(b.seq) - int(a.seq)
		}
		return int(a.seq) - int(b.seq)
	})

	orders := []models.Order{}
	for _, rec := range recs {
		order, ok := rec.snapshot()
		if ok && match(&order) {
			orders = append(orders, order)
		}
	}
	return orders
}

func (rec *record) snapshot() (models.Order, bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return models.Order{}, false
	}
	return clone(rec.order), true
}

func clone(o models.Order) models.Order {
	o.Items = slices.Clone(o.Items)
	o.History = slices.Clone(o.History)
	if o.DriverID != nil {
		o.DriverID = ptr(*o.DriverID)
	}
	if o.CancellationReason != nil {
		o.CancellationReason = ptr(*o.CancellationReason)
	}
	if o.PaymentRef != nil {
		o.PaymentRef = ptr(*o.PaymentRef)
	}
	if o.IdempotencyKey != nil {
		o.IdempotencyKey = ptr(*o.IdempotencyKey)
	}
	return o
}

func ptr[T any](v T) *T {
	return &v
}
