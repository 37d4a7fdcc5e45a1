// Package service implements the order orchestrator and the tracking facade.
package service

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rookgm/orderflow/internal/logger"
	"github.com/rookgm/orderflow/internal/models"
	"go.uber.org/zap"
)

// actors recorded in status history for transitions no user asked for
const (
	ActorSystem     = "system"
	ActorReconciler = "reconciler"
)

// OrderRepository is interface for interacting with order-related data
type OrderRepository interface {
	// Create inserts new order with status CREATED
	Create(ctx context.Context, order *models.Order) (*models.Order, error)
	// AppendStatus transitions order status and appends a history entry atomically
	AppendStatus(ctx context.Context, id string, tr models.Transition) (*models.Order, error)
	// Get returns order by id
	Get(ctx context.Context, id string) (*models.Order, error)
	// GetByIdempotencyKey returns order created by customer with idempotency key
	GetByIdempotencyKey(ctx context.Context, customerID, key string) (*models.Order, error)
	// ListByUser returns user orders, newest first
	ListByUser(ctx context.Context, userID string) ([]models.Order, error)
	// ListByRestaurant returns restaurant orders, newest first
	ListByRestaurant(ctx context.Context, restaurantID string) ([]models.Order, error)
	// ListByDriver returns orders assigned to driver, newest first
	ListByDriver(ctx context.Context, driverID string) ([]models.Order, error)
	// ListByStatus returns orders in status, oldest first
	ListByStatus(ctx context.Context, status models.Status) ([]models.Order, error)
	// Delete removes order
	Delete(ctx context.Context, id string) error
}

//go:generate mockgen -destination=mocks/gateway.go -package=mocks github.com/rookgm/orderflow/internal/service Gateway

// Gateway is the set of downstream calls the service layer makes
type Gateway interface {
	GetCart(ctx context.Context, userID string) (*models.Cart, error)
	ClearCart(ctx context.Context, userID string) error
	GetRestaurant(ctx context.Context, restaurantID string) (*models.Restaurant, error)
	GetMenu(ctx context.Context, restaurantID string) ([]models.MenuItem, error)
	InitiatePayment(ctx context.Context, pr models.PaymentRequest) (*models.PaymentIntent, error)
	GetPaymentStatus(ctx context.Context, orderID string) (*models.Payment, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)
	ValidateToken(ctx context.Context, token string) (*models.User, error)
}

// Locker serializes checkouts sharing an idempotency key
type Locker interface {
	// Acquire locks key, the returned func releases it
	Acquire(ctx context.Context, key string) (func(context.Context) error, error)
}

// Publisher receives an event for every applied transition
type Publisher interface {
	Publish(ctx context.Context, ev models.StatusEvent) error
}

type options struct {
	locker    Locker
	publisher Publisher
	retry     RetryPolicy
	newID     func() string
}

// Option configures Orchestrator and Tracker
type Option func(*options)

// WithLocker sets idempotency key locker
func WithLocker(l Locker) Option {
	return func(o *options) { o.locker = l }
}

// WithPublisher sets status event publisher
func WithPublisher(p Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithRetryPolicy sets retry policy of gateway reads
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// WithIDGenerator sets order id generator
func WithIDGenerator(f func() string) Option {
	return func(o *options) { o.newID = f }
}

func newOptions(opts []Option) options {
	o := options{
		retry: DefaultRetryPolicy,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// publish sends status event for the last transition of order, failures are only logged
func (o *options) publish(ctx context.Context, order *models.Order) {
	if o.publisher == nil || len(order.History) == 0 {
		return
	}

	last := order.History[len(order.History)-1]
	ev := models.StatusEvent{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		To:         last.Status,
		Actor:      last.Actor,
		At:         last.At,
	}
	if n := len(order.History); n > 1 {
		ev.From = order.History[n-2].Status
	}

	if err := o.publisher.Publish(ctx, ev); err != nil {
		logger.Log.Warn("publish status event",
			zap.String("order_id", order.ID),
			zap.String("status", string(ev.To)),
			zap.Error(err))
	}
}

// callLog collects downstream call outcomes of one orchestration run
type callLog struct {
	mu       sync.Mutex
	outcomes []models.CallOutcome
}

func (cl *callLog) add(outcome models.CallOutcome) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.outcomes = append(cl.outcomes, outcome)
}

func (cl *callLog) list() []models.CallOutcome {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return append([]models.CallOutcome(nil), cl.outcomes...)
}

// call runs fn and records its outcome
func call[T any](cl *callLog, service string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	cl.add(models.CallOutcome{
		Service:  service,
		Result:   callResult(err),
		Err:      err,
		Duration: time.Since(start),
	})
	return v, err
}

func callResult(err error) models.CallResult {
	if err == nil {
		return models.CallSuccess
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return models.CallTimeout
	}
	return models.CallFailure
}
