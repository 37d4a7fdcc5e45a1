package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rookgm/orderflow/internal/gateway"
	"github.com/rookgm/orderflow/internal/logger"
	"github.com/rookgm/orderflow/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CheckoutRequest is input of Checkout
type CheckoutRequest struct {
	CustomerID          string
	RestaurantID        string
	DeliveryAddress     models.Address
	PaymentMethod       string
	Email               string
	SpecialInstructions string
	IdempotencyKey      string
}

func (r *CheckoutRequest) validate() error {
	switch {
	case strings.TrimSpace(r.CustomerID) == "":
		return models.NewValidationError("customerId", "is required")
	case strings.TrimSpace(r.RestaurantID) == "":
		return models.NewValidationError("restaurantId", "is required")
	case strings.TrimSpace(r.DeliveryAddress.Street) == "":
		return models.NewValidationError("deliveryAddress.street", "is required")
	case strings.TrimSpace(r.DeliveryAddress.City) == "":
		return models.NewValidationError("deliveryAddress.city", "is required")
	case strings.TrimSpace(r.DeliveryAddress.State) == "":
		return models.NewValidationError("deliveryAddress.state", "is required")
	case strings.TrimSpace(r.DeliveryAddress.ZipCode) == "":
		return models.NewValidationError("deliveryAddress.zipCode", "is required")
	}

	if r.PaymentMethod == "" {
		r.PaymentMethod = models.PaymentMethodCard
	}
	switch r.PaymentMethod {
	case models.PaymentMethodCard, models.PaymentMethodCOD, models.PaymentMethodPayPal:
	default:
		return models.NewValidationError("paymentMethod", fmt.Sprintf("unsupported method %q", r.PaymentMethod))
	}

	return nil
}

// CheckoutResult is output of Checkout
type CheckoutResult struct {
	Order *models.Order
	// Warnings are failures of best-effort steps that did not fail the checkout
	Warnings []string
	// Outcomes lists every downstream call made by this run
	Outcomes []models.CallOutcome
	// Replayed is set when an order with the same idempotency key already existed
	Replayed bool
}

// AuthStrength tells how the actor of a cancellation was identified
type AuthStrength int

const (
	// AuthVerified resolves the actor from a bearer token through the user service
	AuthVerified AuthStrength = iota + 1
	// AuthUserID trusts a caller supplied user id
	AuthUserID
)

// CancelRequest is input of Cancel
type CancelRequest struct {
	OrderID  string
	Reason   string
	Strength AuthStrength
	Token    string
	UserID   string
	// Admin allows cancelling orders of other customers
	Admin bool
}

// Orchestrator sequences downstream calls and order status transitions
type Orchestrator struct {
	repo OrderRepository
	gw   Gateway
	options
}

// NewOrchestrator creates new Orchestrator instance
func NewOrchestrator(repo OrderRepository, gw Gateway, opts ...Option) *Orchestrator {
	return &Orchestrator{
		repo:    repo,
		gw:      gw,
		options: newOptions(opts),
	}
}

// Checkout turns customer cart into an order and initiates its payment
func (o *Orchestrator) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var existing *models.Order
	if req.IdempotencyKey != "" {
		var err error
		existing, err = o.existing(ctx, req)
		if err != nil {
			return nil, err
		}
		if existing != nil && !awaitingPayment(existing) {
			return replayed(existing, req), nil
		}

		if o.locker != nil {
			release, err := o.locker.Acquire(ctx, req.CustomerID+":"+req.IdempotencyKey)
			if err != nil {
				return nil, err
			}
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					logger.Log.Warn("release idempotency key", zap.Error(err))
				}
			}()

			// a concurrent holder may have finished before we got the lock
			existing, err = o.existing(ctx, req)
			if err != nil {
				return nil, err
			}
			if existing != nil && !awaitingPayment(existing) {
				return replayed(existing, req), nil
			}
		}
	}

	var (
		calls  = &callLog{}
		result *CheckoutResult
		err    error
	)
	if existing != nil {
		result, err = o.resume(ctx, req, existing, calls)
	} else {
		result, err = o.checkout(ctx, req, calls)
	}
	if result != nil {
		result.Outcomes = calls.list()
	}
	return result, err
}

// existing returns order created earlier with the request idempotency key, nil if there is none
func (o *Orchestrator) existing(ctx context.Context, req CheckoutRequest) (*models.Order, error) {
	order, err := o.repo.GetByIdempotencyKey(ctx, req.CustomerID, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return order, nil
}

func replayed(order *models.Order, req CheckoutRequest) *CheckoutResult {
	logger.Log.Debug("checkout replayed",
		zap.String("order_id", order.ID),
		zap.String("idempotency_key", req.IdempotencyKey))
	return &CheckoutResult{Order: order, Replayed: true}
}

// awaitingPayment reports an order whose checkout stopped before payment initiation was confirmed
func awaitingPayment(order *models.Order) bool {
	return order.Status == models.StatusCreated && order.PaymentRef == nil
}

// resume initiates payment of an order a previous checkout left in CREATED.
// The stored items and total are charged, the cart is not priced again.
func (o *Orchestrator) resume(ctx context.Context, req CheckoutRequest, order *models.Order, calls *callLog) (*CheckoutResult, error) {
	logger.Log.Info("checkout resumed",
		zap.String("order_id", order.ID),
		zap.String("idempotency_key", req.IdempotencyKey))

	if req.Email == "" {
		req.Email = o.email(ctx, req.CustomerID, calls)
	}

	result, err := o.pay(ctx, req, order, calls)
	if result != nil {
		result.Replayed = true
	}
	return result, err
}

func (o *Orchestrator) checkout(ctx context.Context, req CheckoutRequest, calls *callLog) (*CheckoutResult, error) {
	cart, err := retryRead(ctx, o.retry, func(ctx context.Context) (*models.Cart, error) {
		return call(calls, gateway.ServiceCart, func() (*models.Cart, error) {
			return o.gw.GetCart(ctx, req.CustomerID)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("fetch cart: %w", err)
	}
	if len(cart.Items) == 0 {
		return nil, models.ErrEmptyCart
	}

	items, err := o.price(ctx, req.RestaurantID, cart.Items, calls)
	if err != nil {
		return nil, err
	}

	if req.Email == "" {
		req.Email = o.email(ctx, req.CustomerID, calls)
	}

	order := &models.Order{
		ID:                  o.newID(),
		CustomerID:          req.CustomerID,
		RestaurantID:        req.RestaurantID,
		Items:               items,
		Total:               models.ComputeTotal(items),
		DeliveryAddress:     req.DeliveryAddress,
		SpecialInstructions: req.SpecialInstructions,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		order.IdempotencyKey = &key
	}

	order, err = o.repo.Create(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	logger.Log.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("customer_id", order.CustomerID),
		zap.String("total", order.Total.StringFixed(2)))

	return o.pay(ctx, req, order, calls)
}

// pay initiates payment of a CREATED order, moves it to PAYMENT_PENDING and clears the cart
func (o *Orchestrator) pay(ctx context.Context, req CheckoutRequest, order *models.Order, calls *callLog) (*CheckoutResult, error) {
	// never retried: a lost response must not turn into a second charge
	intent, err := call(calls, gateway.ServicePayment, func() (*models.PaymentIntent, error) {
		return o.gw.InitiatePayment(ctx, models.PaymentRequest{
			OrderID:       order.ID,
			UserID:        order.CustomerID,
			Email:         req.Email,
			Amount:        order.Total,
			PaymentMethod: req.PaymentMethod,
		})
	})
	if err != nil {
		return nil, o.paymentFailed(ctx, order, err)
	}

	ref := intent.ID
	if ref == "" {
		ref = intent.TransactionID
	}
	updated, err := o.repo.AppendStatus(ctx, order.ID, models.Transition{
		To:         models.StatusPaymentPending,
		Actor:      ActorSystem,
		PaymentRef: &ref,
	})
	if err != nil {
		return nil, fmt.Errorf("order %s: mark payment pending: %w", order.ID, err)
	}
	o.publish(ctx, updated)

	result := &CheckoutResult{Order: updated}

	_, err = call(calls, gateway.ServiceCart, func() (struct{}, error) {
		return struct{}{}, o.gw.ClearCart(ctx, req.CustomerID)
	})
	if err != nil {
		logger.Log.Warn("clear cart", zap.String("customer_id", req.CustomerID), zap.Error(err))
		result.Warnings = append(result.Warnings, fmt.Sprintf("cart was not cleared: %v", err))
	}

	return result, nil
}

// price re-prices cart items at current menu prices
func (o *Orchestrator) price(ctx context.Context, restaurantID string, cartItems []models.CartItem, calls *callLog) ([]models.LineItem, error) {
	var (
		restaurant *models.Restaurant
		menu       []models.MenuItem
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		restaurant, err = retryRead(gctx, o.retry, func(ctx context.Context) (*models.Restaurant, error) {
			return call(calls, gateway.ServiceRestaurant, func() (*models.Restaurant, error) {
				return o.gw.GetRestaurant(ctx, restaurantID)
			})
		})
		if err != nil {
			return fmt.Errorf("fetch restaurant: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		menu, err = retryRead(gctx, o.retry, func(ctx context.Context) ([]models.MenuItem, error) {
			return call(calls, gateway.ServiceRestaurant, func() ([]models.MenuItem, error) {
				return o.gw.GetMenu(ctx, restaurantID)
			})
		})
		if err != nil {
			return fmt.Errorf("fetch menu: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if !restaurant.IsActive {
		return nil, models.NewValidationError("restaurantId", fmt.Sprintf("restaurant %s is not accepting orders", restaurantID))
	}

	byID := make(map[string]models.MenuItem, len(menu))
	for _, m := range menu {
		byID[m.ID] = m
	}

	items := make([]models.LineItem, 0, len(cartItems))
	for _, ci := range cartItems {
		if ci.RestaurantID != "" && ci.RestaurantID != restaurantID {
			return nil, models.NewValidationError("items", fmt.Sprintf("item %s belongs to another restaurant", ci.ItemID))
		}
		if ci.Quantity <= 0 {
			return nil, models.NewValidationError("items", fmt.Sprintf("item %s has quantity %d", ci.ItemID, ci.Quantity))
		}
		m, ok := byID[ci.ItemID]
		if !ok {
			return nil, models.NewValidationError("items", fmt.Sprintf("item %s is not on the menu", ci.ItemID))
		}
		if !m.IsAvailable {
			return nil, models.NewValidationError("items", fmt.Sprintf("item %s is not available", ci.ItemID))
		}
		// orders are charged and stored in whole cents
		items = append(items, models.LineItem{
			MenuItemID: m.ID,
			Name:       m.Name,
			Quantity:   ci.Quantity,
			UnitPrice:  m.Price.Round(2),
		})
	}

	return items, nil
}

// email looks up customer email for the payment request, failures are only logged
func (o *Orchestrator) email(ctx context.Context, customerID string, calls *callLog) string {
	user, err := retryRead(ctx, o.retry, func(ctx context.Context) (*models.User, error) {
		return call(calls, gateway.ServiceUser, func() (*models.User, error) {
			return o.gw.GetUser(ctx, customerID)
		})
	})
	if err != nil {
		logger.Log.Warn("fetch customer profile", zap.String("customer_id", customerID), zap.Error(err))
		return ""
	}
	return user.Email
}

// paymentFailed reacts to a failed payment initiation. A rejection is final and
// fails the order; anything else leaves it in CREATED for the caller to retry.
func (o *Orchestrator) paymentFailed(ctx context.Context, order *models.Order, cause error) error {
	if !errors.Is(cause, models.ErrUpstreamRejected) {
		logger.Log.Warn("payment initiation not confirmed",
			zap.String("order_id", order.ID),
			zap.Error(cause))
		return fmt.Errorf("order %s: initiate payment: %w", order.ID, cause)
	}

	updated, err := o.repo.AppendStatus(ctx, order.ID, models.Transition{
		To:     models.StatusPaymentFailed,
		Actor:  ActorSystem,
		Reason: rejectionReason(cause),
	})
	if err != nil {
		return errors.Join(fmt.Errorf("order %s: initiate payment: %w", order.ID, cause),
			fmt.Errorf("mark payment failed: %w", err))
	}
	o.publish(ctx, updated)

	logger.Log.Info("payment rejected",
		zap.String("order_id", order.ID),
		zap.Error(cause))

	return fmt.Errorf("order %s: initiate payment: %w", order.ID, cause)
}

func rejectionReason(err error) string {
	var ue *models.UpstreamError
	if errors.As(err, &ue) && ue.Message != "" {
		return ue.Message
	}
	return err.Error()
}

// Cancel cancels order on behalf of its customer or an admin
func (o *Orchestrator) Cancel(ctx context.Context, req CancelRequest) (*models.Order, error) {
	if req.OrderID == "" {
		return nil, models.NewValidationError("orderId", "is required")
	}

	actor, admin, err := o.resolveActor(ctx, req)
	if err != nil {
		return nil, err
	}

	order, err := o.repo.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if !admin && actor != order.CustomerID {
		logger.Log.Warn("cancel of foreign order refused",
			zap.String("order_id", order.ID),
			zap.String("actor", actor))
		return nil, models.ErrForbidden
	}

	updated, err := o.repo.AppendStatus(ctx, req.OrderID, models.Transition{
		To:     models.StatusCancelled,
		Actor:  actor,
		Reason: req.Reason,
		Expect: order.Status,
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, updated)

	logger.Log.Info("order cancelled", zap.String("order_id", updated.ID), zap.String("actor", actor))

	return updated, nil
}

func (o *Orchestrator) resolveActor(ctx context.Context, req CancelRequest) (string, bool, error) {
	switch req.Strength {
	case AuthVerified:
		if req.Token == "" {
			return "", false, models.NewValidationError("token", "is required")
		}
		user, err := retryRead(ctx, o.retry, func(ctx context.Context) (*models.User, error) {
			return o.gw.ValidateToken(ctx, req.Token)
		})
		if err != nil {
			return "", false, fmt.Errorf("validate token: %w", err)
		}
		return user.ID, req.Admin || user.Role == models.RoleAdmin, nil
	case AuthUserID:
		if req.UserID == "" {
			return "", false, models.NewValidationError("userId", "is required")
		}
		return req.UserID, req.Admin, nil
	default:
		return "", false, models.NewValidationError("strength", "unknown authentication strength")
	}
}

// AssignDriver assigns driver to a paid order. Assigning the same driver again succeeds.
func (o *Orchestrator) AssignDriver(ctx context.Context, orderID, driverID, actor string) (*models.Order, error) {
	if driverID == "" {
		return nil, models.NewValidationError("driverId", "is required")
	}

	order, err := o.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == models.StatusDriverAssigned {
		return assignedTo(order, driverID)
	}

	updated, err := o.repo.AppendStatus(ctx, orderID, models.Transition{
		To:       models.StatusDriverAssigned,
		Actor:    actor,
		DriverID: &driverID,
		Expect:   order.Status,
	})
	if err != nil {
		if !errors.Is(err, models.ErrConflict) && !errors.Is(err, models.ErrInvalidTransition) {
			return nil, err
		}
		// a concurrent request may have assigned the same driver
		current, getErr := o.repo.Get(ctx, orderID)
		if getErr != nil || current.Status != models.StatusDriverAssigned {
			return nil, err
		}
		return assignedTo(current, driverID)
	}
	o.publish(ctx, updated)

	logger.Log.Info("driver assigned", zap.String("order_id", orderID), zap.String("driver_id", driverID))

	return updated, nil
}

func assignedTo(order *models.Order, driverID string) (*models.Order, error) {
	if order.DriverID != nil && *order.DriverID == driverID {
		return order, nil
	}
	return nil, fmt.Errorf("%w: order %s already has another driver", models.ErrInvalidTransition, order.ID)
}

// UpdateStatus applies an administrative status change
func (o *Orchestrator) UpdateStatus(ctx context.Context, orderID string, status models.Status, actor string) (*models.Order, error) {
	if _, ok := models.ParseStatus(string(status)); !ok {
		return nil, models.NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}

	updated, err := o.repo.AppendStatus(ctx, orderID, models.Transition{
		To:         status,
		Actor:      actor,
		Privileged: true,
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, updated)

	logger.Log.Info("order status updated",
		zap.String("order_id", orderID),
		zap.String("status", string(status)),
		zap.String("actor", actor))

	return updated, nil
}

// Delete removes order bypassing the status machine
func (o *Orchestrator) Delete(ctx context.Context, orderID string) error {
	if err := o.repo.Delete(ctx, orderID); err != nil {
		return err
	}
	logger.Log.Info("order deleted", zap.String("order_id", orderID))
	return nil
}
