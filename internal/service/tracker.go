package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rookgm/orderflow/internal/logger"
	"github.com/rookgm/orderflow/internal/models"
	"go.uber.org/zap"
)

// Tracking is an order view composed with live payment status
type Tracking struct {
	Order *models.Order
	// PaymentStatus is the live payment status, empty unless the order awaits payment
	PaymentStatus string
	// Reconciled is set when this read applied a payment transition
	Reconciled bool
	// Stale is set when live payment status could not be fetched
	Stale bool
}

// Tracker serves order reads. TrackOrder may write: it applies payment
// outcomes the order has not caught up with yet.
type Tracker struct {
	repo OrderRepository
	gw   Gateway
	options
}

// NewTracker creates new Tracker instance
func NewTracker(repo OrderRepository, gw Gateway, opts ...Option) *Tracker {
	return &Tracker{
		repo:    repo,
		gw:      gw,
		options: newOptions(opts),
	}
}

// GetOrder returns order by id
func (t *Tracker) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return t.repo.Get(ctx, id)
}

// GetOrdersForUser returns user orders
func (t *Tracker) GetOrdersForUser(ctx context.Context, userID string) ([]models.Order, error) {
	return t.repo.ListByUser(ctx, userID)
}

// GetOrdersForRestaurant returns restaurant orders
func (t *Tracker) GetOrdersForRestaurant(ctx context.Context, restaurantID string) ([]models.Order, error) {
	return t.repo.ListByRestaurant(ctx, restaurantID)
}

// GetOrdersForDriver returns orders assigned to driver
func (t *Tracker) GetOrdersForDriver(ctx context.Context, driverID string) ([]models.Order, error) {
	return t.repo.ListByDriver(ctx, driverID)
}

// TrackOrder returns order with live payment status and reconciles the order
// status when payment has completed or failed
func (t *Tracker) TrackOrder(ctx context.Context, id string) (*Tracking, error) {
	order, err := t.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	tracking := &Tracking{Order: order}
	if order.Status != models.StatusPaymentPending {
		return tracking, nil
	}

	payment, err := retryRead(ctx, t.retry, func(ctx context.Context) (*models.Payment, error) {
		return t.gw.GetPaymentStatus(ctx, order.ID)
	})
	if err != nil {
		var ue *models.UpstreamError
		if errors.As(err, &ue) {
			logger.Log.Warn("payment status unavailable",
				zap.String("order_id", order.ID),
				zap.Error(err))
			tracking.Stale = true
			return tracking, nil
		}
		return nil, fmt.Errorf("fetch payment status: %w", err)
	}
	tracking.PaymentStatus = payment.Status

	var target models.Status
	switch payment.Status {
	case models.PaymentStatusCompleted:
		target = models.StatusPaymentConfirmed
	case models.PaymentStatusFailed:
		target = models.StatusPaymentFailed
	default:
		return tracking, nil
	}

	updated, err := t.repo.AppendStatus(ctx, order.ID, models.Transition{
		To:     target,
		Actor:  ActorReconciler,
		Reason: "payment " + strings.ToLower(payment.Status),
	})
	if err != nil {
		if !errors.Is(err, models.ErrInvalidTransition) {
			return nil, err
		}
		// another reader or writer moved the order first
		current, err := t.repo.Get(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		tracking.Order = current
		return tracking, nil
	}
	t.publish(ctx, updated)

	logger.Log.Info("order reconciled",
		zap.String("order_id", order.ID),
		zap.String("status", string(target)))

	tracking.Order = updated
	tracking.Reconciled = true
	return tracking, nil
}

// ReconcilePending tracks every order awaiting payment and returns how many were reconciled
func (t *Tracker) ReconcilePending(ctx context.Context) (int, error) {
	orders, err := t.repo.ListByStatus(ctx, models.StatusPaymentPending)
	if err != nil {
		return 0, err
	}

	var (
		reconciled int
		errs       []error
	)
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		tracking, err := t.TrackOrder(ctx, order.ID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("order %s: %w", order.ID, err))
			continue
		}
		if tracking.Reconciled {
			reconciled++
		}
	}

	return reconciled, errors.Join(errs...)
}
