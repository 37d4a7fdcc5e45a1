package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rookgm/orderflow/internal/logger"
	"github.com/rookgm/orderflow/internal/middleware"
	"github.com/rookgm/orderflow/internal/models"
	"github.com/rookgm/orderflow/internal/service"
	"go.uber.org/zap"
)

// IdempotencyKeyHeader carries the client supplied checkout idempotency key
const IdempotencyKeyHeader = "X-Idempotency-Key"

//go:generate mockgen -destination=mocks/order.go -package=mocks github.com/rookgm/orderflow/internal/handler/http OrderService,QueryService

type OrderService interface {
	Checkout(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error)
	Cancel(ctx context.Context, req service.CancelRequest) (*models.Order, error)
	AssignDriver(ctx context.Context, orderID, driverID, actor string) (*models.Order, error)
	UpdateStatus(ctx context.Context, orderID string, status models.Status, actor string) (*models.Order, error)
	Delete(ctx context.Context, orderID string) error
}

type QueryService interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrdersForUser(ctx context.Context, userID string) ([]models.Order, error)
	GetOrdersForRestaurant(ctx context.Context, restaurantID string) ([]models.Order, error)
	GetOrdersForDriver(ctx context.Context, driverID string) ([]models.Order, error)
	TrackOrder(ctx context.Context, id string) (*service.Tracking, error)
}

// OrderHandler represents HTTP handler for order-related requests
type OrderHandler struct {
	svc   OrderService
	query QueryService
}

// NewOrderHandler creates new OrderHandler instance
func NewOrderHandler(svc OrderService, query QueryService) *OrderHandler {
	return &OrderHandler{svc: svc, query: query}
}

type lineItemResponse struct {
	ItemID   string `json:"itemId"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    string `json:"price"`
}

type statusChangeResponse struct {
	Status    models.Status `json:"status"`
	UpdatedBy string        `json:"updatedBy"`
	Reason    string        `json:"reason,omitempty"`
	Timestamp string        `json:"timestamp"`
}

// OrderResp is the order representation returned by every endpoint
type OrderResp struct {
	ID                  string                 `json:"id"`
	UserID              string                 `json:"userId"`
	RestaurantID        string                 `json:"restaurantId"`
	Items               []lineItemResponse     `json:"items"`
	TotalAmount         string                 `json:"totalAmount"`
	DeliveryAddress     models.Address         `json:"deliveryAddress"`
	SpecialInstructions string                 `json:"specialInstructions,omitempty"`
	DriverID            *string                `json:"driverId,omitempty"`
	Status              models.Status          `json:"status"`
	CancellationReason  *string                `json:"cancellationReason,omitempty"`
	PaymentRef          *string                `json:"paymentId,omitempty"`
	StatusHistory       []statusChangeResponse `json:"statusHistory"`
	CreatedAt           string                 `json:"createdAt"`
	UpdatedAt           string                 `json:"updatedAt"`
}

func newOrderResp(o *models.Order) OrderResp {
	resp := OrderResp{
		ID:                  o.ID,
		UserID:              o.CustomerID,
		RestaurantID:        o.RestaurantID,
		Items:               make([]lineItemResponse, 0, len(o.Items)),
		TotalAmount:         o.Total.StringFixed(2),
		DeliveryAddress:     o.DeliveryAddress,
		SpecialInstructions: o.SpecialInstructions,
		DriverID:            o.DriverID,
		Status:              o.Status,
		CancellationReason:  o.CancellationReason,
		PaymentRef:          o.PaymentRef,
		StatusHistory:       make([]statusChangeResponse, 0, len(o.History)),
		CreatedAt:           o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:           o.UpdatedAt.Format(time.RFC3339),
	}
	for _, item := range o.Items {
		resp.Items = append(resp.Items, lineItemResponse{
			ItemID:   item.MenuItemID,
			Name:     item.Name,
			Quantity: item.Quantity,
			Price:    item.UnitPrice.StringFixed(2),
		})
	}
	for _, h := range o.History {
		resp.StatusHistory = append(resp.StatusHistory, statusChangeResponse{
			Status:    h.Status,
			UpdatedBy: h.Actor,
			Reason:    h.Reason,
			Timestamp: h.At.Format(time.RFC3339),
		})
	}
	return resp
}

func newOrdersResp(orders []models.Order) []OrderResp {
	resp := make([]OrderResp, 0, len(orders))
	for i := range orders {
		resp = append(resp, newOrderResp(&orders[i]))
	}
	return resp
}

type checkoutRequest struct {
	RestaurantID        string         `json:"restaurantId"`
	DeliveryAddress     models.Address `json:"deliveryAddress"`
	PaymentMethod       string         `json:"paymentMethod"`
	SpecialInstructions string         `json:"specialInstructions"`
}

// CheckoutResp is the response of order creation
type CheckoutResp struct {
	Order    OrderResp `json:"order"`
	Warnings []string  `json:"warnings,omitempty"`
}

// CreateOrder creates order from the cart of the authenticated user
// 201 — order created, payment initiated;
// 200 — order with the same idempotency key already exists;
// 400 — bad request or empty cart;
// 401 — user is not authenticated;
// 409 — the same idempotency key is being processed;
// 422 — payment or another service rejected the request;
// 503 — a downstream service is unreachable, safe to retry.
func (oh *OrderHandler) CreateOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, ok := middleware.PayloadFromContext(r.Context())
		if !ok {
			writeError(w, r, errUnauthorized)
			return
		}

		var req checkoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, models.NewValidationError("body", "malformed JSON"))
			return
		}
		defer r.Body.Close()

		res, err := oh.svc.Checkout(r.Context(), service.CheckoutRequest{
			CustomerID:          payload.UserID,
			RestaurantID:        req.RestaurantID,
			DeliveryAddress:     req.DeliveryAddress,
			PaymentMethod:       req.PaymentMethod,
			SpecialInstructions: req.SpecialInstructions,
			IdempotencyKey:      r.Header.Get(IdempotencyKeyHeader),
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		code := http.StatusCreated
		if res.Replayed {
			code = http.StatusOK
		}
		writeJSON(w, code, CheckoutResp{Order: newOrderResp(res.Order), Warnings: res.Warnings})
	}
}

// GetOrder returns order by id
func (oh *OrderHandler) GetOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order, err := oh.query.GetOrder(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newOrderResp(order))
	}
}

// TrackResp is order view with live payment status
type TrackResp struct {
	Order         OrderResp `json:"order"`
	PaymentStatus string    `json:"paymentStatus,omitempty"`
	Reconciled    bool      `json:"reconciled"`
	Stale         bool      `json:"stale"`
}

// TrackOrder returns order with live payment status
func (oh *OrderHandler) TrackOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tracking, err := oh.query.TrackOrder(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, TrackResp{
			Order:         newOrderResp(tracking.Order),
			PaymentStatus: tracking.PaymentStatus,
			Reconciled:    tracking.Reconciled,
			Stale:         tracking.Stale,
		})
	}
}

// ListOrders returns orders selected by the named url parameter
func (oh *OrderHandler) ListOrders(param string, list func(ctx context.Context, id string) ([]models.Order, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orders, err := list(r.Context(), chi.URLParam(r, param))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newOrdersResp(orders))
	}
}

// ListUserOrders returns orders of user
func (oh *OrderHandler) ListUserOrders() http.HandlerFunc {
	return oh.ListOrders("userID", oh.query.GetOrdersForUser)
}

// ListRestaurantOrders returns orders of restaurant
func (oh *OrderHandler) ListRestaurantOrders() http.HandlerFunc {
	return oh.ListOrders("restaurantID", oh.query.GetOrdersForRestaurant)
}

// ListDriverOrders returns orders assigned to driver
func (oh *OrderHandler) ListDriverOrders() http.HandlerFunc {
	return oh.ListOrders("driverID", oh.query.GetOrdersForDriver)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus applies administrative status change
func (oh *OrderHandler) UpdateStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, _ := middleware.PayloadFromContext(r.Context())

		var req updateStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, models.NewValidationError("body", "malformed JSON"))
			return
		}
		defer r.Body.Close()

		order, err := oh.svc.UpdateStatus(r.Context(), chi.URLParam(r, "id"), models.Status(req.Status), actorOf(payload))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newOrderResp(order))
	}
}

type assignDriverRequest struct {
	DriverID string `json:"driverId"`
}

// AssignDriver assigns driver to order
func (oh *OrderHandler) AssignDriver() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, _ := middleware.PayloadFromContext(r.Context())

		var req assignDriverRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, models.NewValidationError("body", "malformed JSON"))
			return
		}
		defer r.Body.Close()

		order, err := oh.svc.AssignDriver(r.Context(), chi.URLParam(r, "id"), req.DriverID, actorOf(payload))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newOrderResp(order))
	}
}

type cancelRequest struct {
	UserID             string `json:"userId"`
	CancellationReason string `json:"cancellationReason"`
	Reason             string `json:"reason"`
}

// reason prefers cancellationReason, which browser clients send
func (cr cancelRequest) reason() string {
	if cr.CancellationReason != "" {
		return cr.CancellationReason
	}
	return cr.Reason
}

// CancelOrder cancels order of the bearer token owner
func (oh *OrderHandler) CancelOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, ok := middleware.PayloadFromContext(r.Context())
		if !ok {
			writeError(w, r, errUnauthorized)
			return
		}

		req, err := decodeCancel(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		order, err := oh.svc.Cancel(r.Context(), service.CancelRequest{
			OrderID:  chi.URLParam(r, "id"),
			Reason:   req.reason(),
			Strength: service.AuthVerified,
			Token:    middleware.TokenFromContext(r.Context()),
			Admin:    payload.IsAdmin(),
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newOrderResp(order))
	}
}

// UserCancelOrder cancels order of the user named in the body. It works
// while token validation is degraded, the user still has to own the order.
func (oh *OrderHandler) UserCancelOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeCancel(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		order, err := oh.svc.Cancel(r.Context(), service.CancelRequest{
			OrderID:  chi.URLParam(r, "id"),
			Reason:   req.reason(),
			Strength: service.AuthUserID,
			UserID:   req.UserID,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newOrderResp(order))
	}
}

func decodeCancel(r *http.Request) (cancelRequest, error) {
	var req cancelRequest
	defer r.Body.Close()
	// the body is optional
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, models.NewValidationError("body", "malformed JSON")
	}
	return req, nil
}

// DeleteOrder removes order
func (oh *OrderHandler) DeleteOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := oh.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func actorOf(payload *models.TokenPayload) string {
	if payload == nil {
		return "admin"
	}
	return payload.UserID
}

var errUnauthorized = errors.New("unauthorized")

type errorResp struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// statusOf maps service errors to HTTP status and error code
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, models.ErrUpstreamRejected):
		return http.StatusUnprocessableEntity, "UPSTREAM_REJECTED"
	case errors.Is(err, models.ErrUpstreamUnreachable):
		return http.StatusServiceUnavailable, "UPSTREAM_UNREACHABLE"
	case errors.Is(err, models.ErrUpstreamMalformed):
		return http.StatusBadGateway, "UPSTREAM_MALFORMED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, kind := statusOf(err)

	msg := err.Error()
	if code == http.StatusInternalServerError {
		logger.Log.Error("request failed",
			zap.String("uri", r.RequestURI),
			zap.Error(err))
		msg = "internal error"
	}

	writeJSON(w, code, errorResp{
		Error:     kind,
		Message:   msg,
		Retryable: models.IsRetryable(err),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Debug("encode response", zap.Error(err))
	}
}
