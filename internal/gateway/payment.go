package gateway

import (
	"context"
	"net/http"

	"github.com/rookgm/orderflow/internal/models"
)

type initiatePaymentRequest struct {
	OrderID       string  `json:"orderId"`
	UserID        string  `json:"userId"`
	Email         string  `json:"email,omitempty"`
	Amount        float64 `json:"amount"`
	PaymentMethod string  `json:"paymentMethod"`
}

type paymentStatusResponse struct {
	Success bool            `json:"success"`
	Payment *models.Payment `json:"payment"`
}

// InitiatePayment asks the payment service to start a payment.
// Success means the request was accepted, not that funds cleared.
func (c *Client) InitiatePayment(ctx context.Context, pr models.PaymentRequest) (*models.PaymentIntent, error) {
	// POST /api/payments/initiate
	body := initiatePaymentRequest{
		OrderID:       pr.OrderID,
		UserID:        pr.UserID,
		Email:         pr.Email,
		Amount:        pr.Amount.InexactFloat64(),
		PaymentMethod: pr.PaymentMethod,
	}

	var intent models.PaymentIntent
	if err := c.do(ctx, ServicePayment, http.MethodPost, c.cfg.PaymentURL, body, &intent, "api", "payments", "initiate"); err != nil {
		return nil, err
	}

	return &intent, nil
}

// GetPaymentStatus returns live payment status for order
func (c *Client) GetPaymentStatus(ctx context.Context, orderID string) (*models.Payment, error) {
	// GET /api/payments/order/{orderId}
	var resp paymentStatusResponse
	if err := c.do(ctx, ServicePayment, http.MethodGet, c.cfg.PaymentURL, nil, &resp, "api", "payments", "order", orderID); err != nil {
		return nil, err
	}
	if resp.Payment == nil || resp.Payment.Status == "" {
		return nil, &models.UpstreamError{
			Service:    ServicePayment,
			Kind:       models.KindMalformed,
			StatusCode: http.StatusOK,
			Message:    "payment status missing",
		}
	}

	return resp.Payment, nil
}
