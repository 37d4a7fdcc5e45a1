package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/rookgm/orderflow/internal/models"
)

// GetCart returns customer cart. A cart the cart service does not know is empty.
func (c *Client) GetCart(ctx context.Context, userID string) (*models.Cart, error) {
	// GET /api/cart/{userId}
	var cart models.Cart
	err := c.do(ctx, ServiceCart, http.MethodGet, c.cfg.CartURL, nil, &cart, "api", "cart", userID)
	if err != nil {
		var ue *models.UpstreamError
		if errors.As(err, &ue) && ue.Kind == models.KindRejected && ue.StatusCode == http.StatusNotFound {
			return &models.Cart{UserID: userID}, nil
		}
		return nil, err
	}

	return &cart, nil
}

// ClearCart removes all items from customer cart
func (c *Client) ClearCart(ctx context.Context, userID string) error {
	// DELETE /api/cart/{userId}
	return c.do(ctx, ServiceCart, http.MethodDelete, c.cfg.CartURL, nil, nil, "api", "cart", userID)
}
