package gateway

import (
	"context"
	"net/http"

	"github.com/rookgm/orderflow/internal/models"
)

// GetRestaurant returns restaurant by id
func (c *Client) GetRestaurant(ctx context.Context, restaurantID string) (*models.Restaurant, error) {
	// GET /api/restaurants/{id}
	var restaurant models.Restaurant
	if err := c.do(ctx, ServiceRestaurant, http.MethodGet, c.cfg.RestaurantURL, nil, &restaurant, "api", "restaurants", restaurantID); err != nil {
		return nil, err
	}

	return &restaurant, nil
}

// GetMenu returns current menu snapshot of restaurant
func (c *Client) GetMenu(ctx context.Context, restaurantID string) ([]models.MenuItem, error) {
	// GET /api/restaurants/{id}/menu
	var menu []models.MenuItem
	if err := c.do(ctx, ServiceRestaurant, http.MethodGet, c.cfg.RestaurantURL, nil, &menu, "api", "restaurants", restaurantID, "menu"); err != nil {
		return nil, err
	}

	return menu, nil
}
