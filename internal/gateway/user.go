package gateway

import (
	"context"
	"net/http"

	"github.com/rookgm/orderflow/internal/models"
)

type validateTokenRequest struct {
	Token string `json:"token"`
}

type validateTokenResponse struct {
	Valid bool         `json:"valid"`
	User  *models.User `json:"user"`
}

// GetUser returns user by id
func (c *Client) GetUser(ctx context.Context, userID string) (*models.User, error) {
	// GET /api/users/{id}
	var user models.User
	if err := c.do(ctx, ServiceUser, http.MethodGet, c.cfg.UserURL, nil, &user, "api", "users", userID); err != nil {
		return nil, err
	}

	return &user, nil
}

// ValidateToken asks the user service whether token is valid and returns its owner.
// A 2xx answer with valid=false is reported as a rejection.
func (c *Client) ValidateToken(ctx context.Context, token string) (*models.User, error) {
	// POST /api/users/validate-token
	var resp validateTokenResponse
	if err := c.do(ctx, ServiceUser, http.MethodPost, c.cfg.UserURL, validateTokenRequest{Token: token}, &resp, "api", "users", "validate-token"); err != nil {
		return nil, err
	}

	if !resp.Valid {
		return nil, &models.UpstreamError{
			Service:    ServiceUser,
			Kind:       models.KindRejected,
			StatusCode: http.StatusOK,
			Message:    "token is not valid",
		}
	}
	if resp.User == nil || resp.User.ID == "" {
		return nil, &models.UpstreamError{
			Service:    ServiceUser,
			Kind:       models.KindMalformed,
			StatusCode: http.StatusOK,
			Message:    "token owner missing",
		}
	}

	return resp.User, nil
}
