// Package gateway is the single egress point for calls to the cart,
// restaurant, payment and user services. Every failure is normalised into a
// *models.UpstreamError; retries are left to the caller.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rookgm/orderflow/internal/logger"
	"github.com/rookgm/orderflow/internal/models"
	"go.uber.org/zap"
)

// DefaultTimeout bounds every downstream call
const DefaultTimeout = 5 * time.Second

// downstream service names
const (
	ServiceCart       = "cart"
	ServiceRestaurant = "restaurant"
	ServicePayment    = "payment"
	ServiceUser       = "user"
)

// maximum length of a raw error body kept in an UpstreamError
const maxErrorBody = 512

// Config enumerates downstream base addresses and the per-call timeout
type Config struct {
	CartURL       string
	RestaurantURL string
	PaymentURL    string
	UserURL       string
	Timeout       time.Duration
}

// Client is a typed client for all downstream services
type Client struct {
	client *http.Client
	cfg    Config
}

// New creates new Client instance
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		cfg: cfg,
	}
}

// errorBody is the structured error body returned by downstream services
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// do performs a JSON request and decodes a 2xx body into out when out is not nil
func (c *Client) do(ctx context.Context, service, method, baseURL string, body, out any, elem ...string) error {
	u, err := url.JoinPath(baseURL, elem...)
	if err != nil {
		return fmt.Errorf("%s service: build url: %w", service, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s service: encode request: %w", service, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("%s service: create request: %w", service, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		req.Header.Set(middleware.RequestIDHeader, reqID)
	}

	resp, err := c.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return c.fail(service, method, u, models.KindUnreachable, 0, "", err)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.fail(service, method, u, models.KindUnreachable, resp.StatusCode, "", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg, structured := errorMessage(data)
		if !structured || proxyFailure(resp.StatusCode) {
			// the request may not have reached the service, so nothing is known about its outcome
			return c.fail(service, method, u, models.KindUnreachable, resp.StatusCode, msg, nil)
		}
		return c.fail(service, method, u, models.KindRejected, resp.StatusCode, msg, nil)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return c.fail(service, method, u, models.KindMalformed, resp.StatusCode, "", err)
	}

	return nil
}

func (c *Client) fail(service, method, u string, kind models.FailureKind, code int, msg string, err error) error {
	logger.Log.Debug("downstream call failed",
		zap.String("service", service),
		zap.String("method", method),
		zap.String("url", u),
		zap.Stringer("kind", kind),
		zap.Int("status", code),
		zap.String("message", msg),
		zap.Error(err))

	return &models.UpstreamError{
		Service:    service,
		Kind:       kind,
		StatusCode: code,
		Message:    msg,
		Err:        err,
	}
}

// proxyFailure reports statuses a gateway or load balancer answers with on behalf of the service
func proxyFailure(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// errorMessage extracts the message of a structured error body, falling back to the raw text.
// structured is false when the body has neither a message nor an error field.
func errorMessage(data []byte) (msg string, structured bool) {
	var eb errorBody
	if err := json.Unmarshal(data, &eb); err == nil {
		if eb.Message != "" {
			return eb.Message, true
		}
		if eb.Error != "" {
			return eb.Error, true
		}
	}

	msg = strings.TrimSpace(string(data))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	return msg, false
}
