// Package stripe is a minimal client for the Stripe Checkout API, covering
// only hosted checkout session creation.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"camppay/internal/payment"
)

// Config holds Stripe client configuration.
type Config struct {
	APIKey  string        `envconfig:"STRIPE_SECRET_KEY" required:"true"`
	BaseURL string        `envconfig:"STRIPE_BASE_URL" default:"https://api.stripe.com"`
	Timeout time.Duration `envconfig:"STRIPE_TIMEOUT" default:"10s"`
}

// Client calls the Stripe API.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a Stripe client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

var _ payment.CheckoutGateway = (*Client)(nil)

type checkoutSessionResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateCheckoutSession opens a hosted checkout session for a single
// line item in payment mode.
func (c *Client) CreateCheckoutSession(ctx context.Context, p payment.CheckoutParams) (*payment.GatewaySession, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(string(p.Amount.Currency)))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(p.Amount.AmountMinor, 10))
	form.Set("line_items[0][price_data][product_data][name]", p.Name)
	form.Set("success_url", p.SuccessURL)
	form.Set("cancel_url", p.CancelURL)
	form.Set("tax_id_collection[enabled]", "true")
	if p.CustomerEmail != "" {
		form.Set("customer_email", p.CustomerEmail)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling stripe: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading stripe response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("stripe: %s (%s, status %d)",
				apiErr.Error.Message, apiErr.Error.Type, resp.StatusCode)
		}
		return nil, fmt.Errorf("stripe: unexpected status %d", resp.StatusCode)
	}

	var session checkoutSessionResponse
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("decoding stripe response: %w", err)
	}
	if session.ID == "" || session.URL == "" {
		return nil, fmt.Errorf("stripe: response missing session id or url")
	}

	c.logger.Debug("checkout session opened",
		"session_id", session.ID,
		"amount_minor", p.Amount.AmountMinor,
		"currency", p.Amount.Currency,
	)

	return &payment.GatewaySession{ID: session.ID, URL: session.URL}, nil
}
