// Package payment talks to the hosted payment provider: the payment query
// API, checkout preferences and webhook signature verification.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/util"

	"go.uber.org/zap"
)

// Provider payment statuses
const (
	StatusApproved   = "approved"
	StatusAuthorized = "authorized"
	StatusPending    = "pending"
	StatusInProcess  = "in_process"
	StatusRejected   = "rejected"
	StatusCancelled  = "cancelled"
	StatusRefunded   = "refunded"
)

// Payment is the provider's authoritative view of one payment
type Payment struct {
	ID                int64   `json:"id"`
	Status            string  `json:"status"`
	StatusDetail      string  `json:"status_detail"`
	ExternalReference string  `json:"external_reference"`
	TransactionAmount float64 `json:"transaction_amount"`
	CurrencyID        string  `json:"currency_id"`
}

// IDString returns the payment id as stored on orders
func (p Payment) IDString() string {
	return fmt.Sprintf("%d", p.ID)
}

// AmountMinor converts the major-unit transaction amount to minor units
func (p Payment) AmountMinor() int64 {
	return int64(math.Round(p.TransactionAmount * 100))
}

// Preference describes a hosted checkout session
type Preference struct {
	ExternalReference string           `json:"external_reference"`
	Items             []PreferenceItem `json:"items"`
	Payer             PreferencePayer  `json:"payer"`
	NotificationURL   string           `json:"notification_url,omitempty"`
	BackURLs          BackURLs         `json:"back_urls"`
	AutoReturn        string           `json:"auto_return,omitempty"`
	ExpirationDateTo  *time.Time       `json:"expiration_date_to,omitempty"`
}

// PreferenceItem is one checkout line, priced in major units
type PreferenceItem struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

// PreferencePayer identifies the buyer to the provider
type PreferencePayer struct {
	Email string `json:"email"`
}

// BackURLs are where the provider redirects the buyer after checkout
type BackURLs struct {
	Success string `json:"success,omitempty"`
	Failure string `json:"failure,omitempty"`
	Pending string `json:"pending,omitempty"`
}

// Checkout is the provider's answer to a preference request
type Checkout struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

// Client is an HTTP client for the provider API
type Client struct {
	baseURL     string
	accessToken string
	http        *http.Client
	logger      *zap.Logger
}

// NewClient creates a provider client. An empty access token is a
// configuration error, not something to discover on the first payment.
func NewClient(baseURL, accessToken string, timeout time.Duration) (*Client, error) {
	if accessToken == "" {
		return nil, errors.New("payment: access token is empty")
	}
	if baseURL == "" {
		return nil, errors.New("payment: base url is empty")
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		http:        &http.Client{Timeout: timeout},
		logger:      util.GetLogger(),
	}, nil
}

// GetPayment fetches one payment by id
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var p Payment
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SearchPayments lists the payments attached to an external reference,
// newest first
func (c *Client) SearchPayments(ctx context.Context, externalReference string) ([]Payment, error) {
	q := url.Values{}
	q.Set("external_reference", externalReference)
	q.Set("sort", "date_created")
	q.Set("criteria", "desc")

	var out struct {
		Results []Payment `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/payments/search?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// CreatePreference opens a hosted checkout session
func (c *Client) CreatePreference(ctx context.Context, pref Preference) (*Checkout, error) {
	var out Checkout
	if err := c.do(ctx, http.MethodPost, "/checkout/preferences", pref, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: empty preference id", models.ErrProviderUnavailable)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("payment: encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", models.ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("payment %s: %w", path, models.ErrNotFound)
	case resp.StatusCode >= 300:
		c.logger.Warn("Payment provider returned error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: status %d", models.ErrProviderUnavailable, resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", models.ErrProviderUnavailable, err)
	}
	return nil
}
