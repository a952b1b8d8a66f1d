// Package provider is the read-side client for the external billing
// provider's API, used by reconciliation. Writes never happen here; the
// provider pushes state changes through webhooks.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/borisigal/towerofbabel-sub003/internal/models"
)

// ErrNotFound indicates the provider has no record for the requested ID.
var ErrNotFound = errors.New("provider: subscription not found")

const requestTimeout = 15 * time.Second

// Subscription is the provider's view of one subscription.
type Subscription struct {
	ID          string                    `json:"id"`
	Status      models.SubscriptionStatus `json:"status"`
	PlanRef     string                    `json:"plan_id"`
	ItemRef     string                    `json:"item_id"`
	CustomerRef string                    `json:"customer_id"`
	RenewsAt    *time.Time                `json:"renews_at"`
	EndsAt      *time.Time                `json:"ends_at"`
}

// Client calls the billing provider's REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient constructs a Client for the given API base URL and key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// GetSubscription fetches one subscription by its provider ID.
func (c *Client) GetSubscription(ctx context.Context, providerID string) (*Subscription, error) {
	var sub Subscription
	path := "/v1/subscriptions/" + url.PathEscape(providerID)
	if errGet := c.getJSON(ctx, path, nil, &sub); errGet != nil {
		return nil, errGet
	}
	return &sub, nil
}

// ListActiveSubscriptions fetches every subscription the provider considers
// active, following pagination.
func (c *Client) ListActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	var all []Subscription
	page := 1
	for {
		var result struct {
			Subscriptions []Subscription `json:"subscriptions"`
			HasMore       bool           `json:"has_more"`
		}
		query := url.Values{
			"status": {"active"},
			"page":   {fmt.Sprint(page)},
		}
		if errGet := c.getJSON(ctx, "/v1/subscriptions", query, &result); errGet != nil {
			return nil, errGet
		}
		all = append(all, result.Subscriptions...)
		if !result.HasMore {
			return all, nil
		}
		page++
	}
}

// GetUsage fetches the units the provider has recorded for a subscription
// item in [from, to).
func (c *Client) GetUsage(ctx context.Context, itemRef string, from, to time.Time) (int64, error) {
	var result struct {
		Quantity int64 `json:"quantity"`
	}
	path := "/v1/subscription-items/" + url.PathEscape(itemRef) + "/usage"
	query := url.Values{
		"from": {from.UTC().Format(time.RFC3339)},
		"to":   {to.UTC().Format(time.RFC3339)},
	}
	if errGet := c.getJSON(ctx, path, query, &result); errGet != nil {
		return 0, errGet
	}
	return result.Quantity, nil
}

// getJSON performs one authenticated GET and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) (err error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, errReq := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if errReq != nil {
		return fmt.Errorf("failed to create request: %w", errReq)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		return fmt.Errorf("failed to call billing provider: %w", errDo)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			if err == nil {
				err = fmt.Errorf("failed to close response body: %w", errClose)
			}
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("billing provider returned status %d for %s", resp.StatusCode, path)
	}

	if errDecode := json.NewDecoder(resp.Body).Decode(out); errDecode != nil {
		return fmt.Errorf("failed to decode response: %w", errDecode)
	}
	return nil
}
