/**
 * @description
 * Client for the billing-service internal endpoints the scheduler triggers.
 */
package billingclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ReconcileSummary is the billing-service response to a usage reconcile run.
type ReconcileSummary struct {
	Processed       int `json:"processed"`
	Errors          int `json:"errors"`
	Skipped         int `json:"skipped"`
	InvoicesCreated int `json:"invoices_created"`
}

// SweepSummary is the billing-service response to an unbilled-postcard sweep.
type SweepSummary struct {
	Scanned int `json:"scanned"`
	Billed  int `json:"billed"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// Client provides methods to interact with the billing-service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new billing-service client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// ReconcileUsage triggers the usage reconciler.
func (c *Client) ReconcileUsage(ctx context.Context) (*ReconcileSummary, error) {
	var out ReconcileSummary
	if err := c.post(ctx, "/internal/billing/usage/reconcile", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SweepUnbilledPostcards triggers billing of postcards the monitor missed.
func (c *Client) SweepUnbilledPostcards(ctx context.Context) (*SweepSummary, error) {
	var out SweepSummary
	if err := c.post(ctx, "/internal/billing/postcards/sweep", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, target interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("billing service base URL is not configured")
	}

	url := fmt.Sprintf("%s%s", c.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer([]byte("{}")))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("billing service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if target != nil && len(body) > 0 {
		if err := json.Unmarshal(body, target); err != nil {
			return fmt.Errorf("failed to decode billing service response: %w", err)
		}
	}
	return nil
}
