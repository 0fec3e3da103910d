/**
 * @description
 * Client for the Hookdeck REST API, used to create the per-profile
 * connection that relays ActBlue webhooks to the intake-service, protect its
 * source with Basic-Auth and delete it again.
 */
package hookdeckclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/thankdonors/backend/account-service/internal/domain"
)

const DefaultBaseURL = "https://api.hookdeck.com/2024-03-01"

// APIError is a non-2xx response from Hookdeck.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hookdeck API error: status %d, body: %s", e.StatusCode, e.Body)
}

// Client is a client for the Hookdeck API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new Hookdeck API client. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type createConnectionRequest struct {
	Name        string           `json:"name"`
	Source      sourceInput      `json:"source"`
	Destination destinationInput `json:"destination"`
}

type sourceInput struct {
	Name string `json:"name"`
}

type destinationInput struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type connectionResponse struct {
	ID     string `json:"id"`
	Source struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	} `json:"source"`
}

// CreateConnection creates a source and destination pair in one call.
func (c *Client) CreateConnection(ctx context.Context, req domain.ConnectionRequest) (*domain.RoutingConnection, error) {
	body := createConnectionRequest{
		Name:   req.Name,
		Source: sourceInput{Name: req.SourceName},
		Destination: destinationInput{
			Name: req.DestinationName,
			URL:  req.DestinationURL,
		},
	}

	var resp connectionResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/connections", body, &resp); err != nil {
		return nil, err
	}
	return &domain.RoutingConnection{
		ConnectionID: resp.ID,
		SourceID:     resp.Source.ID,
		SourceURL:    resp.Source.URL,
	}, nil
}

type sourceVerification struct {
	Verification struct {
		Type    string `json:"type"`
		Configs struct {
			Username string `json:"username"`
			Password string `json:"password"`
		} `json:"configs"`
	} `json:"verification"`
}

// SetSourceBasicAuth requires Basic-Auth on every request the source receives.
func (c *Client) SetSourceBasicAuth(ctx context.Context, sourceID, username, password string) error {
	var body sourceVerification
	body.Verification.Type = "basic_auth"
	body.Verification.Configs.Username = username
	body.Verification.Configs.Password = password

	return c.do(ctx, http.MethodPut, fmt.Sprintf("%s/sources/%s", c.baseURL, sourceID), body, nil)
}

// Source is a Hookdeck source as returned by the API.
type Source struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	URL        string     `json:"url"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
}

// GetSource fetches one source. A missing source yields domain.ErrRoutingSourceNotFound.
func (c *Client) GetSource(ctx context.Context, sourceID string) (*Source, error) {
	var src Source
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/sources/%s", c.baseURL, sourceID), nil, &src)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, domain.ErrRoutingSourceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// DeleteSource deletes a source. A missing source yields domain.ErrRoutingSourceNotFound.
func (c *Client) DeleteSource(ctx context.Context, sourceID string) error {
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/sources/%s", c.baseURL, sourceID), nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return domain.ErrRoutingSourceNotFound
	}
	return err
}

// do is a helper function to make HTTP requests to the Hookdeck API.
func (c *Client) do(ctx context.Context, method, url string, body, target interface{}) error {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log.Printf("Making Hookdeck API request: %s %s", method, url)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if target != nil {
		if err := json.Unmarshal(respBody, target); err != nil {
			return fmt.Errorf("failed to unmarshal response body: %w", err)
		}
	}
	return nil
}
