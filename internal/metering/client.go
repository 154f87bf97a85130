// Package metering talks to the entitlement service that counts billable usage.
package metering

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// EventScan is tracked once for every receipt that is successfully extracted
const EventScan = "scan"

const defaultBaseURL = "https://api.schematichq.com"

// Error is returned when the entitlement service rejects a call
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("metering: status %d: %s", e.StatusCode, e.Message)
}

// Client sends usage events and issues billing UI tokens
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client. An empty apiKey disables every call.
func NewClient(apiKey, baseURL string, logger *slog.Logger) *Client {
	return NewClientWithHTTP(apiKey, baseURL, &http.Client{Timeout: 15 * time.Second}, logger)
}

// NewClientWithHTTP creates a Client with a custom HTTP client for testing
func NewClientWithHTTP(apiKey, baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Enabled reports whether an API key is configured
func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

type lookup struct {
	ID string `json:"id"`
}

type trackBody struct {
	Event   string `json:"event"`
	Company lookup `json:"company"`
	User    lookup `json:"user"`
}

type eventRequest struct {
	EventType string    `json:"event_type"`
	Body      trackBody `json:"body"`
}

// Track records one usage event attributed to a company and user
func (c *Client) Track(ctx context.Context, event, companyID, userID string) error {
	if !c.Enabled() {
		c.logger.Debug("Metering disabled, dropping event", "event", event, "user_id", userID)
		return nil
	}

	_, err := c.post(ctx, "/events", eventRequest{
		EventType: "track",
		Body: trackBody{
			Event:   event,
			Company: lookup{ID: companyID},
			User:    lookup{ID: userID},
		},
	})
	if err != nil {
		return fmt.Errorf("tracking %s event: %w", event, err)
	}
	return nil
}

type accessTokenRequest struct {
	ResourceType string `json:"resource_type"`
	Lookup       lookup `json:"lookup"`
}

// IssueTemporaryAccessToken returns a short-lived token for the embedded billing UI.
// It returns an empty token when metering is disabled.
func (c *Client) IssueTemporaryAccessToken(ctx context.Context, resourceType, id string) (string, error) {
	if !c.Enabled() {
		return "", nil
	}

	raw, err := c.post(ctx, "/temporary-access-tokens", accessTokenRequest{
		ResourceType: resourceType,
		Lookup:       lookup{ID: id},
	})
	if err != nil {
		return "", fmt.Errorf("issuing access token: %w", err)
	}

	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decoding access token response: %w", err)
	}
	return resp.Data.Token, nil
}

func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	bs, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bs))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Schematic-Api-Key", c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	c.logger.Debug("Metering response",
		"path", path,
		"status", resp.StatusCode,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		return raw, &Error{StatusCode: resp.StatusCode, Message: string(raw)}
	}
	return raw, nil
}
