package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for reaching a relay.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	APIKey  string // Optional bearer token for a gateway in front of the relay
	Account string // Default account for history lookups, e.g. "0x..."
}

// RelayClient is a pure HTTP client for the relay API.
type RelayClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewRelayClient creates a new client. Claims block until the withdrawal
// confirms, so the timeout is generous.
func NewRelayClient(cfg Config) *RelayClient {
	return &RelayClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 3 * time.Minute,
		},
	}
}

// apiError represents an error response from the relay.
type apiError struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the relay and returns the response body.
func (c *RelayClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			code := apiErr.Code
			if code == "" {
				code = apiErr.Error
			}
			if code != "" {
				return nil, fmt.Errorf("API error (%d, %s): %s", resp.StatusCode, code, apiErr.Message)
			}
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// Relay submits a preimage for a contract and waits for the settlement result.
func (c *RelayClient) Relay(ctx context.Context, contractID, preimage string) (json.RawMessage, error) {
	body := map[string]string{
		"kind":       "relay_request",
		"contractId": contractID,
		"preimage":   preimage,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/relay", nil, body)
}

// Transactions returns the derived history of account. An empty account uses
// the configured default.
func (c *RelayClient) Transactions(ctx context.Context, account string, reclaimableOnly bool) (json.RawMessage, error) {
	if account == "" {
		account = c.cfg.Account
	}
	if account == "" {
		return nil, fmt.Errorf("no account given and no default configured")
	}
	var q url.Values
	if reclaimableOnly {
		q = url.Values{"reclaimable": {"true"}}
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(account)+"/transactions", q, nil)
}

// Snapshot returns the coordinator's pending set and recent activity.
func (c *RelayClient) Snapshot(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/relay/snapshot", nil, nil)
}

// Dashboard returns the operator view.
func (c *RelayClient) Dashboard(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/dashboard", nil, nil)
}

// Info returns relay identity and indexer progress.
func (c *RelayClient) Info(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/info", nil, nil)
}
