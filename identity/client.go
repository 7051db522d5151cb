// Package identity calls the external identity provider that verifies
// agent tokens. The gateway never inspects tokens itself.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gaslend/auth"
)

// Config defines the HTTP client settings for the identity provider.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client resolves agent identities from bearer tokens.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient constructs a client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("identity: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Verify posts the agent token for verification and returns the resolved
// identity. Implements auth.Verifier.
func (c *Client) Verify(ctx context.Context, token string) (*auth.Verification, error) {
	if c == nil {
		return nil, fmt.Errorf("identity: client not configured")
	}
	body, err := json.Marshal(struct {
		Token string `json:"token"`
	}{Token: token})
	if err != nil {
		return nil, fmt.Errorf("identity: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("identity: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: unexpected status %d", resp.StatusCode)
	}
	var payload struct {
		Valid     bool   `json:"valid"`
		AgentID   string `json:"agentId"`
		AgentName string `json:"agentName"`
		Karma     int64  `json:"karma"`
		Error     string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("identity: decode: %w", err)
	}
	return &auth.Verification{
		Valid:     payload.Valid,
		AgentID:   strings.TrimSpace(payload.AgentID),
		AgentName: strings.TrimSpace(payload.AgentName),
		Karma:     payload.Karma,
		Message:   strings.TrimSpace(payload.Error),
	}, nil
}
