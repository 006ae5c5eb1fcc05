package kumo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openkumo/kumo-core/internal/infrastructure/config"
	"github.com/openkumo/kumo-core/internal/infrastructure/logging"
)

// Client tuning constants.
const (
	// apiVersion is the path prefix for every endpoint.
	apiVersion = "v3"

	// appVersion is sent as x-app-version; the cloud rejects requests
	// without a plausible app version header.
	appVersion = "3.0.3"

	// requestTimeout bounds each HTTP round trip.
	requestTimeout = 30 * time.Second

	// rateLimitRetries is the attempt budget when the server returns 429
	// despite our own limiter.
	rateLimitRetries = 3

	// rateLimitRetryDelay is the initial wait after a 429; it doubles per
	// attempt. The server's window is long, so the delay is too.
	rateLimitRetryDelay = 60 * time.Second

	// maxResponseBytes caps how much of a response body we will read.
	maxResponseBytes = 1 << 20
)

// Client is the authenticated Kumo Cloud API client.
//
// Every call waits for a slot on the shared Limiter before touching the
// network. Authentication failures trigger exactly one token rotation
// and one retry of the original request; a second failure is returned
// as ErrAuth.
type Client struct {
	baseURL  string
	username string
	password string

	http    *http.Client
	limiter *Limiter
	tokens  *TokenManager
	logger  *logging.Logger

	// rateDelay is the initial 429 backoff. Defaults to
	// rateLimitRetryDelay; see SetRateLimitRetryDelay.
	rateDelay time.Duration
}

// NewClient creates a Client and binds it to the token manager as its
// authenticator.
func NewClient(cfg config.CloudConfig, limiter *Limiter, tokens *TokenManager, logger *logging.Logger) *Client {
	c := &Client{
		baseURL:   cfg.BaseURL,
		username:  cfg.Username,
		password:  cfg.Password,
		http:      &http.Client{Timeout: requestTimeout},
		limiter:   limiter,
		tokens:    tokens,
		logger:    logger.With("component", "kumo_client"),
		rateDelay: rateLimitRetryDelay,
	}
	tokens.Bind(c)
	return c
}

// SetRateLimitRetryDelay overrides the initial wait after a 429
// response. Non-positive values are ignored. Call before the first
// request; the delay is read without synchronisation.
func (c *Client) SetRateLimitRetryDelay(d time.Duration) {
	if d > 0 {
		c.rateDelay = d
	}
}

// Login exchanges the configured credentials for a token pair.
// Implements Authenticator.
func (c *Client) Login(ctx context.Context) (string, string, error) {
	body := map[string]any{
		"username":   c.username,
		"password":   c.password,
		"appVersion": appVersion,
	}

	var result loginResponse
	if err := c.postAuth(ctx, "/login", body, &result); err != nil {
		return "", "", err
	}
	if result.Token.Access == "" {
		return "", "", fmt.Errorf("login response missing token: %w", ErrAuth)
	}

	c.logger.Info("logged in to cloud")
	return result.Token.Access, result.Token.Refresh, nil
}

// RefreshTokens exchanges a refresh token for a new pair.
// Implements Authenticator.
func (c *Client) RefreshTokens(ctx context.Context, refreshToken string) (string, string, error) {
	body := map[string]any{"refresh": refreshToken}

	var result tokenPair
	if err := c.postAuth(ctx, "/refresh", body, &result); err != nil {
		return "", "", err
	}
	if result.Access == "" {
		return "", "", fmt.Errorf("refresh response missing token: %w", ErrAuth)
	}

	return result.Access, result.Refresh, nil
}

// Sites lists the sites on the account.
func (c *Client) Sites(ctx context.Context) ([]Site, error) {
	var sites []Site
	if err := c.request(ctx, http.MethodGet, "/sites/", nil, &sites); err != nil {
		return nil, err
	}
	return sites, nil
}

// SiteZones lists the zones of a site, each with its adapter state as
// reported at list time.
func (c *Client) SiteZones(ctx context.Context, siteID string) ([]Zone, error) {
	var zones []Zone
	endpoint := fmt.Sprintf("/sites/%s/zones", siteID)
	if err := c.request(ctx, http.MethodGet, endpoint, nil, &zones); err != nil {
		return nil, err
	}
	return zones, nil
}

// DeviceDetails fetches the current attribute map for one device.
func (c *Client) DeviceDetails(ctx context.Context, serial string) (DeviceState, error) {
	var state DeviceState
	endpoint := fmt.Sprintf("/devices/%s", serial)
	if err := c.request(ctx, http.MethodGet, endpoint, nil, &state); err != nil {
		return nil, err
	}
	return state, nil
}

// DeviceProfile fetches a device's capability profile. The endpoint
// returns a list; only the first entry is meaningful.
func (c *Client) DeviceProfile(ctx context.Context, serial string) (*DeviceProfile, error) {
	var profiles []DeviceProfile
	endpoint := fmt.Sprintf("/devices/%s/profile", serial)
	if err := c.request(ctx, http.MethodGet, endpoint, nil, &profiles); err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("empty profile for device %s: %w", serial, ErrConnection)
	}
	return &profiles[0], nil
}

// SendCommand issues a command to a device. The cloud acknowledges
// asynchronously; a nil error means the command was accepted, not that
// the device has applied it.
func (c *Client) SendCommand(ctx context.Context, serial string, commands Commands) error {
	body := commandRequest{DeviceSerial: serial, Commands: commands}
	return c.request(ctx, http.MethodPost, "/devices/send-command", body, nil)
}

// request performs one authenticated call with the bounded
// refresh-and-retry cycle.
func (c *Client) request(ctx context.Context, method, endpoint string, body, out any) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	err = c.do(ctx, method, endpoint, token, body, out)
	if err == nil || !errors.Is(err, ErrAuth) {
		return err
	}

	// One rotation, one retry. A second auth failure falls through
	// untouched and is terminal for this operation.
	token, rerr := c.tokens.Rotate(ctx, token)
	if rerr != nil {
		return fmt.Errorf("token rotation failed: %w", ErrAuth)
	}

	c.logger.Debug("retrying after token rotation", "endpoint", endpoint)
	return c.do(ctx, method, endpoint, token, body, out)
}

// do performs a single authenticated call, retrying only server-side
// rate limiting. Each attempt takes its own limiter slot.
func (c *Client) do(ctx context.Context, method, endpoint, token string, body, out any) error {
	delay := c.rateDelay

	for attempt := 1; attempt <= rateLimitRetries; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return err
		}

		status, data, err := c.roundTrip(ctx, method, endpoint, token, body)
		if err != nil {
			return err
		}

		if status == http.StatusTooManyRequests {
			if attempt == rateLimitRetries {
				return &APIError{StatusCode: status, Endpoint: endpoint, Sentinel: ErrRateLimited}
			}
			c.logger.Warn("server rate limited, backing off",
				"endpoint", endpoint,
				"delay", delay,
				"attempt", attempt,
			)
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
			delay *= 2
			continue
		}

		if status < 200 || status > 299 {
			return &APIError{StatusCode: status, Endpoint: endpoint, Sentinel: classifyStatus(status)}
		}

		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decoding %s response: %w", endpoint, ErrConnection)
			}
		}
		return nil
	}

	return &APIError{StatusCode: http.StatusTooManyRequests, Endpoint: endpoint, Sentinel: ErrRateLimited}
}

// postAuth performs an unauthenticated auth-endpoint call. Auth calls
// still take a limiter slot; nothing bypasses the limiter.
func (c *Client) postAuth(ctx context.Context, endpoint string, body, out any) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return err
	}

	status, data, err := c.roundTrip(ctx, http.MethodPost, endpoint, "", body)
	if err != nil {
		return err
	}

	switch {
	case status == 401 || status == 403:
		return &APIError{StatusCode: status, Endpoint: endpoint, Sentinel: ErrAuth}
	case status < 200 || status > 299:
		return &APIError{StatusCode: status, Endpoint: endpoint, Sentinel: classifyStatus(status)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding %s response: %w", endpoint, ErrConnection)
		}
	}
	return nil
}

// roundTrip executes one HTTP exchange and returns status plus body.
// Transport-level failures come back wrapped in ErrConnection.
func (c *Client) roundTrip(ctx context.Context, method, endpoint, token string, body any) (int, []byte, error) {
	url := fmt.Sprintf("%s/%s%s", c.baseURL, apiVersion, endpoint)

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("x-app-version", appVersion)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, fmt.Errorf("%s %s: %w", method, endpoint, ErrConnection)
	}
	defer resp.Body.Close() //nolint:errcheck // Best effort close

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("reading %s response: %w", endpoint, ErrConnection)
	}

	return resp.StatusCode, data, nil
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
