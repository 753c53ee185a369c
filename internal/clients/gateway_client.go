/**
 * Gateway Client - trusted intermediation boundary
 *
 * Cloud and HTR providers never hold provider credentials. Every call is an
 * {action, params} envelope posted to the gateway, which owns the API keys and
 * forwards to the real service. Requests carry a short-lived HS256 service
 * token so the gateway can tell which action the orchestrator asked for.
 *
 * HTTP failures are mapped onto the orchestrator's error codes:
 * - transport failure            -> SERVER_UNREACHABLE
 * - deadline / 408 / 504         -> NETWORK_TIMEOUT
 * - 429                          -> RATE_LIMITED
 * - 412 (provider not configured) -> CONFIGURATION_MISSING
 * - anything else                -> PROVIDER_FAILED (or the code the gateway returns)
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
	"github.com/adverant/nexus/ocr-orchestrator/internal/logging"
)

const (
	tokenIssuer   = "ocr-orchestrator"
	tokenLifetime = 60 * time.Second
)

// GatewayRequest is the envelope posted to the boundary
type GatewayRequest struct {
	Action string                 `json:"action"`
	Params map[string]interface{} `json:"params"`
}

// GatewayResponse is the boundary's reply. Data is provider-specific JSON.
type GatewayResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// GatewayClient handles communication with the trusted boundary
type GatewayClient struct {
	baseURL    string
	signingKey []byte
	httpClient *http.Client
	logger     *logging.Logger
}

// NewGatewayClient creates a new gateway client
func NewGatewayClient(baseURL string, signingKey string, timeout time.Duration) *GatewayClient {
	return &GatewayClient{
		baseURL:    baseURL,
		signingKey: []byte(signingKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logging.NewLogger("GatewayClient"),
	}
}

// Endpoint returns the boundary URL recorded in audit rows
func (c *GatewayClient) Endpoint() string {
	return c.baseURL
}

// Invoke posts one action for provider and returns the response data
func (c *GatewayClient) Invoke(ctx context.Context, provider string, action string, params map[string]interface{}) (json.RawMessage, error) {
	if c.baseURL == "" {
		return nil, ocrerrors.NewConfigurationMissingError(provider, "gateway URL")
	}

	reqBody, err := json.Marshal(&GatewayRequest{Action: action, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", tokenIssuer)
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("ocr-%d", time.Now().UnixNano()))

	if len(c.signingKey) > 0 {
		token, err := c.serviceToken(provider, action)
		if err != nil {
			return nil, fmt.Errorf("failed to sign service token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, provider, time.Since(start), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var gwResp GatewayResponse
	parseErr := json.Unmarshal(body, &gwResp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(provider, resp.StatusCode, gwResp, string(body))
	}

	if parseErr != nil {
		return nil, ocrerrors.NewProviderFailedError(provider, fmt.Errorf("failed to parse gateway response: %w", parseErr))
	}

	if !gwResp.Success {
		return nil, c.codedError(provider, gwResp)
	}

	c.logger.Debug("Gateway call complete",
		"provider", provider,
		"action", action,
		"duration", time.Since(start).String(),
		"bytes", len(body))

	return gwResp.Data, nil
}

// HealthCheck verifies the boundary is available
func (c *GatewayClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway health check returned status %d", resp.StatusCode)
	}

	return nil
}

func (c *GatewayClient) serviceToken(provider string, action string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   action,
		Audience:  jwt.ClaimStrings{provider},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		ID:        uuid.New().String(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.signingKey)
}

func (c *GatewayClient) transportError(ctx context.Context, provider string, elapsed time.Duration, err error) error {
	if stderrors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("gateway call abandoned: %w", ctx.Err())
	}

	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		return ocrerrors.NewNetworkTimeoutError(provider, elapsed, err)
	}

	return ocrerrors.NewServerUnreachableError(provider, c.baseURL, err)
}

func (c *GatewayClient) statusError(provider string, status int, gwResp GatewayResponse, body string) error {
	switch status {
	case http.StatusTooManyRequests:
		return ocrerrors.NewRateLimitedError(provider, "gateway")
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ocrerrors.NewNetworkTimeoutError(provider, c.httpClient.Timeout, fmt.Errorf("gateway returned status %d", status))
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return ocrerrors.NewServerUnreachableError(provider, c.baseURL, fmt.Errorf("gateway returned status %d", status))
	case http.StatusPreconditionFailed:
		return ocrerrors.NewConfigurationMissingError(provider, "credentials at gateway")
	}

	if gwResp.Code != "" {
		return c.codedError(provider, gwResp)
	}

	if len(body) > 512 {
		body = body[:512]
	}
	return ocrerrors.NewProviderFailedError(provider, fmt.Errorf("gateway returned error status %d: %s", status, body))
}

// codedError honours an error code chosen by the gateway
func (c *GatewayClient) codedError(provider string, gwResp GatewayResponse) error {
	msg := gwResp.Error
	if msg == "" {
		msg = "gateway operation failed"
	}

	switch ocrerrors.ErrorCode(gwResp.Code) {
	case ocrerrors.ErrorUnsupportedLanguage:
		return ocrerrors.NewUnsupportedLanguageError(provider, msg)
	case ocrerrors.ErrorRateLimited:
		return ocrerrors.NewRateLimitedError(provider, msg)
	case ocrerrors.ErrorConfigurationMissing:
		return ocrerrors.NewConfigurationMissingError(provider, msg)
	case ocrerrors.ErrorNetworkTimeout:
		return ocrerrors.NewNetworkTimeoutError(provider, c.httpClient.Timeout, fmt.Errorf("%s", msg))
	case ocrerrors.ErrorServerUnreachable:
		return ocrerrors.NewServerUnreachableError(provider, c.baseURL, fmt.Errorf("%s", msg))
	}

	return ocrerrors.NewProviderFailedError(provider, fmt.Errorf("%s", msg))
}
