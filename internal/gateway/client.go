package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"broker-sync-go/internal/config"
)

const (
	authTokenHeader = "auth-token"

	// Lifecycle and connectivity states reported by the account-state query.
	StateDeployed   = "DEPLOYED"
	StatusConnected = "CONNECTED"

	// Position and deal classifications reported by the client API.
	PositionTypeBuy  = "POSITION_TYPE_BUY"
	PositionTypeSell = "POSITION_TYPE_SELL"
	DealTypeBuy      = "DEAL_TYPE_BUY"
	DealTypeSell     = "DEAL_TYPE_SELL"
	DealEntryIn      = "DEAL_ENTRY_IN"
	DealEntryOut     = "DEAL_ENTRY_OUT"
)

// CreateAccountRequest describes the account shadow to provision. Password
// is the read-only investor credential; the trading password is never
// accepted here.
type CreateAccountRequest struct {
	Name     string `json:"name"`
	Login    string `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
	Platform string `json:"platform"`
}

// AccountState is the gateway's answer to the account-state query.
type AccountState struct {
	State            string `json:"state"`
	ConnectionStatus string `json:"connectionStatus"`
	Region           string `json:"region"`
}

// AccountInformation is the live account summary from the client API.
type AccountInformation struct {
	Balance  float64 `json:"balance"`
	Equity   float64 `json:"equity"`
	Currency string  `json:"currency"`
}

// Position is one currently open exposure reported by the client API.
type Position struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Type         string    `json:"type"`
	Volume       float64   `json:"volume"`
	OpenPrice    float64   `json:"openPrice"`
	CurrentPrice float64   `json:"currentPrice"`
	Profit       float64   `json:"profit"`
	Time         time.Time `json:"time"`
}

// Deal is one execution record from the client API's deal history.
type Deal struct {
	ID         string    `json:"id"`
	PositionID string    `json:"positionId"`
	Type       string    `json:"type"`
	EntryType  string    `json:"entryType"`
	Symbol     string    `json:"symbol"`
	Volume     float64   `json:"volume"`
	Price      float64   `json:"price"`
	Profit     float64   `json:"profit"`
	Time       time.Time `json:"time"`
}

// ClientInterface defines the interface for the brokerage gateway client.
type ClientInterface interface {
	CreateAccount(ctx context.Context, req CreateAccountRequest) (string, error)
	DeployAccount(ctx context.Context, accountID string) error
	GetAccountState(ctx context.Context, accountID string) (*AccountState, error)
	GetAccountInformation(ctx context.Context, region, accountID string) (*AccountInformation, error)
	GetPositions(ctx context.Context, region, accountID string) ([]Position, error)
	GetDeals(ctx context.Context, region, accountID string, from, to time.Time) ([]Deal, error)
}

// Client is a client for the brokerage gateway REST API. The provisioning
// API lives at a fixed base URL; the data endpoints are region-scoped, with
// the endpoint composed from the region returned by the state query.
// It implements the ClientInterface.
type Client struct {
	client      *resty.Client
	urlTemplate string
	token       string
	logger      *zap.Logger
	limiter     *rate.Limiter
}

// ensure Client implements the interface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a new brokerage gateway client.
func NewClient(cfg *config.Gateway, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(cfg.ProvisioningURL).
		SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &Client{
		client:      client,
		urlTemplate: cfg.ClientURLTemplate,
		token:       cfg.Token,
		logger:      logger,
		limiter:     limiter,
	}
}

// clientURL composes the region-scoped data endpoint for an account.
func (c *Client) clientURL(region, accountID string) string {
	return fmt.Sprintf(c.urlTemplate, region) + "/users/current/accounts/" + accountID
}

// doRequest handles the actual request execution with rate limiting and
// retry logic. On a final failure the response, if any, is returned
// alongside the error so callers can classify the status code.
func (c *Client) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	if c.token == "" {
		return nil, ErrNotConfigured
	}
	req.SetHeader(authTokenHeader, c.token)
	req.SetContext(ctx)

	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing gateway request", zap.String("method", method), zap.String("url", url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil && err == nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return resp, fmt.Errorf("gateway request failed with status %s", resp.Status())
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Gateway request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return resp, fmt.Errorf("gateway request failed after %d attempts: %w", maxRetries, err)
}

// decode unmarshals a gateway response body. The gateway occasionally
// serves non-JSON bodies; those surface as ErrMalformedResponse so no
// untyped data flows past this boundary.
func decode(resp *resty.Response, v any) error {
	if err := json.Unmarshal(resp.Body(), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// CreateAccount provisions a cloud shadow of a brokerage account bound to
// the given login, server and platform. The gateway deploys it
// asynchronously; completion is observed through GetAccountState, not
// awaited here. A 4xx rejection is reported as a ProvisionError with
// remediation text instead of the raw gateway message.
func (c *Client) CreateAccount(ctx context.Context, reqBody CreateAccountRequest) (string, error) {
	type createAccountResponse struct {
		ID string `json:"id"`
	}

	req := c.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody)

	resp, err := c.doRequest(ctx, "POST", "/users/current/accounts", req)
	if err != nil {
		if resp != nil && resp.StatusCode() >= 400 && resp.StatusCode() < 500 {
			c.logger.Warn("Gateway rejected account provisioning",
				zap.Int("status", resp.StatusCode()),
				zap.String("login", reqBody.Login),
			)
			return "", &ProvisionError{
				Message: "the broker rejected this account: check the account number, investor password and server name",
			}
		}
		return "", fmt.Errorf("failed to provision account: %w", err)
	}

	var result createAccountResponse
	if err := decode(resp, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", fmt.Errorf("%w: provisioning response carried no account id", ErrMalformedResponse)
	}

	c.logger.Info("Provisioned remote account", zap.String("remote_account_id", result.ID))
	return result.ID, nil
}

// DeployAccount asks the gateway to deploy a provisioned account. The
// call is idempotent; re-issuing it for an already deploying or deployed
// account is harmless.
func (c *Client) DeployAccount(ctx context.Context, accountID string) error {
	req := c.client.R()

	if _, err := c.doRequest(ctx, "POST", "/users/current/accounts/"+accountID+"/deploy", req); err != nil {
		return fmt.Errorf("failed to deploy account %s: %w", accountID, err)
	}
	return nil
}

// GetAccountState queries the remote account's lifecycle state,
// connectivity state and region.
func (c *Client) GetAccountState(ctx context.Context, accountID string) (*AccountState, error) {
	req := c.client.R()

	resp, err := c.doRequest(ctx, "GET", "/users/current/accounts/"+accountID, req)
	if err != nil {
		return nil, fmt.Errorf("failed to query account state: %w", err)
	}

	var state AccountState
	if err := decode(resp, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// GetAccountInformation fetches the live balance and equity from the
// region-scoped client API.
func (c *Client) GetAccountInformation(ctx context.Context, region, accountID string) (*AccountInformation, error) {
	req := c.client.R()

	resp, err := c.doRequest(ctx, "GET", c.clientURL(region, accountID)+"/account-information", req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account information: %w", err)
	}

	var info AccountInformation
	if err := decode(resp, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetPositions fetches the account's currently open positions. The list
// is a complete snapshot of the remote account, not a delta.
func (c *Client) GetPositions(ctx context.Context, region, accountID string) ([]Position, error) {
	req := c.client.R()

	resp, err := c.doRequest(ctx, "GET", c.clientURL(region, accountID)+"/positions", req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch open positions: %w", err)
	}

	var positions []Position
	if err := decode(resp, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// GetDeals fetches the account's historical deals in the [from, to] window.
func (c *Client) GetDeals(ctx context.Context, region, accountID string, from, to time.Time) ([]Deal, error) {
	req := c.client.R()

	url := fmt.Sprintf("%s/history-deals/time/%s/%s",
		c.clientURL(region, accountID),
		from.UTC().Format(time.RFC3339),
		to.UTC().Format(time.RFC3339),
	)

	resp, err := c.doRequest(ctx, "GET", url, req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch deal history: %w", err)
	}

	var deals []Deal
	if err := decode(resp, &deals); err != nil {
		return nil, err
	}
	return deals, nil
}
