package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/credential-pool/internal/circuitbreaker"
	"github.com/credential-pool/internal/config"
	"github.com/credential-pool/internal/errors"
	"github.com/credential-pool/internal/retry"
	"github.com/credential-pool/internal/types"
)

const breakerUsage = "usage"

// UsageClient queries the upstream usage limits of a credential.
// Calls are throttled by a local token bucket shared by all credentials and,
// when set, by a cross-process budget.
type UsageClient struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	budget   Limiter
	breaker  *circuitbreaker.CircuitBreaker
	retry    *retry.RetryConfig
}

// NewUsageClient creates a usage client
func NewUsageClient(cfg *config.UpstreamConfig, client *http.Client, breakers *circuitbreaker.Manager) *UsageClient {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if breakers == nil {
		breakers = NewBreakers()
	}
	rps := cfg.UsageRPS
	if rps <= 0 {
		rps = 1
	}
	return &UsageClient{
		endpoint: regionURL(cfg.UsageURL, cfg.Region),
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		breaker:  breakers.Get(breakerUsage),
		retry:    retryConfig(cfg),
	}
}

// SetLimiter adds a second limiter every call waits for after the local bucket
func (c *UsageClient) SetLimiter(l Limiter) {
	c.budget = l
}

type usageLimitsResponse struct {
	NextDateReset    float64 `json:"nextDateReset,omitempty"`
	SubscriptionInfo struct {
		SubscriptionTitle string `json:"subscriptionTitle"`
	} `json:"subscriptionInfo"`
	UsageBreakdownList []struct {
		CurrentUsage float64 `json:"currentUsage"`
		UsageLimit   float64 `json:"usageLimit"`
	} `json:"usageBreakdownList"`
}

// GetUsage returns the usage report for the account behind accessToken.
// Every failure is an UPSTREAM_ERROR.
func (c *UsageClient) GetUsage(ctx context.Context, accessToken string) (*types.Usage, error) {
	var usage *types.Usage
	err := retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if c.budget != nil {
			if err := c.budget.Wait(ctx); err != nil {
				return err
			}
		}
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			u, err := c.fetch(ctx, accessToken)
			if err != nil {
				return err
			}
			usage = u
			return nil
		})
	})
	if err != nil {
		return nil, errors.NewUpstreamError("getUsage", err)
	}
	return usage, nil
}

func (c *UsageClient) fetch(ctx context.Context, accessToken string) (*types.Usage, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid usage endpoint: %w", err)
	}
	q := u.Query()
	q.Set("origin", "AI_EDITOR")
	q.Set("resourceType", "AGENTIC_REQUEST")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError("usage", resp)
	}

	var payload usageLimitsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode usage response: %w", err)
	}

	usage := &types.Usage{
		SubscriptionTitle: payload.SubscriptionInfo.SubscriptionTitle,
	}
	for _, b := range payload.UsageBreakdownList {
		usage.CurrentUsage += b.CurrentUsage
		usage.UsageLimit += b.UsageLimit
	}
	if payload.NextDateReset > 0 {
		reset := time.Unix(int64(payload.NextDateReset), 0).UTC()
		usage.NextResetAt = &reset
	}
	return usage, nil
}
