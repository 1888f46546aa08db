// Package adapter holds the default upstream collaborators of the pool:
// the token exchanger (Social and IdC refresh) and the usage client.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/credential-pool/internal/circuitbreaker"
	"github.com/credential-pool/internal/config"
	"github.com/credential-pool/internal/retry"
)

// ErrCredentialRejected is wrapped by errors caused by the credential itself
// (revoked or invalid refresh token, expired access token). Such errors are not
// retried and do not count against the endpoint's circuit breaker.
var ErrCredentialRejected = errors.New("credential rejected by upstream")

const maxErrorBody = 512

// StatusError is a non-2xx upstream response
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Unwrap maps 400/401/403 to ErrCredentialRejected
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return ErrCredentialRejected
	}
	return nil
}

func newStatusError(endpoint string, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

// isRetryable retries network errors, 429 and 5xx, never rejections or an open breaker
func isRetryable(err error) bool {
	if errors.Is(err, ErrCredentialRejected) ||
		errors.Is(err, circuitbreaker.ErrCircuitOpen) ||
		errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	return true
}

// isEndpointFailure decides what counts against a breaker
func isEndpointFailure(err error) bool {
	return !errors.Is(err, ErrCredentialRejected)
}

// Limiter admits one upstream call per Wait. *rate.Limiter and *ratelimit.Limiter satisfy it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// regionURL fills the {region} placeholder
func regionURL(template, region string) string {
	return strings.ReplaceAll(template, "{region}", region)
}

// NewBreakers creates the breaker manager shared by the upstream clients
func NewBreakers() *circuitbreaker.Manager {
	return circuitbreaker.NewManager(func(name string) *circuitbreaker.Config {
		cfg := circuitbreaker.DefaultConfig(name)
		cfg.IsFailure = isEndpointFailure
		return cfg
	})
}

func retryConfig(cfg *config.UpstreamConfig) *retry.RetryConfig {
	rc := retry.DefaultRetryConfig()
	rc.MaxAttempts = cfg.MaxRetries + 1
	rc.ShouldRetry = isRetryable
	return rc
}
