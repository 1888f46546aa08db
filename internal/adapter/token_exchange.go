package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/credential-pool/internal/circuitbreaker"
	"github.com/credential-pool/internal/config"
	"github.com/credential-pool/internal/logging"
	"github.com/credential-pool/internal/retry"
	"github.com/credential-pool/internal/types"
)

const (
	breakerSocial = "token_exchange.social"
	breakerIdC    = "token_exchange.idc"
)

// TokenExchanger refreshes access tokens against the upstream auth endpoints.
// Social credentials use a JSON refresh call, IdC credentials an OAuth2
// refresh_token grant with their client id and secret.
type TokenExchanger struct {
	socialURL     string
	idcURL        string
	defaultRegion string
	client        *http.Client
	breakers      *circuitbreaker.Manager
	retry         *retry.RetryConfig
	limiter       Limiter
}

// NewTokenExchanger creates a token exchanger
func NewTokenExchanger(cfg *config.UpstreamConfig, client *http.Client, breakers *circuitbreaker.Manager) *TokenExchanger {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if breakers == nil {
		breakers = NewBreakers()
	}
	return &TokenExchanger{
		socialURL:     cfg.SocialRefreshURL,
		idcURL:        cfg.IdCTokenURL,
		defaultRegion: cfg.Region,
		client:        client,
		breakers:      breakers,
		retry:         retryConfig(cfg),
	}
}

// SetLimiter makes every exchange attempt wait for l first
func (e *TokenExchanger) SetLimiter(l Limiter) {
	e.limiter = l
}

// Refresh exchanges the refresh token in req for a new access token
func (e *TokenExchanger) Refresh(ctx context.Context, req *types.RefreshRequest) (*types.RefreshedToken, error) {
	region := req.Region
	if region == "" {
		region = e.defaultRegion
	}

	var (
		name string
		call func(ctx context.Context) (*types.RefreshedToken, error)
	)
	switch req.AuthMethod {
	case types.AuthMethodIdC:
		name = breakerIdC
		call = func(ctx context.Context) (*types.RefreshedToken, error) {
			return e.refreshIdC(ctx, regionURL(e.idcURL, region), req)
		}
	case types.AuthMethodSocial, "":
		name = breakerSocial
		call = func(ctx context.Context) (*types.RefreshedToken, error) {
			return e.refreshSocial(ctx, regionURL(e.socialURL, region), req)
		}
	default:
		return nil, fmt.Errorf("unsupported auth method %q", req.AuthMethod)
	}

	logger := logging.FromContext(ctx).WithCredential(req.CredentialID).WithField("endpoint", name)
	breaker := e.breakers.Get(name)

	var out *types.RefreshedToken
	err := retry.Do(ctx, e.retry, func(ctx context.Context, attempt int) error {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return breaker.Execute(ctx, func(ctx context.Context) error {
			token, err := call(ctx)
			if err != nil {
				return err
			}
			out = token
			return nil
		})
	})
	if err != nil {
		logger.WithError(err).WithField("refreshToken", logging.Redact(req.RefreshToken)).Debug("token exchange failed")
		return nil, err
	}
	return out, nil
}

type socialRefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type socialRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ProfileARN   string `json:"profileArn,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

func (e *TokenExchanger) refreshSocial(ctx context.Context, url string, req *types.RefreshRequest) (*types.RefreshedToken, error) {
	body, err := json.Marshal(socialRefreshRequest{RefreshToken: req.RefreshToken})
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build refresh request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError("social refresh", resp)
	}

	var payload socialRefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("refresh response has no access token")
	}

	out := &types.RefreshedToken{
		AccessToken: payload.AccessToken,
		ProfileARN:  payload.ProfileARN,
	}
	if payload.RefreshToken != "" && payload.RefreshToken != req.RefreshToken {
		out.RefreshToken = payload.RefreshToken
	}
	if payload.ExpiresIn > 0 {
		exp := time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second).UTC()
		out.ExpiresAt = &exp
	}
	return out, nil
}

func (e *TokenExchanger) refreshIdC(ctx context.Context, url string, req *types.RefreshRequest) (*types.RefreshedToken, error) {
	conf := &oauth2.Config{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  url,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	// an already expired token forces the token source to use the refresh token
	expired := &oauth2.Token{
		RefreshToken: req.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)

	token, err := conf.TokenSource(ctx, expired).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if stderrors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			return nil, &StatusError{
				Endpoint:   "idc token",
				StatusCode: retrieveErr.Response.StatusCode,
				Body:       truncate(string(retrieveErr.Body)),
			}
		}
		return nil, fmt.Errorf("idc token request failed: %w", err)
	}

	out := &types.RefreshedToken{AccessToken: token.AccessToken}
	if token.RefreshToken != "" && token.RefreshToken != req.RefreshToken {
		out.RefreshToken = token.RefreshToken
	}
	if !token.Expiry.IsZero() {
		exp := token.Expiry.UTC()
		out.ExpiresAt = &exp
	}
	return out, nil
}

func truncate(s string) string {
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}
