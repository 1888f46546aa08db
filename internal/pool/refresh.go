package pool

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/credential-pool/internal/errors"
	"github.com/credential-pool/internal/logging"
	"github.com/credential-pool/internal/types"
)

// EnsureFresh returns a usable access token for id, refreshing it when needed.
// Concurrent callers for the same id share one token exchange.
func (p *Pool) EnsureFresh(ctx context.Context, id uint64) (*types.Token, error) {
	p.mu.RLock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.RUnlock()
		return nil, errors.NewNotFoundError(id)
	}
	if p.isFreshLocked(&e.cred) {
		token := tokenOf(&e.cred)
		p.mu.RUnlock()
		return token, nil
	}
	p.mu.RUnlock()

	return p.refresh(ctx, id)
}

// RefreshExpiring refreshes every enabled credential whose token is inside the refresh
// margin. Failures go through the usual failure path.
func (p *Pool) RefreshExpiring(ctx context.Context) (refreshed int, failed int) {
	p.mu.RLock()
	var due []uint64
	for id, e := range p.entries {
		if !e.cred.Disabled && !p.isFreshLocked(&e.cred) {
			due = append(due, id)
		}
	}
	p.mu.RUnlock()

	for _, id := range due {
		if ctx.Err() != nil {
			break
		}
		if _, err := p.refresh(ctx, id); err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			failed++
			continue
		}
		refreshed++
	}
	return refreshed, failed
}

// refresh joins or starts the single in-flight exchange for id. A caller that gives up
// gets ctx.Err() while the exchange runs to completion for the others.
func (p *Pool) refresh(ctx context.Context, id uint64) (*types.Token, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := p.flights.DoChan(strconv.FormatUint(id, 10), func() (interface{}, error) {
		return p.doRefresh(flightCtx, id)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.Token), nil
	}
}

func (p *Pool) doRefresh(ctx context.Context, id uint64) (*types.Token, error) {
	p.mu.RLock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.RUnlock()
		return nil, errors.NewNotFoundError(id)
	}
	// a flight that finished just before this one already did the work
	if p.isFreshLocked(&e.cred) {
		token := tokenOf(&e.cred)
		p.mu.RUnlock()
		return token, nil
	}
	req := &types.RefreshRequest{
		CredentialID: id,
		RefreshToken: e.cred.Tokens.RefreshToken,
		AuthMethod:   e.cred.AuthMethod,
		ClientID:     e.cred.ClientID,
		ClientSecret: e.cred.ClientSecret,
		Region:       p.regionOf(&e.cred),
	}
	p.mu.RUnlock()

	logger := logging.FromContext(ctx).WithCredential(id).WithField("authMethod", string(req.AuthMethod))

	exchangeCtx, cancel := context.WithTimeout(ctx, p.refreshTimeout)
	defer cancel()

	start := time.Now()
	res, err := p.exchanger.Refresh(exchangeCtx, req)
	if err == nil && (res == nil || res.AccessToken == "") {
		err = fmt.Errorf("token exchange returned no access token")
	}
	if err != nil {
		logger.WithError(err).Warn("token refresh failed")
		p.emit([]Event{NewEvent(EventRefreshFailed, id, map[string]interface{}{
			"error": err.Error(),
		})})
		p.Report(id, types.FailureOutcome(types.FailureAuthRejected))
		return nil, errors.NewRefreshFailedError(id, err)
	}

	token, rotated, err := p.applyRefresh(id, res)
	if err != nil {
		return nil, err
	}
	token.Refreshed = true

	logger.WithFields(map[string]interface{}{
		"durationMs": time.Since(start).Milliseconds(),
		"rotated":    rotated,
	}).Debug("token refreshed")
	data := map[string]interface{}{"rotated": rotated}
	if token.ExpiresAt != nil {
		data["expiresAt"] = token.ExpiresAt.Format(time.RFC3339)
	}
	p.emit([]Event{NewEvent(EventRefreshed, id, data)})

	return token, nil
}

// applyRefresh writes the exchanged token back. Access token and expiry change together
// under the write lock. A rotated refresh token keeps the old one as an alias.
func (p *Pool) applyRefresh(id uint64, res *types.RefreshedToken) (*types.Token, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return nil, false, errors.NewNotFoundError(id)
	}
	c := &e.cred

	c.Tokens.AccessToken = res.AccessToken
	c.ExpiresAt = cloneTime(res.ExpiresAt)
	if res.ProfileARN != "" {
		c.ProfileARN = res.ProfileARN
	}

	rotated := false
	if res.RefreshToken != "" && res.RefreshToken != c.Tokens.RefreshToken {
		if owner, taken := p.byToken[res.RefreshToken]; taken && owner != id {
			p.logger.WithCredential(id).WithField("owner", owner).
				Warn("rotated refresh token already belongs to another credential")
		} else {
			c.RefreshTokenAliases = append(c.RefreshTokenAliases, c.Tokens.RefreshToken)
			c.Tokens.RefreshToken = res.RefreshToken
			p.byToken[res.RefreshToken] = id
			rotated = true
		}
	}
	c.UpdatedAt = p.now().UTC()

	return tokenOf(c), rotated, nil
}

// isFreshLocked reports whether the access token is usable beyond the refresh margin.
// An unknown expiry is never fresh.
func (p *Pool) isFreshLocked(c *types.Credential) bool {
	if c.Tokens.AccessToken == "" || c.ExpiresAt == nil {
		return false
	}
	return c.ExpiresAt.After(p.now().Add(p.refreshMargin))
}

func tokenOf(c *types.Credential) *types.Token {
	return &types.Token{
		AccessToken: c.Tokens.AccessToken,
		ExpiresAt:   cloneTime(c.ExpiresAt),
	}
}
