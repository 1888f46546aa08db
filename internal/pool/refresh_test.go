package pool

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credential-pool/internal/errors"
	"github.com/credential-pool/internal/types"
)

func TestConcurrentAcquireRefreshesOnce(t *testing.T) {
	exch := &fakeExchanger{
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	p, sink := newTestPool(t, 3, exch)
	id := mustAdd(t, p, staleCredential("rt", 0))

	const callers = 20
	var wg sync.WaitGroup
	handles := make([]*types.CredentialHandle, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = p.Acquire(context.Background())
		}(i)
	}

	<-exch.started
	time.Sleep(50 * time.Millisecond)
	close(exch.gate)
	wg.Wait()

	assert.Equal(t, int32(1), exch.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, id, handles[i].ID)
		assert.Equal(t, "access-rt", handles[i].AccessToken)
		assert.NotNil(t, handles[i].ExpiresAt)
	}
	assert.Len(t, sink.ofType(EventRefreshed), 1)
}

func TestAbandonedAcquireDoesNotCancelRefresh(t *testing.T) {
	exch := &fakeExchanger{
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	p, _ := newTestPool(t, 3, exch)
	id := mustAdd(t, p, staleCredential("rt", 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		done <- err
	}()

	<-exch.started
	cancel()
	err := <-done
	assert.True(t, stderrors.Is(err, context.Canceled))

	close(exch.gate)

	token, err := p.EnsureFresh(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "access-rt", token.AccessToken)
	assert.Equal(t, int32(1), exch.calls.Load())

	rec := recordOf(t, p, id)
	assert.Equal(t, uint32(0), rec.FailureCount)
	assert.False(t, rec.Disabled)
}

func TestRefreshFailureCountsAsAuthRejection(t *testing.T) {
	exch := &fakeExchanger{err: stderrors.New("invalid_grant")}
	p, sink := newTestPool(t, 2, exch)
	id := mustAdd(t, p, staleCredential("rt", 0))

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRefreshFailed(err))
	assert.Equal(t, uint32(1), recordOf(t, p, id).FailureCount)
	assert.False(t, recordOf(t, p, id).Disabled)

	_, err = p.Acquire(context.Background())
	assert.True(t, errors.IsRefreshFailed(err))
	assert.True(t, recordOf(t, p, id).Disabled)

	_, err = p.Acquire(context.Background())
	assert.True(t, errors.IsPoolExhausted(err))

	assert.Len(t, sink.ofType(EventRefreshFailed), 2)
	assert.Len(t, sink.ofType(EventAutoDisabled), 1)
}

func TestRefreshFailureMovesToNextCredential(t *testing.T) {
	exch := &fakeExchanger{err: stderrors.New("revoked")}
	p, _ := newTestPool(t, 1, exch)
	a := mustAdd(t, p, staleCredential("rt-a", 0))
	b := mustAdd(t, p, freshCredential("rt-b", 1))

	_, err := p.Acquire(context.Background())
	require.True(t, errors.IsRefreshFailed(err))
	assert.True(t, recordOf(t, p, a).Disabled)

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, b, h.ID)
}

func TestEnsureFresh(t *testing.T) {
	soon := time.Now().Add(30 * time.Second)
	later := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Minute)

	tests := []struct {
		name        string
		accessToken string
		expiresAt   *time.Time
		wantCalls   int32
	}{
		{name: "valid token", accessToken: "cached", expiresAt: &later, wantCalls: 0},
		{name: "inside margin", accessToken: "cached", expiresAt: &soon, wantCalls: 1},
		{name: "expired", accessToken: "cached", expiresAt: &past, wantCalls: 1},
		{name: "unknown expiry", accessToken: "cached", wantCalls: 1},
		{name: "no access token", expiresAt: &later, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exch := &fakeExchanger{}
			p, _ := newTestPool(t, 3, exch)
			id := mustAdd(t, p, types.NewCredential{
				Tokens:    types.Tokens{AccessToken: tt.accessToken, RefreshToken: "rt"},
				ExpiresAt: tt.expiresAt,
			})

			token, err := p.EnsureFresh(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCalls, exch.calls.Load())
			if tt.wantCalls == 0 {
				assert.Equal(t, "cached", token.AccessToken)
			} else {
				assert.Equal(t, "access-rt", token.AccessToken)
			}
		})
	}
}

func TestRefreshLeavesFailureCountAlone(t *testing.T) {
	p, _ := newTestPool(t, 5, &fakeExchanger{})
	id := mustAdd(t, p, staleCredential("rt", 0))
	p.Report(id, types.FailureOutcome(types.FailureAuthRejected))
	p.Report(id, types.FailureOutcome(types.FailureAuthRejected))

	_, err := p.EnsureFresh(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, uint32(2), recordOf(t, p, id).FailureCount)
}

func TestRefreshSendsClientCredentials(t *testing.T) {
	exch := &fakeExchanger{}
	p, _ := newTestPool(t, 3, exch)
	id := mustAdd(t, p, types.NewCredential{
		AuthMethod:   types.AuthMethodIdC,
		Tokens:       types.Tokens{RefreshToken: "rt-idc"},
		ClientID:     "client",
		ClientSecret: "secret",
		Metadata:     types.CredentialMetadata{Region: "eu-central-1"},
	})

	_, err := p.EnsureFresh(context.Background(), id)
	require.NoError(t, err)

	require.Len(t, exch.requests, 1)
	req := exch.requests[0]
	assert.Equal(t, id, req.CredentialID)
	assert.Equal(t, types.AuthMethodIdC, req.AuthMethod)
	assert.Equal(t, "client", req.ClientID)
	assert.Equal(t, "secret", req.ClientSecret)
	assert.Equal(t, "eu-central-1", req.Region)
}

func TestRefreshTokenRotationKeepsAlias(t *testing.T) {
	exch := &fakeExchanger{rotate: "rt-2"}
	p, _ := newTestPool(t, 3, exch)
	id := mustAdd(t, p, staleCredential("rt-1", 0))

	_, err := p.EnsureFresh(context.Background(), id)
	require.NoError(t, err)

	rec := recordOf(t, p, id)
	assert.Equal(t, "rt-2", rec.Tokens.RefreshToken)
	assert.Equal(t, []string{"rt-1"}, rec.RefreshTokenAliases)

	for _, token := range []string{"rt-1", "rt-2"} {
		got, ok := p.FindByRefreshToken(token)
		assert.True(t, ok, token)
		assert.Equal(t, id, got)
	}

	_, err = p.Add(staleCredential("rt-1", 0))
	assert.True(t, errors.HasCode(err, errors.CodeDuplicateCredential))
}

func TestRefreshExpiring(t *testing.T) {
	exch := &fakeExchanger{}
	p, _ := newTestPool(t, 3, exch)
	mustAdd(t, p, freshCredential("rt-fresh", 0))
	stale := mustAdd(t, p, staleCredential("rt-stale", 1))
	disabled := mustAdd(t, p, staleCredential("rt-disabled", 2))
	require.NoError(t, p.SetDisabled(disabled, true))

	refreshed, failed := p.RefreshExpiring(context.Background())
	assert.Equal(t, 1, refreshed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, int32(1), exch.calls.Load())
	assert.Equal(t, "access-rt-stale", recordOf(t, p, stale).Tokens.AccessToken)

	refreshed, _ = p.RefreshExpiring(context.Background())
	assert.Equal(t, 0, refreshed)
}

func TestRefreshExpiringCountsFailures(t *testing.T) {
	p, _ := newTestPool(t, 3, &fakeExchanger{err: stderrors.New("down")})
	mustAdd(t, p, staleCredential("rt-a", 0))
	mustAdd(t, p, staleCredential("rt-b", 0))

	refreshed, failed := p.RefreshExpiring(context.Background())
	assert.Equal(t, 0, refreshed)
	assert.Equal(t, 2, failed)
}

func TestRefreshTimeoutSurfacesRefreshFailed(t *testing.T) {
	exch := &fakeExchanger{gate: make(chan struct{})}
	defer close(exch.gate)

	p, _ := newTestPool(t, 3, exch, func(cfg *Config) {
		cfg.RefreshTimeout = 20 * time.Millisecond
	})
	id := mustAdd(t, p, staleCredential("rt", 0))

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRefreshFailed(err))
	assert.Equal(t, uint32(1), recordOf(t, p, id).FailureCount)
}

func TestRefreshOfOneCredentialDoesNotBlockAnother(t *testing.T) {
	exch := &fakeExchanger{
		gate:      make(chan struct{}),
		gateToken: "rt-a",
		started:   make(chan struct{}, 1),
	}
	defer close(exch.gate)

	p, _ := newTestPool(t, 3, exch)
	a := mustAdd(t, p, staleCredential("rt-a", 0))
	b := mustAdd(t, p, staleCredential("rt-b", 1))

	blocked := make(chan error, 1)
	go func() {
		_, err := p.EnsureFresh(context.Background(), a)
		blocked <- err
	}()
	<-exch.started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	token, err := p.EnsureFresh(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "access-rt-b", token.AccessToken)

	// acquire after re-selection to b does not wait for a either
	require.NoError(t, p.SetDisabled(a, true))
	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, b, h.ID)

	select {
	case err := <-blocked:
		t.Fatalf("refresh of a finished before its gate opened: %v", err)
	default:
	}
}

func TestAcquireCarriesRefreshedProfileARN(t *testing.T) {
	exch := &fakeExchanger{profileARN: "arn:aws:codewhisperer:us-east-1:123:profile/x"}
	p, _ := newTestPool(t, 3, exch)
	id := mustAdd(t, p, staleCredential("rt", 0))

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, h.ID)
	assert.Equal(t, "access-rt", h.AccessToken)
	assert.Equal(t, "arn:aws:codewhisperer:us-east-1:123:profile/x", h.ProfileARN)
	assert.Equal(t, "us-east-1", h.Region)
}

func TestAcquireReselectsWhenCurrentRemovedDuringRefresh(t *testing.T) {
	exch := &fakeExchanger{
		gate:      make(chan struct{}),
		gateToken: "rt-a",
		started:   make(chan struct{}, 1),
	}
	p, _ := newTestPool(t, 3, exch)
	a := mustAdd(t, p, staleCredential("rt-a", 0))
	b := mustAdd(t, p, freshCredential("rt-b", 1))

	type result struct {
		h   *types.CredentialHandle
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := p.Acquire(context.Background())
		done <- result{h, err}
	}()

	<-exch.started
	require.NoError(t, p.Remove(a))
	close(exch.gate)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, b, res.h.ID)
	assert.Equal(t, "access-rt-b", res.h.AccessToken)
}

func TestAcquireExhaustedWhenOnlyCredentialRemovedDuringRefresh(t *testing.T) {
	exch := &fakeExchanger{
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	p, _ := newTestPool(t, 3, exch)
	id := mustAdd(t, p, staleCredential("rt", 0))

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		done <- err
	}()

	<-exch.started
	require.NoError(t, p.Remove(id))
	close(exch.gate)

	err := <-done
	require.Error(t, err)
	assert.True(t, errors.IsPoolExhausted(err))
	assert.False(t, errors.IsNotFound(err))
}

func TestEnsureFreshMarksExchangedTokens(t *testing.T) {
	p, _ := newTestPool(t, 3, &fakeExchanger{})
	id := mustAdd(t, p, staleCredential("rt", 0))

	token, err := p.EnsureFresh(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, token.Refreshed)

	token, err = p.EnsureFresh(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, token.Refreshed)
}
