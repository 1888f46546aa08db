package pool

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/credential-pool/internal/logging"
	"github.com/credential-pool/internal/types"
)

// fakeExchanger is a scriptable token exchanger. When gate is set calls block until
// the gate is closed or the call context ends; gateToken limits that to one refresh token.
type fakeExchanger struct {
	calls      atomic.Int32
	gate       chan struct{}
	gateToken  string
	started    chan struct{}
	err        error
	expiresIn  time.Duration
	rotate     string
	profileARN string

	mu       sync.Mutex
	requests []*types.RefreshRequest
}

func (f *fakeExchanger) Refresh(ctx context.Context, req *types.RefreshRequest) (*types.RefreshedToken, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil && (f.gateToken == "" || f.gateToken == req.RefreshToken) {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	expiresIn := f.expiresIn
	if expiresIn == 0 {
		expiresIn = time.Hour
	}
	exp := time.Now().Add(expiresIn)
	return &types.RefreshedToken{
		AccessToken:  "access-" + req.RefreshToken,
		ExpiresAt:    &exp,
		RefreshToken: f.rotate,
		ProfileARN:   f.profileARN,
	}, nil
}

// recordingSink collects published events
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) ofType(typ EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func quietLogger() *logging.Logger {
	l := logging.NewLogger(logging.LevelError, logging.FormatJSON)
	l.SetOutput(io.Discard)
	return l
}

type poolOption func(cfg *Config)

func withKinds(kinds ...types.FailureKind) poolOption {
	return func(cfg *Config) { cfg.Policy.CountedKinds = kinds }
}

func newTestPool(t *testing.T, threshold uint32, exch TokenExchanger, opts ...poolOption) (*Pool, *recordingSink) {
	t.Helper()
	if exch == nil {
		exch = &fakeExchanger{}
	}
	sink := &recordingSink{}
	cfg := &Config{
		Policy:         FailurePolicy{Threshold: threshold},
		RefreshMargin:  time.Minute,
		RefreshTimeout: 5 * time.Second,
		DefaultRegion:  "us-east-1",
		Exchanger:      exch,
		Events:         sink,
		Logger:         quietLogger(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	p, err := NewPool(cfg)
	require.NoError(t, err)
	return p, sink
}

// freshCredential has an access token valid well beyond the refresh margin
func freshCredential(refreshToken string, priority uint32) types.NewCredential {
	exp := time.Now().Add(time.Hour)
	return types.NewCredential{
		Priority:   priority,
		AuthMethod: types.AuthMethodSocial,
		Tokens: types.Tokens{
			AccessToken:  "access-" + refreshToken,
			RefreshToken: refreshToken,
		},
		ExpiresAt: &exp,
	}
}

// staleCredential has no known expiry so the first acquire refreshes it
func staleCredential(refreshToken string, priority uint32) types.NewCredential {
	return types.NewCredential{
		Priority:   priority,
		AuthMethod: types.AuthMethodSocial,
		Tokens:     types.Tokens{RefreshToken: refreshToken},
	}
}

func mustAdd(t *testing.T, p *Pool, nc types.NewCredential) uint64 {
	t.Helper()
	id, err := p.Add(nc)
	require.NoError(t, err)
	return id
}

func recordOf(t *testing.T, p *Pool, id uint64) types.Credential {
	t.Helper()
	for _, c := range p.Records() {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("credential %d not found", id)
	return types.Credential{}
}
