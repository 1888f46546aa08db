package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/credential-pool/internal/types"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newTestCache starts a miniredis server and wraps a client for it
func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisCacheFromClient(client, "test"), mr
}

func sampleCredential(id uint64, refreshToken string) types.Credential {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := created.Add(time.Hour)
	return types.Credential{
		ID:         id,
		Priority:   uint32(id % 3),
		AuthMethod: types.AuthMethodIdC,
		Tokens: types.Tokens{
			AccessToken:  "access-" + refreshToken,
			RefreshToken: refreshToken,
		},
		ClientID:            "client",
		ClientSecret:        "secret",
		ExpiresAt:           &expires,
		RefreshTokenAliases: []string{refreshToken + "-old"},
		Metadata: types.CredentialMetadata{
			Email:  refreshToken + "@example.com",
			Region: "eu-west-1",
			Tags:   []string{"team-a"},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}
