package pool

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credential-pool/internal/types"
)

func account(email, nickname, refreshToken string) types.ImportAccount {
	return types.ImportAccount{
		Email:    email,
		Nickname: nickname,
		Credentials: types.ImportCredentials{
			RefreshToken: refreshToken,
		},
	}
}

func TestImportIsIdempotent(t *testing.T) {
	p, _ := newTestPool(t, 3, nil)
	r := NewReconciler(p)

	req := &types.BatchImportRequest{Accounts: []types.ImportAccount{
		account("a@example.com", "", "rt-a"),
		account("", "bee", "rt-b"),
		account("c@example.com", "cee", "rt-c"),
	}}

	first := r.Import(req)
	assert.True(t, first.Success)
	assert.Equal(t, 3, first.ImportedCount)

	// operator tuning and health history between runs
	idA, _ := p.FindByRefreshToken("rt-a")
	idB, _ := p.FindByRefreshToken("rt-b")
	require.NoError(t, p.SetPriority(idA, 9))
	require.NoError(t, p.SetDisabled(idB, true))
	p.Report(idA, types.FailureOutcome(types.FailureAuthRejected))
	before := p.Records()

	second := r.Import(req)
	assert.True(t, second.Success)
	assert.Equal(t, 0, second.ImportedCount)
	assert.Equal(t, 0, second.UpdatedCount)
	assert.Equal(t, len(req.Accounts), second.SkippedCount)
	assert.Equal(t, 0, second.FailedCount)

	after := p.Records()
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Priority, after[i].Priority)
		assert.Equal(t, before[i].Disabled, after[i].Disabled)
		assert.Equal(t, before[i].FailureCount, after[i].FailureCount)
	}
}

func TestImportDuplicateWithinBatch(t *testing.T) {
	p, _ := newTestPool(t, 3, nil)
	r := NewReconciler(p)

	result := r.Import(&types.BatchImportRequest{Accounts: []types.ImportAccount{
		account("", "first", "rt-shared"),
		account("", "second", "rt-shared"),
	}})

	assert.Equal(t, 1, p.Snapshot().Total)
	assert.Equal(t, 1, result.ImportedCount)
	assert.Equal(t, 1, result.UpdatedCount+result.SkippedCount)
	require.Len(t, result.Results, 2)
	assert.Equal(t, *result.Results[0].CredentialID, *result.Results[1].CredentialID)
	assert.Equal(t, types.ImportActionUpdated, result.Results[1].Action)
}

func TestImportUpdatesMetadataOnly(t *testing.T) {
	p, _ := newTestPool(t, 3, nil)
	r := NewReconciler(p)
	r.Import(&types.BatchImportRequest{Accounts: []types.ImportAccount{account("a@example.com", "old", "rt-a")}})
	id, _ := p.FindByRefreshToken("rt-a")
	require.NoError(t, p.SetPriority(id, 4))

	changed := account("a@example.com", "new", "rt-a")
	changed.Tags = []string{"pro"}
	changed.Subscription = json.RawMessage(`{"title":"PRO"}`)
	result := r.Import(&types.BatchImportRequest{Accounts: []types.ImportAccount{changed}})

	assert.Equal(t, 1, result.UpdatedCount)
	rec := recordOf(t, p, id)
	assert.Equal(t, "new", rec.Metadata.Nickname)
	assert.Equal(t, []string{"pro"}, rec.Metadata.Tags)
	assert.JSONEq(t, `{"title":"PRO"}`, string(rec.Metadata.Subscription))
	assert.Equal(t, uint32(4), rec.Priority)
}

func TestImportValidationIsPerEntry(t *testing.T) {
	p, _ := newTestPool(t, 3, nil)
	r := NewReconciler(p)

	idcMissingSecret := account("idc@example.com", "", "rt-idc")
	idcMissingSecret.Credentials.AuthMethod = "IdC"
	idcMissingSecret.Credentials.ClientID = "client"

	badMethod := account("saml@example.com", "", "rt-saml")
	badMethod.Credentials.AuthMethod = "saml"

	idcOK := account("ok@example.com", "", "rt-idc-ok")
	idcOK.Credentials.AuthMethod = "builder-id"
	idcOK.Credentials.ClientID = "client"
	idcOK.Credentials.ClientSecret = "secret"

	result := r.Import(&types.BatchImportRequest{Accounts: []types.ImportAccount{
		account("missing@example.com", "", "  "),
		idcMissingSecret,
		badMethod,
		idcOK,
		account("social@example.com", "", "rt-social"),
	}})

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.FailedCount)
	assert.Equal(t, 2, result.ImportedCount)
	assert.Equal(t, 2, p.Snapshot().Total)

	byIdentifier := map[string]types.ImportResult{}
	for _, res := range result.Results {
		byIdentifier[res.Identifier] = res
	}
	assert.Equal(t, types.ImportActionFailed, byIdentifier["missing@example.com"].Action)
	assert.Contains(t, byIdentifier["idc@example.com"].Message, "clientSecret")
	assert.Contains(t, byIdentifier["saml@example.com"].Message, "saml")
	assert.Nil(t, byIdentifier["missing@example.com"].CredentialID)

	id, ok := p.FindByRefreshToken("rt-idc-ok")
	require.True(t, ok)
	assert.Equal(t, types.AuthMethodIdC, recordOf(t, p, id).AuthMethod)
}

func TestImportIdentifiers(t *testing.T) {
	p, _ := newTestPool(t, 3, nil)
	r := NewReconciler(p)

	result := r.Import(&types.BatchImportRequest{Accounts: []types.ImportAccount{
		account("a@example.com", "alpha", "rt-1"),
		account("", "beta", "rt-2"),
		account("", "", "rt-3"),
	}})

	require.Len(t, result.Results, 3)
	assert.Equal(t, "a@example.com", result.Results[0].Identifier)
	assert.Equal(t, "beta", result.Results[1].Identifier)
	assert.True(t, strings.HasPrefix(result.Results[2].Identifier, "account-"))
}

func TestImportCarriesTokenMaterial(t *testing.T) {
	p, _ := newTestPool(t, 3, nil)
	r := NewReconciler(p)

	expiresMillis := int64(1_900_000_000_000)
	acct := account("a@example.com", "", "rt-a")
	acct.IdP = "Google"
	acct.Credentials.AccessToken = "at-a"
	acct.Credentials.CSRFToken = "csrf"
	acct.Credentials.Region = "us-west-2"
	acct.Credentials.ExpiresAt = &expiresMillis

	result := r.Import(&types.BatchImportRequest{Accounts: []types.ImportAccount{acct}})
	require.Equal(t, 1, result.ImportedCount)

	rec := recordOf(t, p, *result.Results[0].CredentialID)
	assert.Equal(t, "at-a", rec.Tokens.AccessToken)
	assert.Equal(t, "csrf", rec.Tokens.CSRFToken)
	assert.Equal(t, "Google", rec.Metadata.Provider)
	assert.Equal(t, "us-west-2", rec.Metadata.Region)
	require.NotNil(t, rec.ExpiresAt)
	assert.Equal(t, expiresMillis, rec.ExpiresAt.UnixMilli())
	assert.Equal(t, uint32(0), rec.Priority)
}
