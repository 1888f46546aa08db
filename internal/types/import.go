package types

import (
	"encoding/json"
	"time"
)

// BatchImportRequest is the account export format accepted by batch import
type BatchImportRequest struct {
	Version    string            `json:"version,omitempty"`
	ExportedAt *int64            `json:"exportedAt,omitempty"`
	Accounts   []ImportAccount   `json:"accounts"`
	Groups     []json.RawMessage `json:"groups,omitempty"`
	Tags       []json.RawMessage `json:"tags,omitempty"`
}

// ImportAccount is one exported account
type ImportAccount struct {
	Email        string            `json:"email,omitempty"`
	UserID       string            `json:"userId,omitempty"`
	Nickname     string            `json:"nickname,omitempty"`
	IdP          string            `json:"idp,omitempty"`
	Credentials  ImportCredentials `json:"credentials"`
	Subscription json.RawMessage   `json:"subscription,omitempty"`
	Usage        json.RawMessage   `json:"usage,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Status       string            `json:"status,omitempty"`
}

// ImportCredentials is the token material of an exported account
type ImportCredentials struct {
	AccessToken  string `json:"accessToken,omitempty"`
	CSRFToken    string `json:"csrfToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Region       string `json:"region,omitempty"`
	ExpiresAt    *int64 `json:"expiresAt,omitempty"`
	AuthMethod   string `json:"authMethod,omitempty"`
	Provider     string `json:"provider,omitempty"`
}

// epochMillisThreshold separates second and millisecond epoch values
const epochMillisThreshold = 1_000_000_000_000

// ExpiryTime converts the exported expiry (seconds or milliseconds) to a time
func (c *ImportCredentials) ExpiryTime() *time.Time {
	if c.ExpiresAt == nil || *c.ExpiresAt <= 0 {
		return nil
	}
	v := *c.ExpiresAt
	var t time.Time
	if v > epochMillisThreshold {
		t = time.UnixMilli(v).UTC()
	} else {
		t = time.Unix(v, 0).UTC()
	}
	return &t
}

// Metadata extracts the descriptive fields of an account
func (a *ImportAccount) Metadata() CredentialMetadata {
	provider := a.Credentials.Provider
	if provider == "" {
		provider = a.IdP
	}
	meta := CredentialMetadata{
		Email:        a.Email,
		UserID:       a.UserID,
		Nickname:     a.Nickname,
		Provider:     provider,
		Region:       a.Credentials.Region,
		Status:       a.Status,
		Subscription: a.Subscription,
		Usage:        a.Usage,
	}
	if len(a.Tags) > 0 {
		meta.Tags = append([]string(nil), a.Tags...)
	}
	return meta
}

// ImportAction is what happened to a single imported entry
type ImportAction string

const (
	ImportActionImported ImportAction = "imported"
	ImportActionUpdated  ImportAction = "updated"
	ImportActionSkipped  ImportAction = "skipped"
	ImportActionFailed   ImportAction = "failed"
)

// ImportResult is the per-entry outcome of a batch import
type ImportResult struct {
	Identifier   string       `json:"identifier"`
	Success      bool         `json:"success"`
	Action       ImportAction `json:"action"`
	Message      string       `json:"message"`
	CredentialID *uint64      `json:"credentialId,omitempty"`
}

// BatchImportResult summarizes a batch import
type BatchImportResult struct {
	Success       bool           `json:"success"`
	Message       string         `json:"message"`
	ImportedCount int            `json:"importedCount"`
	UpdatedCount  int            `json:"updatedCount"`
	SkippedCount  int            `json:"skippedCount"`
	FailedCount   int            `json:"failedCount"`
	Results       []ImportResult `json:"results"`
}
