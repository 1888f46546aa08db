// Package types provides common type definitions for the credential pool.
package types

import (
	"encoding/json"
	"strings"
	"time"
)

// AuthMethod represents the OAuth flavor used to refresh a credential
type AuthMethod string

const (
	// AuthMethodSocial refreshes with the refresh token alone
	AuthMethodSocial AuthMethod = "social"
	// AuthMethodIdC refreshes through an OIDC client and needs client_id/client_secret
	AuthMethodIdC AuthMethod = "idc"
)

// ParseAuthMethod parses an auth method name. Empty input means social.
func ParseAuthMethod(s string) (AuthMethod, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "social":
		return AuthMethodSocial, true
	case "idc", "builder-id", "builderid":
		return AuthMethodIdC, true
	default:
		return "", false
	}
}

// RequiresClientCredentials reports whether refresh needs client_id/client_secret
func (m AuthMethod) RequiresClientCredentials() bool {
	return m == AuthMethodIdC
}

// FailureKind classifies a failed use of a credential
type FailureKind string

const (
	// FailureAuthRejected means the upstream rejected the credential (always counted)
	FailureAuthRejected FailureKind = "auth_rejected"
	// FailureRateLimited means the upstream throttled the credential
	FailureRateLimited FailureKind = "rate_limited"
	// FailureTransient covers network errors and timeouts
	FailureTransient FailureKind = "transient"
	// FailureUpstream covers upstream 5xx responses
	FailureUpstream FailureKind = "upstream"
)

// ParseFailureKind parses a failure kind name
func ParseFailureKind(s string) (FailureKind, bool) {
	switch FailureKind(strings.ToLower(strings.TrimSpace(s))) {
	case FailureAuthRejected:
		return FailureAuthRejected, true
	case FailureRateLimited:
		return FailureRateLimited, true
	case FailureTransient:
		return FailureTransient, true
	case FailureUpstream:
		return FailureUpstream, true
	default:
		return "", false
	}
}

// Outcome is the result of using a credential, reported back to the pool
type Outcome struct {
	Success bool
	Failure FailureKind
}

// SuccessOutcome returns a successful outcome
func SuccessOutcome() Outcome {
	return Outcome{Success: true}
}

// FailureOutcome returns a failed outcome of the given kind
func FailureOutcome(kind FailureKind) Outcome {
	return Outcome{Failure: kind}
}

func (o Outcome) String() string {
	if o.Success {
		return "success"
	}
	return "failure(" + string(o.Failure) + ")"
}

// Tokens holds the token material of a credential
type Tokens struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken"`
	CSRFToken    string `json:"csrfToken,omitempty"`
}

// CredentialMetadata is descriptive data, never used in selection.
// Subscription and Usage are kept as opaque blobs for display.
type CredentialMetadata struct {
	Email        string          `json:"email,omitempty"`
	UserID       string          `json:"userId,omitempty"`
	Nickname     string          `json:"nickname,omitempty"`
	Provider     string          `json:"provider,omitempty"`
	Region       string          `json:"region,omitempty"`
	Status       string          `json:"status,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	Subscription json.RawMessage `json:"subscription,omitempty"`
	Usage        json.RawMessage `json:"usage,omitempty"`
}

// Credential is a single pooled credential record
type Credential struct {
	ID                  uint64             `json:"id"`
	Priority            uint32             `json:"priority"`
	Disabled            bool               `json:"disabled"`
	FailureCount        uint32             `json:"failureCount"`
	AuthMethod          AuthMethod         `json:"authMethod"`
	Tokens              Tokens             `json:"tokens"`
	ClientID            string             `json:"clientId,omitempty"`
	ClientSecret        string             `json:"clientSecret,omitempty"`
	ProfileARN          string             `json:"profileArn,omitempty"`
	ExpiresAt           *time.Time         `json:"expiresAt,omitempty"`
	RefreshTokenAliases []string           `json:"refreshTokenAliases,omitempty"`
	Metadata            CredentialMetadata `json:"metadata"`
	CreatedAt           time.Time          `json:"createdAt"`
	UpdatedAt           time.Time          `json:"updatedAt"`
	LastUsedAt          *time.Time         `json:"lastUsedAt,omitempty"`
	LastFailureAt       *time.Time         `json:"lastFailureAt,omitempty"`
}

// Clone returns a deep copy of the credential
func (c *Credential) Clone() Credential {
	out := *c
	out.ExpiresAt = cloneTime(c.ExpiresAt)
	out.LastUsedAt = cloneTime(c.LastUsedAt)
	out.LastFailureAt = cloneTime(c.LastFailureAt)
	if c.RefreshTokenAliases != nil {
		out.RefreshTokenAliases = append([]string(nil), c.RefreshTokenAliases...)
	}
	out.Metadata = c.Metadata.Clone()
	return out
}

// Clone returns a deep copy of the metadata
func (m CredentialMetadata) Clone() CredentialMetadata {
	out := m
	if m.Tags != nil {
		out.Tags = append([]string(nil), m.Tags...)
	}
	if m.Subscription != nil {
		out.Subscription = append(json.RawMessage(nil), m.Subscription...)
	}
	if m.Usage != nil {
		out.Usage = append(json.RawMessage(nil), m.Usage...)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// NewCredential carries the fields needed to add a credential to the pool
type NewCredential struct {
	Priority     uint32
	AuthMethod   AuthMethod
	Tokens       Tokens
	ClientID     string
	ClientSecret string
	ProfileARN   string
	ExpiresAt    *time.Time
	Metadata     CredentialMetadata
}

// AddCredentialRequest is the admin payload for adding a single credential
type AddCredentialRequest struct {
	RefreshToken string  `json:"refreshToken"`
	AuthMethod   string  `json:"authMethod"`
	ClientID     *string `json:"clientId,omitempty"`
	ClientSecret *string `json:"clientSecret,omitempty"`
	Priority     uint32  `json:"priority"`
	Region       string  `json:"region,omitempty"`
	ProfileARN   string  `json:"profileArn,omitempty"`
}

// Token is a usable access token together with its expiry
type Token struct {
	AccessToken string     `json:"accessToken"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	// Refreshed is set when the token came from a token exchange rather than the record
	Refreshed bool `json:"-"`
}

// CredentialHandle is what acquire hands to a request handler
type CredentialHandle struct {
	ID          uint64     `json:"id"`
	AccessToken string     `json:"-"`
	AuthMethod  AuthMethod `json:"authMethod"`
	Region      string     `json:"region,omitempty"`
	ProfileARN  string     `json:"profileArn,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// RefreshRequest is passed to the token-exchange collaborator
type RefreshRequest struct {
	CredentialID uint64
	RefreshToken string
	AuthMethod   AuthMethod
	ClientID     string
	ClientSecret string
	Region       string
}

// RefreshedToken is returned by the token-exchange collaborator.
// RefreshToken is set only when the upstream rotated it.
type RefreshedToken struct {
	AccessToken  string
	ExpiresAt    *time.Time
	RefreshToken string
	ProfileARN   string
}

// CredentialView is a point-in-time status view of one credential
type CredentialView struct {
	ID            uint64     `json:"id"`
	Priority      uint32     `json:"priority"`
	Disabled      bool       `json:"disabled"`
	FailureCount  uint32     `json:"failureCount"`
	IsCurrent     bool       `json:"isCurrent"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	AuthMethod    AuthMethod `json:"authMethod"`
	HasProfileARN bool       `json:"hasProfileArn"`
	Email         string     `json:"email,omitempty"`
	Nickname      string     `json:"nickname,omitempty"`
	Provider      string     `json:"provider,omitempty"`
	Region        string     `json:"region,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	Status        string     `json:"status,omitempty"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`
	LastFailureAt *time.Time `json:"lastFailureAt,omitempty"`
}

// StatusReport is the pool-wide status snapshot
type StatusReport struct {
	Total       int              `json:"total"`
	Available   int              `json:"available"`
	CurrentID   *uint64          `json:"currentId,omitempty"`
	Credentials []CredentialView `json:"credentials"`
}

// Usage is the upstream usage report for one credential
type Usage struct {
	SubscriptionTitle string     `json:"subscriptionTitle,omitempty"`
	CurrentUsage      float64    `json:"currentUsage"`
	UsageLimit        float64    `json:"usageLimit"`
	NextResetAt       *time.Time `json:"nextResetAt,omitempty"`
}

// Balance is the derived balance view of one credential
type Balance struct {
	ID                uint64     `json:"id"`
	SubscriptionTitle string     `json:"subscriptionTitle,omitempty"`
	CurrentUsage      float64    `json:"currentUsage"`
	UsageLimit        float64    `json:"usageLimit"`
	Remaining         float64    `json:"remaining"`
	UsagePercentage   float64    `json:"usagePercentage"`
	NextResetAt       *time.Time `json:"nextResetAt,omitempty"`
}

// NewBalance derives remaining and percentage from a usage report
func NewBalance(id uint64, u *Usage) *Balance {
	b := &Balance{
		ID:                id,
		SubscriptionTitle: u.SubscriptionTitle,
		CurrentUsage:      u.CurrentUsage,
		UsageLimit:        u.UsageLimit,
		NextResetAt:       u.NextResetAt,
	}
	if remaining := u.UsageLimit - u.CurrentUsage; remaining > 0 {
		b.Remaining = remaining
	}
	if u.UsageLimit > 0 {
		b.UsagePercentage = u.CurrentUsage / u.UsageLimit * 100
	}
	return b
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
