// Package service implements the operator-facing operations on top of the credential pool.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/credential-pool/internal/errors"
	"github.com/credential-pool/internal/logging"
	"github.com/credential-pool/internal/pool"
	"github.com/credential-pool/internal/types"
)

// CredentialStore persists the pool record set. SaveAll upserts the given records and
// leaves alone stored records with a later UpdatedAt; Delete is the only way a stored
// record goes away.
type CredentialStore interface {
	LoadAll(ctx context.Context) ([]types.Credential, error)
	SaveAll(ctx context.Context, records []types.Credential) error
	Delete(ctx context.Context, id uint64) error
}

// UsageProvider fetches the upstream usage report for an access token
type UsageProvider interface {
	GetUsage(ctx context.Context, accessToken string) (*types.Usage, error)
}

// BalanceCache caches balance lookups per credential
type BalanceCache interface {
	Get(ctx context.Context, id uint64) (*types.Balance, bool, error)
	Set(ctx context.Context, b *types.Balance, ttl time.Duration) error
	Invalidate(ctx context.Context, id uint64) error
}

// AdminConfig holds admin service options
type AdminConfig struct {
	// WriteThrough saves the record set after every mutation
	WriteThrough bool
	BalanceTTL   time.Duration
}

// AdminService wraps pool mutations with persistence and balance lookups.
// Store, usage provider and balance cache are optional.
type AdminService struct {
	pool       *pool.Pool
	reconciler *pool.Reconciler
	store      CredentialStore
	usage      UsageProvider
	balances   BalanceCache
	cfg        AdminConfig
	logger     *logging.Logger
}

// NewAdminService creates a new admin service
func NewAdminService(
	p *pool.Pool,
	store CredentialStore,
	usage UsageProvider,
	balances BalanceCache,
	cfg *AdminConfig,
) *AdminService {
	s := &AdminService{
		pool:       p,
		reconciler: pool.NewReconciler(p),
		store:      store,
		usage:      usage,
		balances:   balances,
		logger:     logging.GetGlobalLogger().WithField("component", "admin"),
	}
	if cfg != nil {
		s.cfg = *cfg
	}
	return s
}

// ListStatus returns the pool status snapshot
func (s *AdminService) ListStatus() *types.StatusReport {
	return s.pool.Snapshot()
}

// SetDisabled enables or disables a credential
func (s *AdminService) SetDisabled(ctx context.Context, id uint64, disabled bool) error {
	if err := s.pool.SetDisabled(id, disabled); err != nil {
		return err
	}
	s.logger.WithCredential(id).WithField("disabled", disabled).Info("credential disabled flag changed")
	return s.persist(ctx, "setDisabled", id)
}

// SetPriority changes the priority of a credential
func (s *AdminService) SetPriority(ctx context.Context, id uint64, priority uint32) error {
	if err := s.pool.SetPriority(id, priority); err != nil {
		return err
	}
	s.logger.WithCredential(id).WithField("priority", priority).Info("credential priority changed")
	return s.persist(ctx, "setPriority", id)
}

// AddCredential adds a single credential from an admin request
func (s *AdminService) AddCredential(ctx context.Context, req *types.AddCredentialRequest) (uint64, error) {
	if req == nil {
		return 0, errors.NewInvalidRequestError("request", "is required")
	}

	method, ok := types.ParseAuthMethod(req.AuthMethod)
	if !ok {
		return 0, errors.NewInvalidRequestError("authMethod", fmt.Sprintf("unsupported auth method %q", req.AuthMethod))
	}

	nc := types.NewCredential{
		Priority:   req.Priority,
		AuthMethod: method,
		Tokens:     types.Tokens{RefreshToken: req.RefreshToken},
		ProfileARN: strings.TrimSpace(req.ProfileARN),
		Metadata:   types.CredentialMetadata{Region: strings.TrimSpace(req.Region)},
	}
	if req.ClientID != nil {
		nc.ClientID = strings.TrimSpace(*req.ClientID)
	}
	if req.ClientSecret != nil {
		nc.ClientSecret = strings.TrimSpace(*req.ClientSecret)
	}

	id, err := s.pool.Add(nc)
	if err != nil {
		return 0, err
	}
	return id, s.persist(ctx, "addCredential", id)
}

// RemoveCredential removes a credential from the pool and the store
func (s *AdminService) RemoveCredential(ctx context.Context, id uint64) error {
	if err := s.pool.Remove(id); err != nil {
		return err
	}

	if s.balances != nil {
		if err := s.balances.Invalidate(ctx, id); err != nil {
			s.logger.WithCredential(id).WithError(err).Warn("failed to invalidate cached balance")
		}
	}

	if s.store == nil || !s.cfg.WriteThrough {
		return nil
	}
	if err := s.store.Delete(ctx, id); err != nil {
		s.logger.WithCredential(id).WithError(err).Error("failed to delete credential from store")
		return errors.NewStorageError("removeCredential", err)
	}
	return nil
}

// ImportBatch reconciles an exported account batch into the pool.
// The result is returned even when persisting it fails.
func (s *AdminService) ImportBatch(ctx context.Context, req *types.BatchImportRequest) (*types.BatchImportResult, error) {
	if req == nil {
		return nil, errors.NewInvalidRequestError("request", "is required")
	}

	result := s.reconciler.Import(req)
	var changed []uint64
	for _, res := range result.Results {
		if res.CredentialID != nil && (res.Action == types.ImportActionImported || res.Action == types.ImportActionUpdated) {
			changed = append(changed, *res.CredentialID)
		}
	}
	if len(changed) == 0 {
		return result, nil
	}
	return result, s.persist(ctx, "importBatch", changed...)
}

// QueryBalance returns the usage-derived balance of a credential.
// Upstream errors are returned as is and do not count against the credential.
func (s *AdminService) QueryBalance(ctx context.Context, id uint64) (*types.Balance, error) {
	if s.usage == nil {
		return nil, errors.NewInternalError("usage provider is not configured", nil)
	}

	token, err := s.pool.EnsureFresh(ctx, id)
	if err != nil {
		return nil, err
	}
	if token.Refreshed {
		// the exchange may have rotated the refresh token
		_ = s.persist(ctx, "queryBalance", id) // nolint:errcheck // logged by persist
	}

	logger := s.logger.WithCredential(id)
	if s.balances != nil {
		cached, ok, err := s.balances.Get(ctx, id)
		if err != nil {
			logger.WithError(err).Warn("balance cache read failed")
		} else if ok {
			return cached, nil
		}
	}

	usage, err := s.usage.GetUsage(ctx, token.AccessToken)
	if err != nil {
		logger.WithError(err).Warn("usage query failed")
		return nil, err
	}

	balance := types.NewBalance(id, usage)
	if s.balances != nil && s.cfg.BalanceTTL > 0 {
		if err := s.balances.Set(ctx, balance, s.cfg.BalanceTTL); err != nil {
			logger.WithError(err).Warn("balance cache write failed")
		}
	}
	return balance, nil
}

// persist upserts the records in ids. Only touched records are written, and stored
// records with a later UpdatedAt win, so a stale copy held here never overwrites a
// newer write from another process. The in-memory change is kept when saving fails.
func (s *AdminService) persist(ctx context.Context, op string, ids ...uint64) error {
	if s.store == nil || !s.cfg.WriteThrough {
		return nil
	}

	records := make([]types.Credential, 0, len(ids))
	for _, id := range ids {
		c, err := s.pool.Get(id)
		if err != nil {
			continue // removed concurrently
		}
		records = append(records, c)
	}
	if len(records) == 0 {
		return nil
	}

	if err := s.store.SaveAll(ctx, records); err != nil {
		s.logger.WithError(err).WithField("operation", op).Error("failed to persist credentials")
		return errors.NewStorageError(op, err)
	}
	return nil
}
