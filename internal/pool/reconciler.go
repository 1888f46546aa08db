package pool

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/credential-pool/internal/errors"
	"github.com/credential-pool/internal/logging"
	"github.com/credential-pool/internal/types"
)

// Reconciler merges exported account batches into a pool.
// The refresh token is the dedup key. Existing records keep their priority,
// disabled flag and failure count.
type Reconciler struct {
	pool   *Pool
	logger *logging.Logger
}

// NewReconciler creates a reconciler for p
func NewReconciler(p *Pool) *Reconciler {
	return &Reconciler{
		pool:   p,
		logger: p.logger.WithField("component", "reconciler"),
	}
}

// Import processes every account independently. A failing entry never aborts the batch.
func (r *Reconciler) Import(req *types.BatchImportRequest) *types.BatchImportResult {
	result := &types.BatchImportResult{
		Results: make([]types.ImportResult, 0, len(req.Accounts)),
	}

	for i := range req.Accounts {
		res := r.importOne(&req.Accounts[i])
		switch res.Action {
		case types.ImportActionImported:
			result.ImportedCount++
		case types.ImportActionUpdated:
			result.UpdatedCount++
		case types.ImportActionSkipped:
			result.SkippedCount++
		case types.ImportActionFailed:
			result.FailedCount++
		}
		result.Results = append(result.Results, res)
	}

	result.Success = result.FailedCount == 0
	result.Message = fmt.Sprintf("imported %d, updated %d, skipped %d, failed %d",
		result.ImportedCount, result.UpdatedCount, result.SkippedCount, result.FailedCount)

	r.logger.WithFields(map[string]interface{}{
		"accounts": len(req.Accounts),
		"imported": result.ImportedCount,
		"updated":  result.UpdatedCount,
		"skipped":  result.SkippedCount,
		"failed":   result.FailedCount,
	}).Info("batch import finished")

	return result
}

func (r *Reconciler) importOne(acct *types.ImportAccount) types.ImportResult {
	res := types.ImportResult{Identifier: identifierOf(acct)}

	refreshToken := strings.TrimSpace(acct.Credentials.RefreshToken)
	if refreshToken == "" {
		return failed(res, "refresh token is required")
	}

	meta := acct.Metadata()
	if id, ok := r.pool.FindByRefreshToken(refreshToken); ok {
		return r.updateExisting(res, id, meta)
	}

	method, ok := types.ParseAuthMethod(acct.Credentials.AuthMethod)
	if !ok {
		return failed(res, fmt.Sprintf("unsupported auth method %q", acct.Credentials.AuthMethod))
	}

	nc := types.NewCredential{
		AuthMethod: method,
		Tokens: types.Tokens{
			AccessToken:  acct.Credentials.AccessToken,
			RefreshToken: refreshToken,
			CSRFToken:    acct.Credentials.CSRFToken,
		},
		ClientID:     strings.TrimSpace(acct.Credentials.ClientID),
		ClientSecret: strings.TrimSpace(acct.Credentials.ClientSecret),
		ExpiresAt:    acct.Credentials.ExpiryTime(),
		Metadata:     meta,
	}

	id, err := r.pool.Add(nc)
	if err != nil {
		// lost a race with a concurrent add of the same token
		if errors.HasCode(err, errors.CodeDuplicateCredential) {
			if existing, found := r.pool.FindByRefreshToken(refreshToken); found {
				return r.updateExisting(res, existing, meta)
			}
		}
		if cat := errors.Categorize(err); cat != nil {
			return failed(res, cat.Message)
		}
		return failed(res, err.Error())
	}

	res.Success = true
	res.Action = types.ImportActionImported
	res.Message = "imported"
	res.CredentialID = &id
	return res
}

func (r *Reconciler) updateExisting(res types.ImportResult, id uint64, meta types.CredentialMetadata) types.ImportResult {
	changed, err := r.pool.UpdateMetadata(id, meta)
	if err != nil {
		return failed(res, errors.Categorize(err).Message)
	}

	res.Success = true
	res.CredentialID = &id
	if changed {
		res.Action = types.ImportActionUpdated
		res.Message = "metadata updated"
	} else {
		res.Action = types.ImportActionSkipped
		res.Message = "already exists"
	}
	return res
}

func failed(res types.ImportResult, message string) types.ImportResult {
	res.Success = false
	res.Action = types.ImportActionFailed
	res.Message = message
	return res
}

// identifierOf names an entry by email, then nickname, then a generated placeholder
func identifierOf(acct *types.ImportAccount) string {
	if email := strings.TrimSpace(acct.Email); email != "" {
		return email
	}
	if nickname := strings.TrimSpace(acct.Nickname); nickname != "" {
		return nickname
	}
	return "account-" + uuid.New().String()[:8]
}
