package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/credential-pool/internal/types"
)

const credentialColumns = `
	id, priority, disabled, failure_count, auth_method,
	access_token, refresh_token, csrf_token, client_id, client_secret,
	profile_arn, expires_at, refresh_token_aliases, metadata,
	created_at, updated_at, last_used_at, last_failure_at`

// CredentialRepository persists the pool record set in Postgres
type CredentialRepository struct {
	db *PostgresDB
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *PostgresDB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// LoadAll returns every stored record ordered by id
func (r *CredentialRepository) LoadAll(ctx context.Context) ([]types.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials ORDER BY id`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var out []types.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate credentials: %w", err)
	}
	return out, nil
}

// SaveAll upserts records in one transaction. A stored row with a later updated_at is
// kept, so several processes can write the same table. Rows not in records stay.
func (r *CredentialRepository) SaveAll(ctx context.Context, records []types.Credential) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	batch := &pgx.Batch{}
	for i := range records {
		args, err := credentialArgs(&records[i])
		if err != nil {
			return err
		}
		batch.Queue(upsertCredentialQuery, args...)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert credentials: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit credentials: %w", err)
	}
	return nil
}

// Delete removes a single record. Deleting a missing id is not an error.
func (r *CredentialRepository) Delete(ctx context.Context, id uint64) error {
	_, err := r.db.Pool().Exec(ctx, `DELETE FROM credentials WHERE id = $1`, int64(id)) // #nosec G115
	if err != nil {
		return fmt.Errorf("failed to delete credential %d: %w", id, err)
	}
	return nil
}

var upsertCredentialQuery = `
	INSERT INTO credentials (` + credentialColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	ON CONFLICT (id) DO UPDATE SET
		priority = EXCLUDED.priority,
		disabled = EXCLUDED.disabled,
		failure_count = EXCLUDED.failure_count,
		auth_method = EXCLUDED.auth_method,
		access_token = EXCLUDED.access_token,
		refresh_token = EXCLUDED.refresh_token,
		csrf_token = EXCLUDED.csrf_token,
		client_id = EXCLUDED.client_id,
		client_secret = EXCLUDED.client_secret,
		profile_arn = EXCLUDED.profile_arn,
		expires_at = EXCLUDED.expires_at,
		refresh_token_aliases = EXCLUDED.refresh_token_aliases,
		metadata = EXCLUDED.metadata,
		updated_at = EXCLUDED.updated_at,
		last_used_at = GREATEST(credentials.last_used_at, EXCLUDED.last_used_at),
		last_failure_at = EXCLUDED.last_failure_at
	WHERE credentials.updated_at <= EXCLUDED.updated_at
`

func credentialArgs(c *types.Credential) ([]interface{}, error) {
	metadataJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata for credential %d: %w", c.ID, err)
	}

	aliases := c.RefreshTokenAliases
	if aliases == nil {
		aliases = []string{}
	}

	return []interface{}{
		int64(c.ID), // #nosec G115
		int64(c.Priority),
		c.Disabled,
		int64(c.FailureCount),
		string(c.AuthMethod),
		c.Tokens.AccessToken,
		c.Tokens.RefreshToken,
		c.Tokens.CSRFToken,
		c.ClientID,
		c.ClientSecret,
		c.ProfileARN,
		c.ExpiresAt,
		aliases,
		metadataJSON,
		c.CreatedAt,
		c.UpdatedAt,
		c.LastUsedAt,
		c.LastFailureAt,
	}, nil
}

func scanCredential(row pgx.Row) (*types.Credential, error) {
	var (
		c            types.Credential
		id           int64
		priority     int64
		failureCount int64
		authMethod   string
		metadataJSON []byte
		expiresAt    *time.Time
		lastUsed     *time.Time
		lastFailure  *time.Time
	)

	err := row.Scan(
		&id,
		&priority,
		&c.Disabled,
		&failureCount,
		&authMethod,
		&c.Tokens.AccessToken,
		&c.Tokens.RefreshToken,
		&c.Tokens.CSRFToken,
		&c.ClientID,
		&c.ClientSecret,
		&c.ProfileARN,
		&expiresAt,
		&c.RefreshTokenAliases,
		&metadataJSON,
		&c.CreatedAt,
		&c.UpdatedAt,
		&lastUsed,
		&lastFailure,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan credential: %w", err)
	}

	// #nosec G115 - columns are CHECK constrained to non-negative values
	c.ID = uint64(id)
	c.Priority = uint32(priority)
	c.FailureCount = uint32(failureCount)
	c.AuthMethod = types.AuthMethod(authMethod)
	c.ExpiresAt = expiresAt
	c.LastUsedAt = lastUsed
	c.LastFailureAt = lastFailure
	if len(c.RefreshTokenAliases) == 0 {
		c.RefreshTokenAliases = nil
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata for credential %d: %w", c.ID, err)
		}
	}

	return &c, nil
}
