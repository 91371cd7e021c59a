package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/lead-call-orchestrator/internal/domain"
)

// CredentialRepository keeps the credential set as a single versioned row.
type CredentialRepository struct {
	db *sqlx.DB
}

// NewCredentialRepository constructs a new repository.
func NewCredentialRepository(db *sqlx.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

type credentialRecord struct {
	Version   int64     `db:"version"`
	Payload   string    `db:"payload"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Load returns the stored set, or an empty version-0 set when none was written.
func (r *CredentialRepository) Load(ctx context.Context) (domain.ProviderCredentials, error) {
	return loadCredentials(ctx, r.db)
}

func loadCredentials(ctx context.Context, q sqlx.QueryerContext) (domain.ProviderCredentials, error) {
	var record credentialRecord
	err := sqlx.GetContext(ctx, q, &record, `SELECT version, payload, updated_at FROM provider_credentials WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProviderCredentials{Values: map[string]string{}}, nil
	}
	if err != nil {
		return domain.ProviderCredentials{}, fmt.Errorf("credential repo: load: %w", err)
	}
	values := map[string]string{}
	if err := json.Unmarshal([]byte(record.Payload), &values); err != nil {
		return domain.ProviderCredentials{}, fmt.Errorf("credential repo: decode payload: %w", err)
	}
	return domain.ProviderCredentials{Values: values, Version: record.Version, UpdatedAt: record.UpdatedAt.UTC()}, nil
}

// Replace swaps the whole set and bumps the version.
func (r *CredentialRepository) Replace(ctx context.Context, values map[string]string, at time.Time) (domain.ProviderCredentials, error) {
	payload, err := json.Marshal(values)
	if err != nil {
		return domain.ProviderCredentials{}, fmt.Errorf("credential repo: encode payload: %w", err)
	}

	var stored domain.ProviderCredentials
	err = withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		current, err := loadCredentials(ctx, tx)
		if err != nil {
			return err
		}
		next := current.Version + 1
		q := tx.Rebind(`INSERT INTO provider_credentials (id, version, payload, updated_at) VALUES (1, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET version = excluded.version, payload = excluded.payload, updated_at = excluded.updated_at`)
		if _, err := tx.ExecContext(ctx, q, next, string(payload), at); err != nil {
			return fmt.Errorf("credential repo: replace: %w", err)
		}
		copied := make(map[string]string, len(values))
		for k, v := range values {
			copied[k] = v
		}
		stored = domain.ProviderCredentials{Values: copied, Version: next, UpdatedAt: at.UTC()}
		return nil
	})
	return stored, err
}
