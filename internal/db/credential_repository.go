package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrCredentialNotFound = errors.New("credential not found")

// Credential holds one owner's derived password hash.
type Credential struct {
	OwnerID      string
	PasswordHash []byte
	Salt         []byte
	Iterations   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CredentialRepository stores PBKDF2-derived credentials.
type CredentialRepository struct {
	db *DB
}

func NewCredentialRepository(db *DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Upsert stores or replaces the owner's credential.
func (r *CredentialRepository) Upsert(ctx context.Context, cred *Credential) error {
	query := `
		INSERT INTO credentials (owner_id, password_hash, salt, iterations, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (owner_id) DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			salt = EXCLUDED.salt,
			iterations = EXCLUDED.iterations,
			updated_at = NOW()
	`

	_, err := r.db.ExecContext(ctx, query,
		cred.OwnerID, cred.PasswordHash, cred.Salt, cred.Iterations)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

// Get returns the owner's credential.
func (r *CredentialRepository) Get(ctx context.Context, ownerID string) (*Credential, error) {
	query := `
		SELECT owner_id, password_hash, salt, iterations, created_at, updated_at
		FROM credentials
		WHERE owner_id = $1
	`

	cred := &Credential{}
	err := r.db.QueryRowContext(ctx, query, ownerID).Scan(
		&cred.OwnerID, &cred.PasswordHash, &cred.Salt, &cred.Iterations,
		&cred.CreatedAt, &cred.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}
