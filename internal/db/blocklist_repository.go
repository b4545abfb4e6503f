package db

import (
	"context"
	"fmt"
	"time"
)

// BlockedOwner is one entry in the owner blocklist.
type BlockedOwner struct {
	OwnerID   string
	Reason    string
	BlockedAt time.Time
}

// BlocklistRepository stores owners barred from submitting jobs.
type BlocklistRepository struct {
	db *DB
}

func NewBlocklistRepository(db *DB) *BlocklistRepository {
	return &BlocklistRepository{db: db}
}

// Block adds or updates a blocklist entry.
func (r *BlocklistRepository) Block(ctx context.Context, ownerID, reason string) error {
	query := `
		INSERT INTO blocked_owners (owner_id, reason, blocked_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (owner_id) DO UPDATE SET reason = EXCLUDED.reason
	`

	if _, err := r.db.ExecContext(ctx, query, ownerID, nullString(reason)); err != nil {
		return fmt.Errorf("failed to block owner: %w", err)
	}
	return nil
}

// Unblock removes a blocklist entry.
func (r *BlocklistRepository) Unblock(ctx context.Context, ownerID string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM blocked_owners WHERE owner_id = $1`, ownerID); err != nil {
		return fmt.Errorf("failed to unblock owner: %w", err)
	}
	return nil
}

// IsBlocked reports whether the owner is on the blocklist.
func (r *BlocklistRepository) IsBlocked(ctx context.Context, ownerID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM blocked_owners WHERE owner_id = $1)`, ownerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check blocklist: %w", err)
	}
	return exists, nil
}

// List returns every blocked owner.
func (r *BlocklistRepository) List(ctx context.Context) ([]*BlockedOwner, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT owner_id, COALESCE(reason, ''), blocked_at FROM blocked_owners ORDER BY blocked_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked owners: %w", err)
	}
	defer rows.Close()

	var out []*BlockedOwner
	for rows.Next() {
		b := &BlockedOwner{}
		if err := rows.Scan(&b.OwnerID, &b.Reason, &b.BlockedAt); err != nil {
			return nil, fmt.Errorf("failed to scan blocked owner: %w", err)
		}
		out = append(out, b)
	}

	return out, rows.Err()
}
