package escrow

import (
	"context"
	"database/sql"
)

// PostgresDirectory resolves payout recipients from the
// payout_accounts table. One row per store; re-registering a store
// replaces its recipient.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a PostgreSQL-backed payout directory.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Put(ctx context.Context, storeID, recipient string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO payout_accounts (store_id, recipient_code, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (store_id) DO UPDATE SET
			recipient_code = EXCLUDED.recipient_code,
			updated_at = NOW()
	`, storeID, recipient)
	return err
}

func (d *PostgresDirectory) RecipientFor(ctx context.Context, storeID string) (string, error) {
	var recipient string
	err := d.db.QueryRowContext(ctx, `
		SELECT recipient_code FROM payout_accounts WHERE store_id = $1
	`, storeID).Scan(&recipient)
	if err == sql.ErrNoRows {
		return "", ErrNoPayoutAccount
	}
	if err != nil {
		return "", err
	}
	return recipient, nil
}

var _ PayoutDirectory = (*PostgresDirectory)(nil)
