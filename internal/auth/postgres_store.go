package auth

import (
	"context"
	"database/sql"
)

// PostgresStore persists API keys in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create stores a new API key.
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, user_id, role, store_id, name, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, key.ID, key.Hash, key.UserID, string(key.Role), nullable(key.StoreID), key.Name,
		key.CreatedAt, key.ExpiresAt, key.Revoked)
	return err
}

// GetByHash retrieves an API key by its hash.
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, hash, user_id, role, store_id, name, created_at, last_used, expires_at, revoked
		FROM api_keys WHERE hash = $1
		  AND revoked = FALSE
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, hash)
	key, err := scanKey(row)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// GetByUser retrieves all API keys for a user.
func (p *PostgresStore) GetByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, hash, user_id, role, store_id, name, created_at, last_used, expires_at, revoked
		FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Update updates an API key.
func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $1, revoked = $2 WHERE id = $3
	`, key.LastUsed, key.Revoked, key.ID)
	return err
}

// Delete removes an API key.
func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(row rowScanner) (*APIKey, error) {
	key := &APIKey{}
	var role string
	var storeID sql.NullString
	var lastUsed, expiresAt sql.NullTime

	if err := row.Scan(
		&key.ID, &key.Hash, &key.UserID, &role, &storeID, &key.Name,
		&key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked,
	); err != nil {
		return nil, err
	}

	key.Role = Role(role)
	key.StoreID = storeID.String
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	return key, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
