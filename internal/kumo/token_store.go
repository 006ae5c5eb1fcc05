package kumo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openkumo/kumo-core/internal/infrastructure/database"
)

// SQLiteTokenStore persists the token pair in the auth_tokens table.
// One row per account; Kumo Core runs against a single account, so in
// practice the table holds one row.
type SQLiteTokenStore struct {
	db      *database.DB
	account string
}

// NewSQLiteTokenStore creates a token store scoped to one account.
func NewSQLiteTokenStore(db *database.DB, account string) *SQLiteTokenStore {
	return &SQLiteTokenStore{db: db, account: account}
}

// Load returns the stored token pair, or (nil, nil) if none exists.
func (s *SQLiteTokenStore) Load(ctx context.Context) (*StoredTokens, error) {
	var tokens StoredTokens
	var expiresAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expires_at
		FROM auth_tokens
		WHERE account = ?
	`, s.account).Scan(&tokens.Access, &tokens.Refresh, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying auth tokens: %w", err)
	}

	tokens.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parsing token expiry: %w", err)
	}

	return &tokens, nil
}

// Save upserts the token pair for the account.
func (s *SQLiteTokenStore) Save(ctx context.Context, tokens *StoredTokens) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (account, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`,
		s.account,
		tokens.Access,
		tokens.Refresh,
		tokens.ExpiresAt.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving auth tokens: %w", err)
	}
	return nil
}
