package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/optiqlabs/tradecore/internal/types"
)

// CredentialSource resolves broker credentials for a user. Token storage is
// owned by the account-linking surface; the core only reads.
type CredentialSource interface {
	// GetToken returns the user's broker API token, or "" when the user has
	// no linked broker account.
	GetToken(ctx context.Context, userID string) (string, error)

	// GetActiveAccount returns the account trades should run against, or
	// nil when none is linked.
	GetActiveAccount(ctx context.Context, userID string) (*types.BrokerAccount, error)

	// ListAccounts returns every linked account for the user.
	ListAccounts(ctx context.Context, userID string) ([]types.BrokerAccount, error)
}

// GetToken implements CredentialSource against the broker_accounts table.
func (db *DB) GetToken(ctx context.Context, userID string) (string, error) {
	var token string
	err := db.pool.QueryRow(ctx,
		`SELECT token FROM broker_accounts WHERE user_id = $1 AND is_active ORDER BY linked_at DESC LIMIT 1`,
		userID,
	).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load broker token: %w", err)
	}
	return token, nil
}

// GetActiveAccount returns the most recently linked active account.
func (db *DB) GetActiveAccount(ctx context.Context, userID string) (*types.BrokerAccount, error) {
	var acc types.BrokerAccount
	err := db.pool.QueryRow(ctx,
		`SELECT account_id, currency FROM broker_accounts WHERE user_id = $1 AND is_active ORDER BY linked_at DESC LIMIT 1`,
		userID,
	).Scan(&acc.AccountID, &acc.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active account: %w", err)
	}
	return &acc, nil
}

// ListAccounts returns every linked account for the user.
func (db *DB) ListAccounts(ctx context.Context, userID string) ([]types.BrokerAccount, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT account_id, currency FROM broker_accounts WHERE user_id = $1 ORDER BY linked_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list broker accounts: %w", err)
	}
	defer rows.Close()

	var out []types.BrokerAccount
	for rows.Next() {
		var acc types.BrokerAccount
		if err := rows.Scan(&acc.AccountID, &acc.Currency); err != nil {
			return nil, fmt.Errorf("failed to scan broker account: %w", err)
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}
