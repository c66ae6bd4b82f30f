package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"upkeep/internal/domain"
)

// HashAPIKey derives the stored digest for a raw API key. Keys are never
// persisted in clear.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (r *Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, k domain.APIKey) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO api_keys(id,account_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		k.ID, k.AccountID, nullable(k.Name), k.KeyHash, k.CreatedAt)
	return err
}

// GetAccountByAPIKey resolves the active account for a raw API key.
func (r *Repo) GetAccountByAPIKey(ctx context.Context, raw string) (domain.Account, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts
		 WHERE id=(SELECT account_id FROM api_keys WHERE key_hash=?) AND active=1`,
		HashAPIKey(raw))
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return domain.Account{}, ErrNotFound
	}
	return a, err
}

func (r *Repo) ListAPIKeys(ctx context.Context, accountID string) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,account_id,name,key_hash,created_at FROM api_keys WHERE account_id=? ORDER BY created_at ASC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.APIKey
	for rows.Next() {
		var k domain.APIKey
		var name sql.NullString
		if err := rows.Scan(&k.ID, &k.AccountID, &name, &k.KeyHash, &k.CreatedAt); err != nil {
			return nil, err
		}
		k.Name = fromNull(name)
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *Repo) DeleteAPIKey(ctx context.Context, tx *sql.Tx, accountID, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM api_keys WHERE id=? AND account_id=?`, id, accountID)
	if err != nil {
		return err
	}
	return oneRow(res)
}
