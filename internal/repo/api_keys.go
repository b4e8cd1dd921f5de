package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"campaignflow/internal/domain"
)

const apiKeyColumns = `id, actor_id, name, key_hash, created_at, last_used_at`

// HashAPIKey returns the SHA-256 hex digest stored for a key. Surrounding
// whitespace is ignored.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

func scanAPIKey(s rowScanner) (domain.APIKey, error) {
	var key domain.APIKey
	var lastUsed sql.NullString
	if err := s.Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &key.CreatedAt, &lastUsed); err != nil {
		return domain.APIKey{}, err
	}
	if lastUsed.Valid {
		key.LastUsedAt = &lastUsed.String
	}
	return key, nil
}

// InsertAPIKey stores key. KeyHash must already be hashed.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	for field, v := range map[string]string{"id": key.ID, "actor_id": key.ActorID, "key_hash": key.KeyHash} {
		if v == "" {
			return fmt.Errorf("api key %s required", field)
		}
	}
	if key.CreatedAt == "" {
		key.CreatedAt = formatTime(time.Now())
	}
	_, err := r.execer(tx).ExecContext(ctx, `INSERT INTO api_keys(id, actor_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ActorID, key.Name, key.KeyHash, key.CreatedAt)
	return err
}

// GetAPIKeyByHash resolves a presented key to its row.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	key, err := scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return key, err
}

// TouchAPIKey records that the key authenticated a request at at.
func (r Repo) TouchAPIKey(ctx context.Context, id, at string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE id=?`, at, id)
	return err
}

// ListAPIKeys returns keys newest first. An empty actorID lists every key.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys
		WHERE (?='' OR actor_id=?) ORDER BY created_at DESC, id DESC`, actorID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []domain.APIKey{}
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey removes key id. A non-empty owner restricts the delete to keys
// of that actor; keys that do not exist or belong to someone else return
// ErrNotFound.
func (r Repo) DeleteAPIKey(ctx context.Context, tx *sql.Tx, id, owner string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("api key id required")
	}
	res, err := r.execer(tx).ExecContext(ctx, `DELETE FROM api_keys WHERE id=? AND (?='' OR actor_id=?)`, id, owner, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
