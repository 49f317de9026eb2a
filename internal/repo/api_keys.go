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

	"boardline/internal/domain"
)

// KeyPrefix marks boardline API secrets so they are recognisable in logs and scanners.
const KeyPrefix = "bl_"

// ErrKeyRevoked is returned when a presented key exists but was revoked.
var ErrKeyRevoked = errors.New("api key revoked")

const apiKeyColumns = `id,actor_id,label,prefix,key_hash,created_at,last_used_at,revoked_at`

// HashAPIKey digests a raw secret for storage and lookup.
func HashAPIKey(secret string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(secret)))
	return hex.EncodeToString(sum[:])
}

// DisplayPrefix returns the part of a secret that is safe to show.
func DisplayPrefix(secret string) string {
	secret = strings.TrimSpace(secret)
	if n := len(KeyPrefix) + 6; len(secret) > n {
		return secret[:n]
	}
	return secret
}

func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, k domain.APIKey) error {
	switch {
	case k.ID == "", k.ActorID == "":
		return fmt.Errorf("api key needs id and actor")
	case len(k.KeyHash) != sha256.Size*2:
		return fmt.Errorf("api key %s: digest must be hex sha256", k.ID)
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now()
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO api_keys(`+apiKeyColumns+`) VALUES (?,?,?,?,?,?,NULL,NULL)`,
		k.ID, k.ActorID, k.Name, k.Prefix, k.KeyHash, formatTime(k.CreatedAt))
	return err
}

// ActiveAPIKey finds the key matching digest. Revoked keys yield ErrKeyRevoked.
func (r Repo) ActiveAPIKey(ctx context.Context, digest string) (domain.APIKey, error) {
	k, err := scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, digest))
	if err != nil {
		return k, err
	}
	if k.Revoked() {
		return k, ErrKeyRevoked
	}
	return k, nil
}

// TouchAPIKey records that the key authenticated a request at now.
func (r Repo) TouchAPIKey(ctx context.Context, id string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE id=?`, formatTime(now), id)
	return err
}

// ListAPIKeys lists keys newest first. An empty actorID lists every actor's keys.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys
WHERE (?='' OR actor_id=?) ORDER BY created_at DESC, id`, actorID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}

// RevokeAPIKey stamps revoked_at. The row is kept so listings still show the key.
func (r Repo) RevokeAPIKey(ctx context.Context, id string, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET revoked_at=COALESCE(revoked_at, ?) WHERE id=?`, formatTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKey(row rowScanner) (domain.APIKey, error) {
	var k domain.APIKey
	var created string
	var used, revoked sql.NullString
	err := row.Scan(&k.ID, &k.ActorID, &k.Name, &k.Prefix, &k.KeyHash, &created, &used, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return k, ErrNotFound
	}
	if err != nil {
		return k, err
	}
	k.CreatedAt = parseTime(created)
	k.LastUsedAt = parseNullTime(used)
	k.RevokedAt = parseNullTime(revoked)
	return k, nil
}
