package repo

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"storyline/internal/domain"
)

// HashAPIKey returns the hex sha256 of a raw API key. Only the hash is
// stored.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NewAPIKeySecret returns a fresh random key in the sk_<hex> form handed
// to callers exactly once at creation.
func NewAPIKeySecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "sk_" + hex.EncodeToString(buf), nil
}

// CreateAPIKey stores a new key for an actor and returns the record plus
// the raw secret.
func (r Repo) CreateAPIKey(q DBTX, actorID, name, createdAt string) (domain.APIKey, string, error) {
	raw, err := NewAPIKeySecret()
	if err != nil {
		return domain.APIKey{}, "", err
	}
	k := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   HashAPIKey(raw),
		CreatedAt: createdAt,
	}
	_, err = q.Exec(
		`INSERT INTO api_keys (id, actor_id, name, key_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		k.ID, k.ActorID, k.Name, k.KeyHash, k.CreatedAt,
	)
	if err != nil {
		return domain.APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	return k, raw, nil
}

// FindAPIKey resolves a raw key to its record, ErrNotFound when unknown.
func (r Repo) FindAPIKey(q DBTX, raw string) (domain.APIKey, error) {
	var k domain.APIKey
	err := q.QueryRow(
		`SELECT id, actor_id, name, key_hash, created_at FROM api_keys WHERE key_hash = ?`,
		HashAPIKey(raw),
	).Scan(&k.ID, &k.ActorID, &k.Name, &k.KeyHash, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return k, err
}

func (r Repo) ListAPIKeys(q DBTX) ([]domain.APIKey, error) {
	rows, err := q.Query(`SELECT id, actor_id, name, key_hash, created_at FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.APIKey
	for rows.Next() {
		var k domain.APIKey
		if err := rows.Scan(&k.ID, &k.ActorID, &k.Name, &k.KeyHash, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r Repo) DeleteAPIKey(q DBTX, id string) error {
	res, err := q.Exec(`DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
