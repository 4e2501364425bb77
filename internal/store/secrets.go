package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveAPIKeyHash persists the SHA-256 hash of an issued API key (never
// the key itself) under a human-readable label.
func (s *Store) SaveAPIKeyHash(ctx context.Context, keyHash, label string) error {
	_, err := s.writer.ExecContext(ctx,
		`INSERT OR REPLACE INTO api_keys (key_hash, label, created_at) VALUES (?, ?, ?)`,
		keyHash, label, time.Now().UTC())
	if err != nil {
		return wrapBusy(fmt.Errorf("save api key hash: %w", err))
	}
	return nil
}

// HasAPIKeyHash reports whether a given key hash is registered.
func (s *Store) HasAPIKeyHash(ctx context.Context, keyHash string) (bool, error) {
	var n int
	err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys WHERE key_hash = ?`, keyHash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check api key hash: %w", err)
	}
	return n > 0, nil
}

// SaveSecret persists an AES-256-GCM-encrypted secret value scoped to a
// project.
func (s *Store) SaveSecret(ctx context.Context, projectID, name string, ciphertext []byte) error {
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO secrets (id, project_id, name, ciphertext) VALUES (?, ?, ?, ?)
		 ON CONFLICT(project_id, name) DO UPDATE SET ciphertext = excluded.ciphertext`,
		uuid.NewString(), projectID, name, ciphertext)
	if err != nil {
		return wrapBusy(fmt.Errorf("save secret: %w", err))
	}
	return nil
}

// GetSecret fetches the raw ciphertext of a project-scoped secret.
func (s *Store) GetSecret(ctx context.Context, projectID, name string) ([]byte, error) {
	var ciphertext []byte
	err := s.reader.QueryRowContext(ctx,
		`SELECT ciphertext FROM secrets WHERE project_id = ? AND name = ?`, projectID, name,
	).Scan(&ciphertext)
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return ciphertext, nil
}
