package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-redis/redis/v8"

	"github.com/flowforge/runner/internal/store"
)

// APIKeyAuthenticator checks a request's X-API-Key header (or
// "Authorization: Bearer <key>") against a configured static key and
// any dynamically issued keys. Dynamic keys are looked up in Redis
// when configured, falling back to the store's api_keys table
// otherwise, per SPEC_FULL.md's ambient-auth collaborator note.
type APIKeyAuthenticator struct {
	staticKeyHash string // hex SHA-256, empty if no static key configured
	redis         *redis.Client
	store         *store.Store
}

// APIKeyAuthConfig configures an APIKeyAuthenticator.
type APIKeyAuthConfig struct {
	StaticKey string
	Redis     *redis.Client
	Store     *store.Store
}

// NewAPIKeyAuthenticator builds an authenticator from config.
func NewAPIKeyAuthenticator(cfg APIKeyAuthConfig) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{redis: cfg.Redis, store: cfg.Store}
	if cfg.StaticKey != "" {
		a.staticKeyHash = hashAPIKey(cfg.StaticKey)
	}
	return a
}

// Authenticate implements Authenticator.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) *Identity {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
			key = h[7:]
		}
	}
	if key == "" {
		return nil
	}
	keyHash := hashAPIKey(key)

	if a.staticKeyHash != "" && subtle.ConstantTimeCompare([]byte(keyHash), []byte(a.staticKeyHash)) == 1 {
		return &Identity{Subject: "apikey:static", KeyName: "static"}
	}

	ctx := r.Context()
	if a.redis != nil {
		if ok, _ := a.redis.SIsMember(ctx, "flowforge:apikeys", keyHash).Result(); ok {
			return &Identity{Subject: "apikey:" + keyHash[:8], KeyName: keyHash[:8]}
		}
	}
	if a.store != nil {
		if ok, _ := a.store.HasAPIKeyHash(ctx, keyHash); ok {
			return &Identity{Subject: "apikey:" + keyHash[:8], KeyName: keyHash[:8]}
		}
	}
	return nil
}

// hashAPIKey creates a SHA-256 hex digest of the API key, the form
// both the store's api_keys table and Redis cache index by — plaintext
// keys are never persisted.
func hashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// IssueAPIKey generates a random key, persists only its hash via
// store.SaveAPIKeyHash, and returns the plaintext once — it is never
// recoverable afterward.
func IssueAPIKey(ctx context.Context, s *store.Store, label string) (string, error) {
	key := generateAPIKey()
	if err := s.SaveAPIKeyHash(ctx, hashAPIKey(key), label); err != nil {
		return "", err
	}
	return key, nil
}

func generateAPIKey() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	raw := make([]byte, 32)
	rand.Read(raw)
	b := make([]byte, 32)
	for i := range b {
		b[i] = charset[raw[i]%byte(len(charset))]
	}
	return "ffk_" + string(b)
}
