package secrets

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowforge/runner/internal/store"
)

const secretRefPrefix = "$SECRET:"

// Resolver resolves $SECRET:name references in a pipeline job's
// environment variables against a project's encrypted secrets, stored
// via store.SaveSecret/GetSecret and decrypted with a Cipher.
type Resolver struct {
	store  *store.Store
	cipher *Cipher
}

// NewResolver creates a secret resolver scoped to the given store and cipher.
func NewResolver(s *store.Store, cipher *Cipher) *Resolver {
	return &Resolver{store: s, cipher: cipher}
}

// ResolveEnvVars resolves all $SECRET: references in a job's environment
// variables for the given project, returning a new map with secrets
// resolved to plaintext.
func (r *Resolver) ResolveEnvVars(ctx context.Context, projectID string, envVars map[string]string) (map[string]string, error) {
	if len(envVars) == 0 {
		return envVars, nil
	}

	resolved := make(map[string]string, len(envVars))
	for k, v := range envVars {
		resolvedValue, err := r.ResolveValue(ctx, projectID, v)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", k, err)
		}
		resolved[k] = resolvedValue
	}

	return resolved, nil
}

// ResolveValue resolves a single value that may contain a $SECRET:name reference.
func (r *Resolver) ResolveValue(ctx context.Context, projectID, value string) (string, error) {
	if !strings.HasPrefix(value, secretRefPrefix) {
		return value, nil
	}

	secretName := strings.TrimPrefix(value, secretRefPrefix)
	if secretName == "" {
		return "", fmt.Errorf("empty secret name in reference")
	}

	ciphertext, err := r.store.GetSecret(ctx, projectID, secretName)
	if err != nil {
		return "", fmt.Errorf("get secret %q: %w", secretName, err)
	}
	plaintext, err := r.cipher.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %q: %w", secretName, err)
	}

	return string(plaintext), nil
}

// IsSecretRef checks if a value is a secret reference.
func IsSecretRef(value string) bool {
	return strings.HasPrefix(value, secretRefPrefix)
}

// ExtractSecretName extracts the secret name from a reference.
func ExtractSecretName(value string) string {
	if !strings.HasPrefix(value, secretRefPrefix) {
		return ""
	}
	return strings.TrimPrefix(value, secretRefPrefix)
}

// ListSecretRefs returns all secret names referenced in the environment variables.
func ListSecretRefs(envVars map[string]string) []string {
	var refs []string
	for _, v := range envVars {
		if name := ExtractSecretName(v); name != "" {
			refs = append(refs, name)
		}
	}
	return refs
}
