// Package auth provides API-key verification for order submission.
package auth

import (
	"context"
	"sync"

	sberrors "sandbox-exchange/internal/errors"
)

// Verifier resolves an API key to a user id.
type Verifier interface {
	VerifyAPIKey(ctx context.Context, key string) (userID string, err error)
}

// StaticVerifier verifies against a fixed key -> user map from config.
type StaticVerifier struct {
	keys map[string]string
}

// NewStaticVerifier creates a verifier over a key -> user map.
func NewStaticVerifier(keys map[string]string) *StaticVerifier {
	copied := make(map[string]string, len(keys))
	for k, v := range keys {
		copied[k] = v
	}
	return &StaticVerifier{keys: copied}
}

// VerifyAPIKey resolves a key to its user.
func (v *StaticVerifier) VerifyAPIKey(_ context.Context, key string) (string, error) {
	userID, ok := v.keys[key]
	if !ok {
		return "", sberrors.ErrInvalidAPIKey
	}
	return userID, nil
}

// CachedVerifier wraps another verifier with a process-scoped cache.
// Lookups load through the source once per key under a single-flight
// mutex; Invalidate drops the cache after key rotation.
type CachedVerifier struct {
	source Verifier

	mu    sync.Mutex
	cache map[string]string
}

// NewCachedVerifier creates a caching verifier around source.
func NewCachedVerifier(source Verifier) *CachedVerifier {
	return &CachedVerifier{
		source: source,
		cache:  make(map[string]string),
	}
}

// VerifyAPIKey resolves a key, consulting the source only on cache miss.
// Failed lookups are not cached so a key issued later still works.
func (v *CachedVerifier) VerifyAPIKey(ctx context.Context, key string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if userID, ok := v.cache[key]; ok {
		return userID, nil
	}

	userID, err := v.source.VerifyAPIKey(ctx, key)
	if err != nil {
		return "", err
	}
	v.cache[key] = userID
	return userID, nil
}

// Invalidate drops all cached keys.
func (v *CachedVerifier) Invalidate() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = make(map[string]string)
}

var (
	_ Verifier = (*StaticVerifier)(nil)
	_ Verifier = (*CachedVerifier)(nil)
)
