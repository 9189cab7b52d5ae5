package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"fire-dispatch/radiostatus/internal/config"
)

// KeyStore resolves an API key to the id of the user it was issued to. An
// unknown key resolves to "".
type KeyStore interface {
	GetAPIKey(ctx context.Context, apiKey string) (string, error)
}

type cacheEntry struct {
	userID    string
	expiresAt time.Time
}

type Authenticator struct {
	localCache sync.Map
	keys       KeyStore
	ttl        time.Duration
	staticKeys map[string]string
	now        func() time.Time
}

// NewAuthenticator builds the lookup chain. Static keys come from
// VALID_API_KEYS as "key:userID"; a bare key authenticates as the user whose
// id equals the key. keys may be nil when no shared store holds issued keys.
func NewAuthenticator(cfg *config.Config, keys KeyStore) *Authenticator {
	staticKeys := make(map[string]string, len(cfg.ValidAPIKeys))
	for _, k := range cfg.ValidAPIKeys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		key, userID, found := strings.Cut(k, ":")
		if !found {
			userID = key
		}
		staticKeys[key] = userID
	}

	return &Authenticator{
		keys:       keys,
		ttl:        time.Duration(cfg.AuthCacheTTLSeconds) * time.Second,
		staticKeys: staticKeys,
		now:        time.Now,
	}
}

// Authenticate returns the user id behind apiKey.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (string, bool) {
	if apiKey == "" {
		return "", false
	}

	// Level 0: static config keys
	if userID, ok := a.staticKeys[apiKey]; ok {
		return userID, true
	}

	// Level 1: in-memory cache
	if raw, ok := a.localCache.Load(apiKey); ok {
		entry := raw.(cacheEntry)
		if a.now().Before(entry.expiresAt) {
			return entry.userID, true
		}
		a.localCache.Delete(apiKey)
	}

	// Level 2: shared store lookup
	if a.keys == nil {
		return "", false
	}
	userID, err := a.keys.GetAPIKey(ctx, apiKey)
	if err != nil || userID == "" {
		return "", false
	}

	a.localCache.Store(apiKey, cacheEntry{
		userID:    userID,
		expiresAt: a.now().Add(a.ttl),
	})

	return userID, true
}

func (a *Authenticator) Validate(ctx context.Context, apiKey string) bool {
	_, ok := a.Authenticate(ctx, apiKey)
	return ok
}
