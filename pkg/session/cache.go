package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/codeGROOVE-dev/fido"
)

const (
	// defaultCacheSize bounds the number of remembered sessions.
	defaultCacheSize = 4096

	// DefaultCacheTTL is how long a successful verification is reused.
	// Short, so a revoked session stops reconnecting within a minute.
	DefaultCacheTTL = time.Minute
)

// CachingVerifier remembers successful verifications so that a browser
// reconnecting every few seconds does not hit the auth backend each time.
// Failures are never cached.
type CachingVerifier struct {
	next  Verifier
	cache *fido.Cache[string, Identity]
	now   func() time.Time
}

// NewCachingVerifier wraps next with a TTL cache. A ttl of zero uses
// DefaultCacheTTL.
func NewCachingVerifier(next Verifier, ttl time.Duration) *CachingVerifier {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachingVerifier{
		next: next,
		cache: fido.New[string, Identity](
			fido.Size(defaultCacheSize),
			fido.TTL(ttl),
		),
		now: time.Now,
	}
}

// Verify returns a cached identity when one is fresh, otherwise delegates.
func (v *CachingVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	key := cacheKey(token)

	if id, ok := v.cache.Get(key); ok {
		// The cache TTL can outlive the token itself.
		if id.ExpiresAt.IsZero() || v.now().Before(id.ExpiresAt) {
			return id, nil
		}
	}

	id, err := v.next.Verify(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	v.cache.Set(key, id)
	return id, nil
}

// Len returns the number of cached sessions.
func (v *CachingVerifier) Len() int {
	return v.cache.Len()
}

// cacheKey hashes the token so raw credentials are not held as map keys.
func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
