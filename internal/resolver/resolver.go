// Package resolver turns logical media URIs into short-lived fetchable
// URLs. Logical URIs are the only thing the catalog stores; every read
// path resolves them just-in-time so expiry is enforced uniformly.
package resolver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/triagedeck/triagedeck/internal/config"
)

// Resolved is a fetchable URL with its expiry in Unix milliseconds.
type Resolved struct {
	URL       string
	ExpiresAt int64
}

// Resolver converts a logical URI into a time-limited URL. ttl is clamped
// to the configured bounds by callers before reaching implementations.
type Resolver interface {
	Resolve(ctx context.Context, logicalURI string, ttl time.Duration, nowMS int64) (Resolved, error)
}

// ClampTTL bounds a requested TTL to the supported range.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl < config.MinSignedURLTTL {
		return config.MinSignedURLTTL
	}
	if ttl > config.MaxSignedURLTTL {
		return config.MaxSignedURLTTL
	}
	return ttl
}

// Identity returns the logical URI unchanged, with expiry bookkeeping.
// Used in development where media is served from a public path.
type Identity struct{}

// Resolve passes the URI through.
func (Identity) Resolve(_ context.Context, logicalURI string, ttl time.Duration, nowMS int64) (Resolved, error) {
	return Resolved{URL: logicalURI, ExpiresAt: nowMS + ttl.Milliseconds()}, nil
}

// Signed produces HMAC-signed URLs served by a media gateway that shares
// the key. The signature covers the logical URI and the expiry, so a URL
// cannot be retargeted or extended.
type Signed struct {
	key  []byte
	host string
}

// NewSigned builds a signing resolver. host is the gateway base URL.
func NewSigned(key []byte, host string) (*Signed, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("resolver: empty signing key")
	}
	return &Signed{key: key, host: host}, nil
}

// Resolve signs the logical URI for the requested lifetime.
func (s *Signed) Resolve(_ context.Context, logicalURI string, ttl time.Duration, nowMS int64) (Resolved, error) {
	expiresAt := nowMS + ttl.Milliseconds()

	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s\n%d", logicalURI, expiresAt)
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	q := url.Values{}
	q.Set("uri", logicalURI)
	q.Set("exp", fmt.Sprintf("%d", expiresAt))
	q.Set("sig", sig)

	return Resolved{
		URL:       s.host + "/media?" + q.Encode(),
		ExpiresAt: expiresAt,
	}, nil
}

// Verify checks a signed (uri, exp, sig) triple. The media gateway calls
// this on fetch.
func (s *Signed) Verify(logicalURI string, expiresAt int64, sig string, nowMS int64) bool {
	if nowMS > expiresAt {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s\n%d", logicalURI, expiresAt)
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(sig))
}
