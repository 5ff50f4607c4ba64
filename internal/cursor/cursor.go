// Package cursor encodes and verifies opaque pagination cursors.
//
// A cursor is base64url(payload) + "." + base64url(HMAC-SHA256(payload)).
// The payload is a small JSON object carrying the view name, the keyset
// position, and the issue time. Cursors are bound to a view so a token from
// one listing cannot be replayed against another, and they expire after a
// configured TTL. Any tampering, view mismatch, or expiry surfaces as a
// single client-visible failure: invalid_cursor.
package cursor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// View names bound into cursor payloads.
const (
	ViewItems     = "items"
	ViewDecisions = "decisions"
	ViewExports   = "exports"
)

// ErrInvalid covers malformed, tampered, or wrong-view cursors.
var ErrInvalid = errors.New("cursor: invalid")

// ErrExpired marks a structurally valid cursor past its TTL.
var ErrExpired = errors.New("cursor: expired")

// Codec signs and verifies cursors for all views.
type Codec struct {
	secret []byte
	ttl    time.Duration
}

// NewCodec builds a codec. secret must be non-empty; ttl bounds cursor age.
func NewCodec(secret []byte, ttl time.Duration) (*Codec, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("cursor: empty secret")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cursor: non-positive ttl")
	}
	return &Codec{secret: secret, ttl: ttl}, nil
}

type envelope struct {
	V    int             `json:"v"`
	View string          `json:"view"`
	Key  json.RawMessage `json:"key"`
	IAT  int64           `json:"iat"`
}

// Encode signs key as a cursor for view. key must be JSON-serializable.
func (c *Codec) Encode(view string, key any, nowMS int64) (string, error) {
	raw, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("cursor: marshal key: %w", err)
	}
	payload, err := json.Marshal(envelope{V: 1, View: view, Key: raw, IAT: nowMS})
	if err != nil {
		return "", fmt.Errorf("cursor: marshal envelope: %w", err)
	}
	mac := c.sign(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(mac), nil
}

// Decode verifies token for view and unmarshals its key into dst.
// Returns ErrInvalid or ErrExpired; callers map both to 400 invalid_cursor.
func (c *Codec) Decode(view, token string, nowMS int64, dst any) error {
	payloadB64, macB64, ok := strings.Cut(token, ".")
	if !ok {
		return ErrInvalid
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return ErrInvalid
	}
	mac, err := base64.RawURLEncoding.DecodeString(macB64)
	if err != nil {
		return ErrInvalid
	}
	if !hmac.Equal(mac, c.sign(payload)) {
		return ErrInvalid
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ErrInvalid
	}
	if env.V != 1 || env.View != view {
		return ErrInvalid
	}
	if nowMS-env.IAT > c.ttl.Milliseconds() {
		return ErrExpired
	}
	if err := json.Unmarshal(env.Key, dst); err != nil {
		return ErrInvalid
	}
	return nil
}

func (c *Codec) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, c.secret)
	h.Write(payload)
	return h.Sum(nil)
}
