package cursor

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triagedeck/triagedeck/internal/model"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec([]byte("test-secret"), 7*24*time.Hour)
	require.NoError(t, err)
	return c
}

func TestRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	now := int64(1_700_000_000_000)

	key := model.ItemKey{SortKey: "000017", ItemID: uuid.New()}
	tok, err := c.Encode(ViewItems, key, now)
	require.NoError(t, err)

	var got model.ItemKey
	require.NoError(t, c.Decode(ViewItems, tok, now+1000, &got))
	assert.Equal(t, key, got)
}

func TestViewMismatch(t *testing.T) {
	c := newTestCodec(t)
	now := int64(1_700_000_000_000)

	tok, err := c.Encode(ViewItems, model.ItemKey{SortKey: "a", ItemID: uuid.New()}, now)
	require.NoError(t, err)

	var got model.ItemKey
	assert.ErrorIs(t, c.Decode(ViewDecisions, tok, now, &got), ErrInvalid)
}

func TestForgedToken(t *testing.T) {
	c := newTestCodec(t)
	now := int64(1_700_000_000_000)

	tok, err := c.Encode(ViewItems, model.ItemKey{SortKey: "a", ItemID: uuid.New()}, now)
	require.NoError(t, err)

	var got model.ItemKey

	// Flip a payload byte.
	tampered := "A" + tok[1:]
	assert.ErrorIs(t, c.Decode(ViewItems, tampered, now, &got), ErrInvalid)

	// Strip the signature.
	payload, _, _ := strings.Cut(tok, ".")
	assert.ErrorIs(t, c.Decode(ViewItems, payload, now, &got), ErrInvalid)

	// Sign with a different secret.
	other, err := NewCodec([]byte("other-secret"), 7*24*time.Hour)
	require.NoError(t, err)
	tok2, err := other.Encode(ViewItems, model.ItemKey{SortKey: "a", ItemID: uuid.New()}, now)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Decode(ViewItems, tok2, now, &got), ErrInvalid)

	assert.ErrorIs(t, c.Decode(ViewItems, "garbage", now, &got), ErrInvalid)
}

func TestExpiry(t *testing.T) {
	c := newTestCodec(t)
	now := int64(1_700_000_000_000)
	ttl := (7 * 24 * time.Hour).Milliseconds()

	tok, err := c.Encode(ViewExports, model.ExportKey{CreatedAt: now, ID: uuid.New()}, now)
	require.NoError(t, err)

	var got model.ExportKey
	assert.NoError(t, c.Decode(ViewExports, tok, now+ttl, &got))
	assert.ErrorIs(t, c.Decode(ViewExports, tok, now+ttl+1, &got), ErrExpired)
}

func TestNewCodecValidation(t *testing.T) {
	_, err := NewCodec(nil, time.Hour)
	assert.Error(t, err)
	_, err = NewCodec([]byte("x"), 0)
	assert.Error(t, err)
}
