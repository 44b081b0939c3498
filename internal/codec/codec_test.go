package codec

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T, ids ...string) *Codec {
	t.Helper()
	var keys []Key
	for _, id := range ids {
		k, err := GenerateKey(id)
		require.NoError(t, err)
		keys = append(keys, k)
	}
	c, err := New(keys)
	require.NoError(t, err)
	return c
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := newTestCodec(t, "k1")

	env, err := c.Encode("hi there")
	require.NoError(t, err)
	assert.Equal(t, "k1", env.KeyID)
	assert.NotContains(t, env.Ciphertext, "hi there")

	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	require.NoError(t, err)
	assert.Len(t, tag, 16)
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	require.NoError(t, err)
	assert.Len(t, iv, 24)

	got, ok := c.Decode(env)
	assert.True(t, ok)
	assert.Equal(t, "hi there", got)
}

func TestEncodeUsesFreshNonce(t *testing.T) {
	c := newTestCodec(t, "k1")
	a, err := c.Encode("same")
	require.NoError(t, err)
	b, err := c.Encode("same")
	require.NoError(t, err)
	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext+a.Tag, b.Ciphertext+b.Tag)
}

func TestDecodeDegradesOnBadInput(t *testing.T) {
	c := newTestCodec(t, "k1")
	env, err := c.Encode("secret")
	require.NoError(t, err)

	t.Run("tampered tag", func(t *testing.T) {
		bad := env
		tag, _ := base64.StdEncoding.DecodeString(bad.Tag)
		tag[0] ^= 0xff
		bad.Tag = base64.StdEncoding.EncodeToString(tag)
		got, ok := c.Decode(bad)
		assert.False(t, ok)
		assert.Equal(t, Unrecoverable, got)
	})

	t.Run("unknown key", func(t *testing.T) {
		bad := env
		bad.KeyID = "nope"
		got, ok := c.Decode(bad)
		assert.False(t, ok)
		assert.Equal(t, Unrecoverable, got)
	})

	t.Run("malformed base64", func(t *testing.T) {
		bad := env
		bad.IV = "!!!"
		_, ok := c.Decode(bad)
		assert.False(t, ok)
	})

	t.Run("foreign key with same id", func(t *testing.T) {
		other := newTestCodec(t, "k1")
		got, ok := other.Decode(env)
		assert.False(t, ok)
		assert.Equal(t, Unrecoverable, got)
	})
}

func TestRotationKeepsOldKeysReadable(t *testing.T) {
	oldKey, err := GenerateKey("old")
	require.NoError(t, err)
	newKey, err := GenerateKey("new")
	require.NoError(t, err)

	before, err := New([]Key{oldKey})
	require.NoError(t, err)
	env, err := before.Encode("from last year")
	require.NoError(t, err)

	after, err := New([]Key{newKey, oldKey})
	require.NoError(t, err)
	assert.Equal(t, "new", after.CurrentKeyID())

	got, ok := after.Decode(env)
	assert.True(t, ok)
	assert.Equal(t, "from last year", got)

	fresh, err := after.Encode("today")
	require.NoError(t, err)
	assert.Equal(t, "new", fresh.KeyID)
}

func TestParseKeys(t *testing.T) {
	hex64 := strings.Repeat("ab", 32)

	keys, err := ParseKeys("k2:" + hex64 + ", k1:" + hex64)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "k2", keys[0].ID)
	assert.Len(t, keys[1].Secret, 32)

	_, err = ParseKeys("")
	assert.ErrorIs(t, err, ErrNoKeys)

	_, err = ParseKeys("k1:abcd")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = ParseKeys("noid")
	assert.Error(t, err)
}

func TestNewRejectsDuplicates(t *testing.T) {
	k, err := GenerateKey("dup")
	require.NoError(t, err)
	_, err = New([]Key{k, k})
	assert.ErrorIs(t, err, ErrDuplicateID)
}
