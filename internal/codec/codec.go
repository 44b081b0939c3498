// Package codec encrypts message bodies at rest with XChaCha20-Poly1305.
//
// Every Encode call draws a fresh random 24-byte nonce. The sealed output is split
// into ciphertext and the 16-byte Poly1305 tag so the stored envelope carries
// ciphertext, iv and tag separately, together with the id of the key that sealed it.
// Decode never fails loudly: any malformed, tampered or foreign envelope degrades
// to the Unrecoverable placeholder.
package codec

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/adi-253/Talkie/realtime/internal/models"
)

// Unrecoverable replaces content that could not be decrypted.
const Unrecoverable = "[unrecoverable content]"

const tagSize = chacha20poly1305.Overhead

var (
	ErrNoKeys      = errors.New("codec: no keys configured")
	ErrInvalidKey  = errors.New("codec: key must be 32 bytes")
	ErrDuplicateID = errors.New("codec: duplicate key id")
)

// Key is one entry of the keyring.
type Key struct {
	ID     string
	Secret []byte
}

// Codec seals and opens message bodies. The first key is used for encoding;
// all keys are accepted for decoding so old messages survive rotation.
type Codec struct {
	current string
	keys    map[string][]byte
}

// New builds a codec from a keyring. keys[0] is the current encoding key.
func New(keys []Key) (*Codec, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	c := &Codec{current: keys[0].ID, keys: make(map[string][]byte, len(keys))}
	for _, k := range keys {
		if len(k.Secret) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("%w: %q", ErrInvalidKey, k.ID)
		}
		if _, dup := c.keys[k.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateID, k.ID)
		}
		c.keys[k.ID] = append([]byte(nil), k.Secret...)
	}
	return c, nil
}

// ParseKeys reads a comma separated list of id:hex entries, e.g.
// "k2:<64 hex chars>,k1:<64 hex chars>".
func ParseKeys(keyring string) ([]Key, error) {
	var keys []Key
	for _, part := range strings.Split(keyring, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, secretHex, ok := strings.Cut(part, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("codec: malformed key entry %q, want id:hex", part)
		}
		secret, err := hex.DecodeString(secretHex)
		if err != nil {
			return nil, fmt.Errorf("codec: key %q: %w", id, err)
		}
		if len(secret) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("%w: %q", ErrInvalidKey, id)
		}
		keys = append(keys, Key{ID: id, Secret: secret})
	}
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	return keys, nil
}

// GenerateKey returns a random key with the given id.
func GenerateKey(id string) (Key, error) {
	secret := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(secret); err != nil {
		return Key{}, fmt.Errorf("codec: generate key: %w", err)
	}
	return Key{ID: id, Secret: secret}, nil
}

// CurrentKeyID returns the id of the key used for encoding.
func (c *Codec) CurrentKeyID() string { return c.current }

// Encode seals plaintext under the current key.
func (c *Codec) Encode(plaintext string) (models.Envelope, error) {
	aead, err := chacha20poly1305.NewX(c.keys[c.current])
	if err != nil {
		return models.Envelope{}, fmt.Errorf("codec: init cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return models.Envelope{}, fmt.Errorf("codec: nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), []byte(c.current))
	split := len(sealed) - tagSize
	return models.Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:split]),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Tag:        base64.StdEncoding.EncodeToString(sealed[split:]),
		KeyID:      c.current,
	}, nil
}

// Decode opens an envelope. ok is false and the placeholder is returned when
// the envelope cannot be authenticated under any known key.
func (c *Codec) Decode(env models.Envelope) (plaintext string, ok bool) {
	key, found := c.keys[env.KeyID]
	if !found {
		return Unrecoverable, false
	}
	ct, err1 := base64.StdEncoding.DecodeString(env.Ciphertext)
	nonce, err2 := base64.StdEncoding.DecodeString(env.IV)
	tag, err3 := base64.StdEncoding.DecodeString(env.Tag)
	if err1 != nil || err2 != nil || err3 != nil {
		return Unrecoverable, false
	}
	if len(nonce) != chacha20poly1305.NonceSizeX || len(tag) != tagSize {
		return Unrecoverable, false
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Unrecoverable, false
	}
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	out, err := aead.Open(nil, nonce, sealed, []byte(env.KeyID))
	if err != nil {
		return Unrecoverable, false
	}
	return string(out), true
}
