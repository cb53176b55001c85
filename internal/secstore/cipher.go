package secstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// masterKeyName is the primitive slot holding the per-installation key.
// Losing it invalidates all ciphertext, which callers must treat as
// "absent, re-authenticate".
const masterKeyName = "secstore:master_key"

// ciphertextVersion prefixes every sealed value. JSON plaintext can
// never start with 0x01, which is what makes structural detection of
// pre-encryption values reliable.
const ciphertextVersion byte = 0x01

var errDecrypt = errors.New("secstore: decrypt failed")

// cipher seals and opens values with XChaCha20-Poly1305. The AEAD key
// is derived from the per-installation master key via PBKDF2 so the
// raw master key never leaves the primitive's custody unchanged.
type cipher struct {
	aeadKey []byte
}

// loadCipher fetches or creates the master key and derives the AEAD
// key. A primitive failure here is fatal for the sensitive tier.
func loadCipher(ctx context.Context, prim Primitive) (*cipher, error) {
	master, err := prim.Get(ctx, masterKeyName)
	if errors.Is(err, ErrNotFound) {
		master = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(master); err != nil {
			return nil, fmt.Errorf("generating master key: %w", err)
		}
		if err := prim.Set(ctx, masterKeyName, master); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	key := pbkdf2.Key(master, []byte("penny-secstore-v1"), 4096, chacha20poly1305.KeySize, sha256.New)
	return &cipher{aeadKey: key}, nil
}

// seal encrypts plaintext as version || nonce || ciphertext.
func (c *cipher) seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.aeadKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, ciphertextVersion)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// open decrypts a sealed value. Any tampering or key mismatch returns
// errDecrypt; callers map that to "absent".
func (c *cipher) open(data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.aeadKey)
	if err != nil {
		return nil, err
	}

	if len(data) < 1+aead.NonceSize()+aead.Overhead() || data[0] != ciphertextVersion {
		return nil, errDecrypt
	}

	nonce := data[1 : 1+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, data[1+aead.NonceSize():], nil)
	if err != nil {
		return nil, errDecrypt
	}
	return plaintext, nil
}

// isLegacyPlaintext reports whether a stored value predates the cipher:
// JSON documents start with '{', '[', or '"'.
func isLegacyPlaintext(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	switch data[0] {
	case '{', '[', '"':
		return true
	}
	return false
}
