package secstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ramzidaher/Penny-sub000/internal/apperr"
)

// Store is the single source of truth for tokens and one-time OAuth
// values. All components read and write through it instead of caching
// credentials in their own memory, so a concurrent rotation or
// revocation is observed by everyone.
type Store struct {
	prim  Primitive
	plain Primitive // best-effort tier; may be a different backend

	mu     sync.Mutex
	cipher *cipher
}

// New creates a Store. sensitive is the keychain-equivalent primitive;
// plain backs the non-sensitive tier and may simply be a file store.
func New(sensitive, plain Primitive) *Store {
	return &Store{prim: sensitive, plain: plain}
}

// ensureCipher lazily loads the per-installation key. Serialized so
// concurrent first use cannot mint two master keys.
func (s *Store) ensureCipher(ctx context.Context) (*cipher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cipher != nil {
		return s.cipher, nil
	}
	c, err := loadCipher(ctx, s.prim)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "loading store key", err)
	}
	s.cipher = c
	return c, nil
}

// Set encrypts and persists a token-class value. Fails closed: a
// primitive error is surfaced as StorageUnavailable, never downgraded
// to plaintext storage.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	c, err := s.ensureCipher(ctx)
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	sealed, err := c.seal(plaintext)
	if err != nil {
		return fmt.Errorf("sealing %s: %w", key, err)
	}

	if err := s.prim.Set(ctx, key, sealed); err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "writing "+key, err)
	}
	return nil
}

// Get decrypts a token-class value into out. Returns false when the
// key is absent, expired ciphertext cannot be opened (key loss), or a
// legacy value cannot be decoded. Decrypt failure deletes the dead
// ciphertext so callers converge on re-authentication.
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	c, err := s.ensureCipher(ctx)
	if err != nil {
		return false, err
	}

	data, err := s.prim.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.KindStorageUnavailable, "reading "+key, err)
	}

	// Values written before encryption was introduced are plaintext
	// JSON. Decode them directly and upgrade in place.
	if isLegacyPlaintext(data) {
		if err := json.Unmarshal(data, out); err != nil {
			log.Printf("[SecStore] Dropping undecodable legacy value for %s", key)
			_ = s.prim.Delete(ctx, key)
			return false, nil
		}
		if sealed, err := c.seal(data); err == nil {
			if err := s.prim.Set(ctx, key, sealed); err != nil {
				log.Printf("[SecStore] Legacy upgrade write failed for %s: %v", key, err)
			}
		}
		return true, nil
	}

	plaintext, err := c.open(data)
	if err != nil {
		log.Printf("[SecStore] Decrypt failed for %s, treating as absent", key)
		_ = s.prim.Delete(ctx, key)
		return false, nil
	}

	if err := json.Unmarshal(plaintext, out); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

// Delete removes a token-class value.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.prim.Delete(ctx, key); err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "deleting "+key, err)
	}
	return nil
}

// SetPlain persists a non-sensitive value. Best effort: failures are
// logged, not fatal, because this tier only holds reconstructible data.
func (s *Store) SetPlain(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := s.plain.Set(ctx, key, data); err != nil {
		log.Printf("[SecStore] Plain tier write failed for %s: %v", key, err)
		return err
	}
	return nil
}

// GetPlain reads a non-sensitive value. Absent and unavailable both
// read as not-found.
func (s *Store) GetPlain(ctx context.Context, key string, out any) (bool, error) {
	data, err := s.plain.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		log.Printf("[SecStore] Plain tier read failed for %s: %v", key, err)
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

// DeletePlain removes a non-sensitive value.
func (s *Store) DeletePlain(ctx context.Context, key string) error {
	return s.plain.Delete(ctx, key)
}
