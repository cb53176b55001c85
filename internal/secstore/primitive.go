// Package secstore implements the two-tier credential store. The
// sensitive tier passes every value through an AEAD cipher before it
// reaches the platform secure primitive and fails closed when that
// primitive is missing. The plain tier is best-effort storage for
// non-sensitive data such as the known-connection index.
package secstore

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrNotFound indicates the requested key does not exist.
	ErrNotFound = errors.New("secstore: key not found")

	// ErrUnavailable indicates the secure primitive cannot be reached.
	// Token-class operations must fail on this; there is no fallback.
	ErrUnavailable = errors.New("secstore: secure primitive unavailable")
)

// Primitive is the platform keychain-equivalent. Implementations hold
// small secrets durably and privately.
type Primitive interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// MemoryPrimitive is an in-process Primitive for tests and ephemeral
// sessions.
type MemoryPrimitive struct {
	mu    sync.RWMutex
	items map[string][]byte

	// Unavailable simulates a missing platform keychain.
	Unavailable bool
}

func NewMemoryPrimitive() *MemoryPrimitive {
	return &MemoryPrimitive{items: make(map[string][]byte)}
}

func (m *MemoryPrimitive) Get(ctx context.Context, key string) ([]byte, error) {
	if m.Unavailable {
		return nil, ErrUnavailable
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryPrimitive) Set(ctx context.Context, key string, value []byte) error {
	if m.Unavailable {
		return ErrUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.items[key] = v
	return nil
}

func (m *MemoryPrimitive) Delete(ctx context.Context, key string) error {
	if m.Unavailable {
		return ErrUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// FilePrimitive stores each secret as a 0600 file in a private
// directory. This is the durable backend on platforms where the app
// owns its data directory.
type FilePrimitive struct {
	dir string
}

func NewFilePrimitive(dir string) (*FilePrimitive, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, ErrUnavailable
	}
	return &FilePrimitive{dir: dir}, nil
}

func (f *FilePrimitive) path(key string) string {
	// Hex-encode so arbitrary keys map to safe filenames.
	return filepath.Join(f.dir, hex.EncodeToString([]byte(key)))
}

func (f *FilePrimitive) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, ErrUnavailable
	}
	return data, nil
}

func (f *FilePrimitive) Set(ctx context.Context, key string, value []byte) error {
	tmp := f.path(key) + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return ErrUnavailable
	}
	if err := os.Rename(tmp, f.path(key)); err != nil {
		return ErrUnavailable
	}
	return nil
}

func (f *FilePrimitive) Delete(ctx context.Context, key string) error {
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return ErrUnavailable
	}
	return nil
}

// List returns every stored key with the given prefix. Only the file
// backend supports listing; it backs connection enumeration in tests
// and tooling.
func (f *FilePrimitive) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, ErrUnavailable
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		raw, err := hex.DecodeString(e.Name())
		if err != nil {
			continue
		}
		if key := string(raw); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
