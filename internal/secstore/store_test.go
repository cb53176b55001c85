package secstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramzidaher/Penny-sub000/internal/apperr"
)

type testSecret struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func newTestStore() (*Store, *MemoryPrimitive) {
	prim := NewMemoryPrimitive()
	return New(prim, NewMemoryPrimitive()), prim
}

func TestStore_RoundTrip(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	in := testSecret{AccessToken: "at-1", RefreshToken: "rt-1"}
	require.NoError(t, store.Set(ctx, "connection:tl_1_a", in))

	var out testSecret
	found, err := store.Get(ctx, "connection:tl_1_a", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, out)
}

func TestStore_ValuesAreEncryptedAtRest(t *testing.T) {
	store, prim := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", testSecret{AccessToken: "super-secret"}))

	raw, err := prim.Get(ctx, "k")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret")
	assert.Equal(t, ciphertextVersion, raw[0])
}

func TestStore_AbsentKey(t *testing.T) {
	store, _ := newTestStore()

	var out testSecret
	found, err := store.Get(context.Background(), "missing", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_FailsClosedWhenPrimitiveUnavailable(t *testing.T) {
	prim := NewMemoryPrimitive()
	prim.Unavailable = true
	store := New(prim, NewMemoryPrimitive())

	err := store.Set(context.Background(), "k", testSecret{AccessToken: "x"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindStorageUnavailable))

	var out testSecret
	_, err = store.Get(context.Background(), "k", &out)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindStorageUnavailable))
}

func TestStore_LegacyPlaintextUpgrade(t *testing.T) {
	store, prim := newTestStore()
	ctx := context.Background()

	// Simulate a value written before encryption was introduced.
	legacy, _ := json.Marshal(testSecret{AccessToken: "old-at"})
	require.NoError(t, prim.Set(ctx, "legacy-key", legacy))

	var out testSecret
	found, err := store.Get(ctx, "legacy-key", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "old-at", out.AccessToken)

	// The read should have upgraded the stored bytes to ciphertext.
	raw, err := prim.Get(ctx, "legacy-key")
	require.NoError(t, err)
	assert.Equal(t, ciphertextVersion, raw[0])
	assert.NotContains(t, string(raw), "old-at")
}

func TestStore_KeyLossReadsAsAbsent(t *testing.T) {
	prim := NewMemoryPrimitive()
	store := New(prim, NewMemoryPrimitive())
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", testSecret{AccessToken: "x"}))

	// Losing the master key invalidates all ciphertext. A fresh store
	// over the same data must read the entry as absent, not crash.
	require.NoError(t, prim.Delete(ctx, masterKeyName))
	fresh := New(prim, NewMemoryPrimitive())

	var out testSecret
	found, err := fresh.Get(ctx, "k", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_DeleteThenGet(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", testSecret{AccessToken: "x"}))
	require.NoError(t, store.Delete(ctx, "k"))

	var out testSecret
	found, err := store.Get(ctx, "k", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_PlainTierBestEffort(t *testing.T) {
	plain := NewMemoryPrimitive()
	store := New(NewMemoryPrimitive(), plain)
	ctx := context.Background()

	ids := []string{"tl_1_a", "tl_2_b"}
	require.NoError(t, store.SetPlain(ctx, "connections:index", ids))

	var out []string
	found, err := store.GetPlain(ctx, "connections:index", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ids, out)

	// An unavailable plain tier degrades to not-found, never to error.
	plain.Unavailable = true
	found, err = store.GetPlain(ctx, "connections:index", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFilePrimitive_RoundTripAndList(t *testing.T) {
	dir := t.TempDir()
	prim, err := NewFilePrimitive(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, prim.Set(ctx, "connection:tl_1_a", []byte("v1")))
	require.NoError(t, prim.Set(ctx, "oauth_state:abc", []byte("v2")))

	got, err := prim.Get(ctx, "connection:tl_1_a")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	keys, err := prim.List(ctx, "connection:")
	require.NoError(t, err)
	assert.Equal(t, []string{"connection:tl_1_a"}, keys)
}
