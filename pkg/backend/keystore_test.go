package backend

import (
	"crypto/ed25519"
	"testing"

	"github.com/ipfs/go-datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatastoreKeyStore(t *testing.T) {
	ks := NewMemoryKeyStore()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	ok, err := ks.Has(pub)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ks.Get(pub)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, ks.Put(pub, priv))

	ok, err = ks.Has(pub)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := ks.Get(pub)
	require.NoError(t, err)
	assert.Equal(t, priv, got)
}

func TestDatastoreKeyStore_RejectsBadKeys(t *testing.T) {
	ds := datastore.NewMapDatastore()
	ks := NewDatastoreKeyStore(ds)

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	assert.Error(t, ks.Put(pub, ed25519.PrivateKey("short")))

	// A corrupted entry is reported, not returned.
	require.NoError(t, ds.Put(t.Context(), keyFor(pub), []byte("garbage")))
	_, err = ks.Get(pub)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrKeyNotFound)
}
