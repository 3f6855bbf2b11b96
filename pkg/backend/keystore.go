package backend

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
)

// ErrKeyNotFound is returned when no secret is held for a public key.
var ErrKeyNotFound = errors.New("key not found")

// KeyStore holds the private halves of the keys a Backend issued.
type KeyStore interface {
	Put(pub ed25519.PublicKey, priv ed25519.PrivateKey) error
	Get(pub ed25519.PublicKey) (ed25519.PrivateKey, error)
	Has(pub ed25519.PublicKey) (bool, error)
}

// DatastoreKeyStore implements KeyStore on top of a go-datastore Datastore.
type DatastoreKeyStore struct {
	ds datastore.Datastore
}

// NewDatastoreKeyStore wraps ds. The datastore must be safe for concurrent
// use if the backend is shared.
func NewDatastoreKeyStore(ds datastore.Datastore) *DatastoreKeyStore {
	return &DatastoreKeyStore{ds: ds}
}

// NewMemoryKeyStore returns a key store backed by a mutex-wrapped map datastore.
func NewMemoryKeyStore() *DatastoreKeyStore {
	return NewDatastoreKeyStore(dssync.MutexWrap(datastore.NewMapDatastore()))
}

func keyFor(pub ed25519.PublicKey) datastore.Key {
	return datastore.NewKey("/eid/keys/" + hex.EncodeToString(pub))
}

func (s *DatastoreKeyStore) Put(pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	if len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid private key size: got %d, want %d", len(priv), ed25519.PrivateKeySize)
	}
	return s.ds.Put(context.Background(), keyFor(pub), priv)
}

func (s *DatastoreKeyStore) Get(pub ed25519.PublicKey) (ed25519.PrivateKey, error) {
	data, err := s.ds.Get(context.Background(), keyFor(pub))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %x", ErrKeyNotFound, []byte(pub))
	}
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("stored key has size %d, want %d", len(data), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(data), nil
}

func (s *DatastoreKeyStore) Has(pub ed25519.PublicKey) (bool, error) {
	return s.ds.Has(context.Background(), keyFor(pub))
}
