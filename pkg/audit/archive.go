package audit

import (
	"context"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	format "github.com/ipfs/go-ipld-format"

	"github.com/phnx-im/eid/pkg/eid"
)

// Archive is a content-addressed store of accepted evolvements, keyed by
// their eid content ID.
type Archive struct {
	bs blockstore.Blockstore
}

// NewArchive stores evolvement blocks in ds.
func NewArchive(ds datastore.Batching) *Archive {
	return &Archive{bs: blockstore.NewBlockstore(ds)}
}

// NewMemoryArchive returns an Archive over a mutex-wrapped map datastore.
func NewMemoryArchive() *Archive {
	return NewArchive(dssync.MutexWrap(datastore.NewMapDatastore()))
}

// Put stores ev and returns its content ID.
func (a *Archive) Put(ctx context.Context, ev eid.Evolvement) (string, error) {
	id, err := ev.ID()
	if err != nil {
		return "", err
	}
	data, err := ev.Marshal()
	if err != nil {
		return "", err
	}
	c, err := cid.Decode(id)
	if err != nil {
		return "", fmt.Errorf("decode cid: %w", err)
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return "", fmt.Errorf("create block: %w", err)
	}
	if err := a.bs.Put(ctx, blk); err != nil {
		return "", fmt.Errorf("store block %s: %w", id, err)
	}
	return id, nil
}

// Get returns the evolvement with content ID id.
func (a *Archive) Get(ctx context.Context, id string) (eid.Evolvement, error) {
	if err := eid.ParseDigest(id); err != nil {
		return eid.Evolvement{}, fmt.Errorf("%w: %w", ErrInvalidCID, err)
	}
	c, err := cid.Decode(id)
	if err != nil {
		return eid.Evolvement{}, fmt.Errorf("%w: %w", ErrInvalidCID, err)
	}
	blk, err := a.bs.Get(ctx, c)
	if format.IsNotFound(err) {
		return eid.Evolvement{}, fmt.Errorf("evolvement %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return eid.Evolvement{}, fmt.Errorf("read block %s: %w", id, err)
	}
	return eid.UnmarshalEvolvement(blk.RawData())
}

func (a *Archive) Has(ctx context.Context, id string) (bool, error) {
	c, err := cid.Decode(id)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidCID, err)
	}
	return a.bs.Has(ctx, c)
}
