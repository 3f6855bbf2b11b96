package eid

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
)

// computeCID returns the CIDv1 (json codec, sha2-256) of a canonical encoding.
func computeCID(data []byte) (string, error) {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(uint64(multicodec.Json), hash).String(), nil
}

// ParseDigest checks that s is a well-formed digest as produced by
// State.Digest or Evolvement.ID.
func ParseDigest(s string) error {
	c, err := cid.Decode(s)
	if err != nil {
		return err
	}
	if c.Type() != uint64(multicodec.Json) {
		return fmt.Errorf("unexpected codec %s", multicodec.Code(c.Type()))
	}
	return nil
}
