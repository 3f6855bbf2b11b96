package eid

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"slices"
)

// Member is one participant of a group.
//
// Identity is stable across key updates; PublicKey is the current key
// material. Two members are Equal when their public keys match.
type Member struct {
	Identity  []byte `json:"identity"`
	PublicKey []byte `json:"public_key"`
}

// NewMember returns a member whose identity is its first public key.
func NewMember(pk []byte) Member {
	return Member{
		Identity:  bytes.Clone(pk),
		PublicKey: bytes.Clone(pk),
	}
}

// PK returns a copy of the member's public key.
func (m Member) PK() []byte {
	return bytes.Clone(m.PublicKey)
}

// Equal reports whether both members carry the same public key.
func (m Member) Equal(o Member) bool {
	return bytes.Equal(m.PublicKey, o.PublicKey)
}

// SameIdentity reports whether both members have the same stable identity,
// regardless of their current key material.
func (m Member) SameIdentity(o Member) bool {
	return bytes.Equal(m.Identity, o.Identity)
}

// WithKey returns a member with the same identity and new key material.
func (m Member) WithKey(pk []byte) Member {
	return Member{
		Identity:  bytes.Clone(m.Identity),
		PublicKey: bytes.Clone(pk),
	}
}

// String returns a short hex form of the member for logging.
func (m Member) String() string {
	id := m.Identity
	if len(id) > 4 {
		id = id[:4]
	}
	pk := m.PublicKey
	if len(pk) > 4 {
		pk = pk[:4]
	}
	return hex.EncodeToString(id) + "/" + hex.EncodeToString(pk)
}

func (m Member) clone() Member {
	return Member{
		Identity:  bytes.Clone(m.Identity),
		PublicKey: bytes.Clone(m.PublicKey),
	}
}

func (m Member) identical(o Member) bool {
	return m.SameIdentity(o) && m.Equal(o)
}

func compareMembers(a, b Member) int {
	if c := bytes.Compare(a.Identity, b.Identity); c != 0 {
		return c
	}
	return bytes.Compare(a.PublicKey, b.PublicKey)
}

// cloneMembers returns a deep copy of members in their original order.
func cloneMembers(members []Member) []Member {
	if members == nil {
		return nil
	}
	out := make([]Member, len(members))
	for i, m := range members {
		out[i] = m.clone()
	}
	return out
}

// canonicalMembers returns a deep copy of members in canonical order.
func canonicalMembers(members []Member) []Member {
	out := make([]Member, len(members))
	for i, m := range members {
		out[i] = m.clone()
	}
	slices.SortFunc(out, compareMembers)
	return out
}

// containsMember matches both identity and key material.
func containsMember(members []Member, m Member) bool {
	return slices.ContainsFunc(members, m.identical)
}

func containsKey(members []Member, m Member) bool {
	return slices.ContainsFunc(members, m.Equal)
}

func containsIdentity(members []Member, m Member) bool {
	return slices.ContainsFunc(members, m.SameIdentity)
}

// checkMemberSet fails if any member lacks key material or repeats the
// identity or key of another member.
func checkMemberSet(members []Member) error {
	for i, m := range members {
		if len(m.Identity) == 0 || len(m.PublicKey) == 0 {
			return fmt.Errorf("%w: member %d is empty", ErrInvalidMember, i)
		}
		for _, o := range members[:i] {
			if m.SameIdentity(o) || m.Equal(o) {
				return fmt.Errorf("%w: duplicate member %s", ErrInvalidMember, m)
			}
		}
	}
	return nil
}

func sameMembers(a, b []Member) bool {
	return slices.EqualFunc(canonicalMembers(a), canonicalMembers(b), Member.identical)
}
