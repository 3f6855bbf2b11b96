package eid_test

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/phnx-im/eid/pkg/backend"
	"github.com/phnx-im/eid/pkg/eid"
)

func newIdentity(t *testing.T, b *backend.Backend) eid.InitialIdentity {
	t.Helper()
	id, err := b.NewIdentity()
	require.NoError(t, err)
	return id
}

func newMember(t *testing.T, b *backend.Backend, id eid.InitialIdentity) eid.Member {
	t.Helper()
	m, err := b.ParseIdentity(id)
	require.NoError(t, err)
	return m
}

func newClient(t *testing.T, b *backend.Backend) *eid.Client {
	t.Helper()
	client, err := eid.CreateEID(newIdentity(t, b), b)
	require.NoError(t, err)
	return client
}

// addMember proposes and commits the addition of a fresh identity.
func addMember(t *testing.T, client *eid.Client, b *backend.Backend) (eid.Member, eid.Evolvement) {
	t.Helper()
	id := newIdentity(t, b)
	ev, err := client.Add(id, b)
	require.NoError(t, err)
	require.NoError(t, client.Evolve(ev, b))
	return newMember(t, b, id), ev
}

func members(t *testing.T, client *eid.Client) []eid.Member {
	t.Helper()
	ms, err := client.Members()
	require.NoError(t, err)
	return ms
}

func contains(members []eid.Member, m eid.Member) bool {
	return slices.ContainsFunc(members, m.Equal)
}
