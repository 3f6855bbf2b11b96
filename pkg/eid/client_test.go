package eid_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phnx-im/eid/pkg/backend"
	"github.com/phnx-im/eid/pkg/eid"
)

func TestCreateEID(t *testing.T) {
	b := backend.New()
	id := newIdentity(t, b)

	client, err := eid.CreateEID(id, b)
	require.NoError(t, err)

	ms := members(t, client)
	require.Len(t, ms, 1)
	assert.True(t, ms[0].Equal(newMember(t, b, id)))
	assert.True(t, ms[0].Equal(client.Self()))
	assert.Equal(t, uint64(0), client.Epoch())
	assert.NotEmpty(t, client.Group())

	ok, err := client.VerifyClient(client.Self())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreateEID_InvalidIdentity(t *testing.T) {
	b := backend.New()

	_, err := eid.CreateEID(eid.InitialIdentity("not an identity"), b)
	assert.ErrorIs(t, err, eid.ErrCreation)
}

func TestCreateEID_ForeignIdentity(t *testing.T) {
	issuer := backend.New()
	other := backend.New()

	// The identity is valid but its secret lives in another backend.
	_, err := eid.CreateEID(newIdentity(t, issuer), other)
	assert.ErrorIs(t, err, eid.ErrCreation)
}

func TestClient_AddRemoveScenario(t *testing.T) {
	b := backend.New()
	client := newClient(t, b)
	creator := client.Self()

	aliceID := newIdentity(t, b)
	alice := newMember(t, b, aliceID)

	addAlice, err := client.Add(aliceID, b)
	require.NoError(t, err)
	assert.Equal(t, eid.KindAdd, addAlice.Kind)
	assert.NotEmpty(t, addAlice.Welcome)

	// Proposing does not commit.
	ms := members(t, client)
	require.Len(t, ms, 1)
	assert.False(t, contains(ms, alice))

	require.NoError(t, client.Evolve(addAlice, b))
	ms = members(t, client)
	require.Len(t, ms, 2)
	assert.True(t, contains(ms, creator))
	assert.True(t, contains(ms, alice))

	// Adding Alice a second time is rejected.
	_, err = client.Add(aliceID, b)
	assert.ErrorIs(t, err, eid.ErrAddMember)
	assert.Len(t, members(t, client), 2)

	removeAlice, err := client.Remove(alice, b)
	require.NoError(t, err)
	assert.Len(t, members(t, client), 2)

	require.NoError(t, client.Evolve(removeAlice, b))
	ms = members(t, client)
	require.Len(t, ms, 1)
	assert.False(t, contains(ms, alice))
	assert.True(t, addAlice.IsValidSuccessor(removeAlice))

	// Removing Alice a second time is rejected.
	_, err = client.Remove(alice, b)
	assert.ErrorIs(t, err, eid.ErrInvalidMember)
	assert.Len(t, members(t, client), 1)
}

func TestClient_RemoveResolvesStoredMember(t *testing.T) {
	b := backend.New()
	client := newClient(t, b)
	alice, _ := addMember(t, client, b)

	// Members are looked up by key; the evolvement carries the group's entry.
	ev, err := client.Remove(eid.Member{Identity: []byte("other"), PublicKey: alice.PK()}, b)
	require.NoError(t, err)
	assert.Equal(t, alice.Identity, ev.Subject.Identity)
	require.NoError(t, client.Evolve(ev, b))
	assert.Len(t, members(t, client), 1)
}

func TestClient_RemoveSelf(t *testing.T) {
	b := backend.New()
	client := newClient(t, b)
	addMember(t, client, b)

	_, err := client.Remove(client.Self(), b)
	assert.ErrorIs(t, err, eid.ErrRemoveMember)
	assert.Len(t, members(t, client), 2)
}

func TestClient_UpdateScenario(t *testing.T) {
	b := backend.New()
	client := newClient(t, b)
	transcript, err := eid.NewTranscript(client.ExportTranscriptState(), nil, b)
	require.NoError(t, err)

	before := members(t, client)[0]

	update1, err := client.Update(b)
	require.NoError(t, err)
	assert.Equal(t, []eid.Member{before}, members(t, client))

	require.NoError(t, client.Evolve(update1, b))
	require.NoError(t, transcript.Evolve(update1, b))

	after1 := members(t, client)
	require.Len(t, after1, 1)
	assert.False(t, contains(after1, before))
	assert.True(t, after1[0].SameIdentity(before))
	assert.True(t, after1[0].Equal(client.Self()))
	assert.Equal(t, after1, transcript.Members())

	update2, err := client.Update(b)
	require.NoError(t, err)
	require.NoError(t, client.Evolve(update2, b))
	assert.True(t, update1.IsValidSuccessor(update2))
	require.NoError(t, transcript.Evolve(update2, b))

	after2 := members(t, client)
	require.Len(t, after2, 1)
	assert.False(t, contains(after2, after1[0]))
	assert.Equal(t, after2, transcript.Members())
}

func TestClient_FailedProposalLeavesStateUnchanged(t *testing.T) {
	b := backend.New()
	client := newClient(t, b)
	addMember(t, client, b)
	before := client.ExportTranscriptState()

	_, err := client.Remove(eid.NewMember([]byte("stranger")), b)
	require.ErrorIs(t, err, eid.ErrInvalidMember)
	_, err = client.Add(eid.InitialIdentity("garbage"), b)
	require.ErrorIs(t, err, eid.ErrAddMember)

	assert.Equal(t, before, client.ExportTranscriptState())
}

func TestClient_UpdateWithoutSecret(t *testing.T) {
	b := backend.New()
	client := newClient(t, b)

	_, err := client.Update(backend.New())
	assert.ErrorIs(t, err, eid.ErrUpdateMember)
}

func TestClient_EvolveRejectsForgedCommit(t *testing.T) {
	b := backend.New()
	client := newClient(t, b)

	ev, err := client.Add(newIdentity(t, b), b)
	require.NoError(t, err)
	ev.Commit[0] ^= 0xff

	err = client.Evolve(ev, b)
	assert.ErrorIs(t, err, eid.ErrApply)
	assert.Len(t, members(t, client), 1)
}

func TestClient_EvolveRejectsStaleProposal(t *testing.T) {
	b := backend.New()
	client := newClient(t, b)

	first, err := client.Add(newIdentity(t, b), b)
	require.NoError(t, err)
	second, err := client.Add(newIdentity(t, b), b)
	require.NoError(t, err)

	require.NoError(t, client.Evolve(first, b))

	// second was proposed against the genesis state.
	err = client.Evolve(second, b)
	assert.ErrorIs(t, err, eid.ErrApply)
	assert.ErrorIs(t, err, eid.ErrInvalidSuccessor)
	assert.Len(t, members(t, client), 2)
}

func TestJoin(t *testing.T) {
	b := backend.New()
	alice := newClient(t, b)

	bobID := newIdentity(t, b)
	welcome, err := alice.Add(bobID, b)
	require.NoError(t, err)
	require.NoError(t, alice.Evolve(welcome, b))

	bob, err := eid.Join(welcome, bobID, b)
	require.NoError(t, err)
	assert.Equal(t, members(t, alice), members(t, bob))
	assert.Equal(t, alice.Epoch(), bob.Epoch())
	assert.Equal(t, alice.Group(), bob.Group())

	// Bob rotates his key; Alice absorbs it.
	update, err := bob.Update(b)
	require.NoError(t, err)
	require.NoError(t, bob.Evolve(update, b))
	require.NoError(t, alice.Evolve(update, b))
	assert.Equal(t, members(t, alice), members(t, bob))
	assert.True(t, contains(members(t, alice), bob.Self()))
}

func TestJoin_WrongIdentity(t *testing.T) {
	b := backend.New()
	alice := newClient(t, b)

	welcome, err := alice.Add(newIdentity(t, b), b)
	require.NoError(t, err)

	_, err = eid.Join(welcome, newIdentity(t, b), b)
	assert.ErrorIs(t, err, eid.ErrCreation)
}

func TestClient_Uninitialized(t *testing.T) {
	b := backend.New()
	var client eid.Client

	_, err := client.Members()
	assert.ErrorIs(t, err, eid.ErrStateNotInitialized)
	_, err = client.Add(newIdentity(t, b), b)
	assert.ErrorIs(t, err, eid.ErrStateNotInitialized)
	_, err = client.Update(b)
	assert.ErrorIs(t, err, eid.ErrStateNotInitialized)
	assert.ErrorIs(t, client.Evolve(eid.Evolvement{}, b), eid.ErrStateNotInitialized)
}
