package eid

import (
	"encoding/json"
	"fmt"
)

// TranscriptState is the public snapshot of a State. It carries no secrets
// and is what a Client exports to seed a Transcript.
type TranscriptState struct {
	Group   GroupID  `json:"group"`
	Epoch   uint64   `json:"epoch"`
	Members []Member `json:"members"`
}

// Marshal returns the canonical encoding of the snapshot.
func (ts TranscriptState) Marshal() ([]byte, error) {
	ts.Members = canonicalMembers(ts.Members)
	return json.Marshal(ts)
}

// UnmarshalTranscriptState decodes a snapshot produced by Marshal.
func UnmarshalTranscriptState(data []byte) (TranscriptState, error) {
	var ts TranscriptState
	if err := json.Unmarshal(data, &ts); err != nil {
		return TranscriptState{}, fmt.Errorf("decode transcript state: %w", err)
	}
	if err := checkMemberSet(ts.Members); err != nil {
		return TranscriptState{}, fmt.Errorf("decode transcript state: %w", err)
	}
	ts.Members = canonicalMembers(ts.Members)
	return ts, nil
}

// Digest returns the content identifier of the snapshot. Evolvements refer
// to their predecessor state by this value.
func (ts TranscriptState) Digest() (string, error) {
	data, err := ts.Marshal()
	if err != nil {
		return "", err
	}
	return computeCID(data)
}

func (ts TranscriptState) clone() TranscriptState {
	return TranscriptState{
		Group:   ts.Group,
		Epoch:   ts.Epoch,
		Members: canonicalMembers(ts.Members),
	}
}

// State is the membership of a group at one point of its evolvement chain.
// A State is not safe for concurrent use.
type State struct {
	group   GroupID
	epoch   uint64
	members []Member
}

// NewState returns the genesis state of group with creator as sole member.
func NewState(group GroupID, creator Member) *State {
	return &State{
		group:   group,
		members: []Member{creator.clone()},
	}
}

// NewStateFromSnapshot builds a State from an exported snapshot. The State
// does not alias ts.
func NewStateFromSnapshot(ts TranscriptState) (*State, error) {
	if ts.Group == "" {
		return nil, fmt.Errorf("%w: snapshot has no group", ErrStateNotInitialized)
	}
	if len(ts.Members) == 0 {
		return nil, fmt.Errorf("snapshot of group %s has no members", ts.Group)
	}
	if err := checkMemberSet(ts.Members); err != nil {
		return nil, fmt.Errorf("snapshot of group %s: %w", ts.Group, err)
	}
	return &State{
		group:   ts.Group,
		epoch:   ts.Epoch,
		members: canonicalMembers(ts.Members),
	}, nil
}

// Initialize turns a zero State into the genesis state of group.
func (s *State) Initialize(group GroupID, creator Member) error {
	if s.initialized() {
		return ErrStateAlreadyInitialized
	}
	if group == "" {
		return fmt.Errorf("%w: empty group id", ErrCreation)
	}
	s.group = group
	s.epoch = 0
	s.members = []Member{creator.clone()}
	return nil
}

func (s *State) initialized() bool {
	return s != nil && s.group != ""
}

// Apply moves the state to the result of ev. The evolvement must follow the
// current state and carry a commit the backend accepts from its proposer.
// On error the state is unchanged.
func (s *State) Apply(ev Evolvement, b Backend) error {
	if !s.initialized() {
		return ErrStateNotInitialized
	}
	if err := checkSuccessor(s.Snapshot(), ev); err != nil {
		return fmt.Errorf("%w: %w", ErrApply, err)
	}
	msg, err := ev.signingBytes()
	if err != nil {
		return fmt.Errorf("%w: encode evolvement: %w", ErrApply, err)
	}
	if err := b.Verify(ev.Proposer, msg, ev.Commit); err != nil {
		return fmt.Errorf("%w: commit rejected: %w", ErrApply, err)
	}
	s.members = canonicalMembers(ev.Members)
	s.epoch = ev.Epoch
	return nil
}

// ApplyLog applies evs in order. It is atomic: if any element fails, the
// state is left as it was before the call.
func (s *State) ApplyLog(evs []Evolvement, b Backend) error {
	if !s.initialized() {
		return ErrStateNotInitialized
	}
	next := s.Clone()
	for i, ev := range evs {
		if err := next.Apply(ev, b); err != nil {
			return fmt.Errorf("evolvement %d: %w", i, err)
		}
	}
	*s = *next
	return nil
}

// Members returns a copy of the current members in canonical order.
func (s *State) Members() []Member {
	if !s.initialized() {
		return nil
	}
	return canonicalMembers(s.members)
}

// VerifyClient reports whether m is a current member.
func (s *State) VerifyClient(m Member) (bool, error) {
	if !s.initialized() {
		return false, ErrStateNotInitialized
	}
	return containsKey(s.members, m), nil
}

// Digest returns the digest of the current snapshot.
func (s *State) Digest() (string, error) {
	if !s.initialized() {
		return "", ErrStateNotInitialized
	}
	return s.Snapshot().Digest()
}

func (s *State) Group() GroupID {
	if s == nil {
		return ""
	}
	return s.group
}

func (s *State) Epoch() uint64 {
	if s == nil {
		return 0
	}
	return s.epoch
}

// Snapshot exports the public part of the state.
func (s *State) Snapshot() TranscriptState {
	if !s.initialized() {
		return TranscriptState{}
	}
	return TranscriptState{
		Group:   s.group,
		Epoch:   s.epoch,
		Members: canonicalMembers(s.members),
	}
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	return &State{
		group:   s.group,
		epoch:   s.epoch,
		members: canonicalMembers(s.members),
	}
}

// MarshalJSON encodes the state as its snapshot.
func (s *State) MarshalJSON() ([]byte, error) {
	return s.Snapshot().Marshal()
}

// UnmarshalJSON restores a state encoded by MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	ts, err := UnmarshalTranscriptState(data)
	if err != nil {
		return err
	}
	restored, err := NewStateFromSnapshot(ts)
	if err != nil {
		return err
	}
	*s = *restored
	return nil
}
