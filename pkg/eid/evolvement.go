package eid

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind is the membership transition an Evolvement encodes.
type Kind uint8

const (
	KindAdd Kind = iota + 1
	KindRemove
	KindUpdate
)

func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindRemove:
		return "remove"
	case KindUpdate:
		return "update"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case KindAdd, KindRemove, KindUpdate:
		return []byte(k.String()), nil
	}
	return nil, fmt.Errorf("unknown evolvement kind %d", uint8(k))
}

func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "add":
		*k = KindAdd
	case "remove":
		*k = KindRemove
	case "update":
		*k = KindUpdate
	default:
		return fmt.Errorf("unknown evolvement kind %q", text)
	}
	return nil
}

// Evolvement is one committed membership transition. It moves a group from
// the state identified by Parent to the state {Group, Epoch, Members}.
type Evolvement struct {
	Kind  Kind    `json:"kind"`
	Group GroupID `json:"group"`
	Epoch uint64  `json:"epoch"`
	// Parent is the digest of the state the evolvement was proposed against.
	Parent string `json:"parent"`
	// Members is the resulting member set in canonical order.
	Members []Member `json:"members"`
	// Subject is the added or removed member, or the updated member with its
	// new key.
	Subject  Member `json:"subject"`
	Proposer Member `json:"proposer"`
	// Welcome is the serialized pre-add TranscriptState. Set only on Add.
	Welcome []byte `json:"welcome,omitempty"`
	// Commit is the proposer's signature over every other field.
	Commit []byte `json:"commit,omitempty"`
}

// Marshal returns the canonical encoding of the evolvement.
func (e Evolvement) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvolvement decodes an evolvement produced by Marshal.
func UnmarshalEvolvement(data []byte) (Evolvement, error) {
	var e Evolvement
	if err := json.Unmarshal(data, &e); err != nil {
		return Evolvement{}, fmt.Errorf("decode evolvement: %w", err)
	}
	return e, nil
}

// ID returns the content identifier of the evolvement.
func (e Evolvement) ID() (string, error) {
	data, err := e.Marshal()
	if err != nil {
		return "", err
	}
	return computeCID(data)
}

// Equal compares two evolvements by value.
func (e Evolvement) Equal(o Evolvement) bool {
	a, err := e.Marshal()
	if err != nil {
		return false
	}
	b, err := o.Marshal()
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// IsValidSuccessor reports whether candidate can follow e: it belongs to the
// same group, extends e's epoch by one, names e's resulting state as its
// parent, and its member set is reachable from e's by exactly one transition
// of the declared kind. Only public fields are inspected.
func (e Evolvement) IsValidSuccessor(candidate Evolvement) bool {
	return checkSuccessor(e.resultingState(), candidate) == nil
}

func (e Evolvement) resultingState() TranscriptState {
	return TranscriptState{
		Group:   e.Group,
		Epoch:   e.Epoch,
		Members: canonicalMembers(e.Members),
	}
}

// signingBytes is the message the proposer signs.
func (e Evolvement) signingBytes() ([]byte, error) {
	e.Commit = nil
	return e.Marshal()
}

func (e Evolvement) clone() Evolvement {
	out := e
	out.Members = cloneMembers(e.Members)
	out.Subject = e.Subject.clone()
	out.Proposer = e.Proposer.clone()
	out.Welcome = bytes.Clone(e.Welcome)
	out.Commit = bytes.Clone(e.Commit)
	return out
}

// checkSuccessor validates candidate against the state it claims to follow.
func checkSuccessor(prev TranscriptState, candidate Evolvement) error {
	if candidate.Group != prev.Group {
		return fmt.Errorf("%w: group %q, want %q", ErrInvalidSuccessor, candidate.Group, prev.Group)
	}
	if candidate.Epoch != prev.Epoch+1 {
		return fmt.Errorf("%w: epoch %d does not follow %d", ErrInvalidSuccessor, candidate.Epoch, prev.Epoch)
	}
	digest, err := prev.Digest()
	if err != nil {
		return err
	}
	if candidate.Parent != digest {
		return fmt.Errorf("%w: parent %s, want %s", ErrInvalidSuccessor, candidate.Parent, digest)
	}
	want, err := transition(prev.Members, candidate)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSuccessor, err)
	}
	if !sameMembers(want, candidate.Members) {
		return fmt.Errorf("%w: members do not match %s of %s", ErrInvalidSuccessor, candidate.Kind, candidate.Subject)
	}
	return nil
}

// transition computes the member set that results from applying the
// transition described by ev to prev. The proposer must be in prev.
func transition(prev []Member, ev Evolvement) ([]Member, error) {
	if !containsMember(prev, ev.Proposer) {
		return nil, fmt.Errorf("proposer %s is not a member", ev.Proposer)
	}
	subject := ev.Subject
	if len(subject.PublicKey) == 0 || len(subject.Identity) == 0 {
		return nil, fmt.Errorf("empty %s subject", ev.Kind)
	}

	switch ev.Kind {
	case KindAdd:
		if containsIdentity(prev, subject) || containsKey(prev, subject) {
			return nil, fmt.Errorf("%s is already a member", subject)
		}
		return canonicalMembers(append(canonicalMembers(prev), subject)), nil

	case KindRemove:
		if !containsMember(prev, subject) {
			return nil, fmt.Errorf("%s is not a member", subject)
		}
		if subject.Equal(ev.Proposer) {
			return nil, fmt.Errorf("%s cannot remove itself", subject)
		}
		next := make([]Member, 0, len(prev)-1)
		for _, m := range prev {
			if !m.identical(subject) {
				next = append(next, m.clone())
			}
		}
		return canonicalMembers(next), nil

	case KindUpdate:
		if !subject.SameIdentity(ev.Proposer) {
			return nil, fmt.Errorf("update of %s proposed by %s", subject, ev.Proposer)
		}
		if containsKey(prev, subject) {
			return nil, fmt.Errorf("update of %s does not change key material", subject)
		}
		next := make([]Member, 0, len(prev))
		for _, m := range prev {
			if m.Equal(ev.Proposer) {
				next = append(next, subject.clone())
			} else {
				next = append(next, m.clone())
			}
		}
		return canonicalMembers(next), nil
	}
	return nil, fmt.Errorf("unknown evolvement kind %d", uint8(ev.Kind))
}
