package eid

import (
	"fmt"
	"log/slog"

	"github.com/transparency-dev/merkle/compact"
	"github.com/transparency-dev/merkle/rfc6962"
)

var rangeFactory = &compact.RangeFactory{Hash: rfc6962.DefaultHasher.HashChildren}

// Checkpoint commits to a transcript log: its size and RFC 6962 Merkle root.
type Checkpoint struct {
	Size uint64
	Root []byte
}

// Transcript tracks group membership without secrets. It trusts one
// snapshot and accepts only evolvements that validly extend it.
// A Transcript is not safe for concurrent use.
type Transcript struct {
	trusted TranscriptState
	current *State
	log     []Evolvement
	tree    *compact.Range
	logger  *slog.Logger
}

// NewTranscript seeds a transcript with trusted and replays log on top of it.
func NewTranscript(trusted TranscriptState, log []Evolvement, b Backend, opts ...Option) (*Transcript, error) {
	cfg := applyOptions(opts...)

	state, err := NewStateFromSnapshot(trusted)
	if err != nil {
		return nil, err
	}
	t := &Transcript{
		trusted: trusted.clone(),
		current: state,
		tree:    rangeFactory.NewEmptyRange(0),
		logger:  cfg.logger,
	}
	for i, ev := range log {
		if err := t.Evolve(ev, b); err != nil {
			return nil, fmt.Errorf("replay evolvement %d: %w", i, err)
		}
	}
	return t, nil
}

// Evolve appends ev to the log after checking that it is a valid successor
// of the log's tip and that it applies to the current state.
// On error the transcript is unchanged.
func (t *Transcript) Evolve(ev Evolvement, b Backend) error {
	if t == nil || !t.current.initialized() {
		return ErrStateNotInitialized
	}
	if n := len(t.log); n > 0 && !t.log[n-1].IsValidSuccessor(ev) {
		return fmt.Errorf("%w: %w: epoch %d does not extend the log tip", ErrApply, ErrInvalidSuccessor, ev.Epoch)
	}
	leaf, err := leafHash(ev)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrApply, err)
	}
	next := t.current.Clone()
	if err := next.Apply(ev, b); err != nil {
		return err
	}
	if err := t.tree.Append(leaf, nil); err != nil {
		return fmt.Errorf("append to log tree: %w", err)
	}
	t.current = next
	t.log = append(t.log, ev.clone())

	t.logger.Debug("transcript evolved", "group", ev.Group, "epoch", ev.Epoch, "kind", ev.Kind, "size", len(t.log))
	return nil
}

// AddEvolvement is Evolve.
func (t *Transcript) AddEvolvement(ev Evolvement, b Backend) error {
	return t.Evolve(ev, b)
}

// Members returns the members of the current state.
func (t *Transcript) Members() []Member {
	if t == nil {
		return nil
	}
	return t.current.Members()
}

// Log returns a copy of every evolvement applied since the trusted state.
func (t *Transcript) Log() []Evolvement {
	if t == nil {
		return nil
	}
	out := make([]Evolvement, len(t.log))
	for i, ev := range t.log {
		out[i] = ev.clone()
	}
	return out
}

// Len returns the number of evolvements in the log.
func (t *Transcript) Len() int {
	if t == nil {
		return 0
	}
	return len(t.log)
}

// TrustedState returns the snapshot the transcript was seeded with.
func (t *Transcript) TrustedState() TranscriptState {
	if t == nil {
		return TranscriptState{}
	}
	return t.trusted.clone()
}

// CurrentState returns the snapshot after the last applied evolvement.
func (t *Transcript) CurrentState() TranscriptState {
	if t == nil {
		return TranscriptState{}
	}
	return t.current.Snapshot()
}

func (t *Transcript) Group() GroupID {
	if t == nil {
		return ""
	}
	return t.current.Group()
}

func (t *Transcript) Epoch() uint64 {
	if t == nil {
		return 0
	}
	return t.current.Epoch()
}

// Checkpoint returns the size and Merkle root of the log.
func (t *Transcript) Checkpoint() (Checkpoint, error) {
	if t == nil {
		return Checkpoint{}, ErrStateNotInitialized
	}
	return rangeCheckpoint(t.tree)
}

// LogRoot computes the checkpoint of evs without applying them.
func LogRoot(evs []Evolvement) (Checkpoint, error) {
	r := rangeFactory.NewEmptyRange(0)
	for i, ev := range evs {
		leaf, err := leafHash(ev)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("evolvement %d: %w", i, err)
		}
		if err := r.Append(leaf, nil); err != nil {
			return Checkpoint{}, fmt.Errorf("evolvement %d: %w", i, err)
		}
	}
	return rangeCheckpoint(r)
}

func rangeCheckpoint(r *compact.Range) (Checkpoint, error) {
	if r.End() == 0 {
		return Checkpoint{Size: 0, Root: rfc6962.DefaultHasher.EmptyRoot()}, nil
	}
	root, err := r.GetRootHash(nil)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("compute log root: %w", err)
	}
	return Checkpoint{Size: r.End(), Root: root}, nil
}

func leafHash(ev Evolvement) ([]byte, error) {
	data, err := ev.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode evolvement: %w", err)
	}
	return rfc6962.DefaultHasher.HashLeaf(data), nil
}
