package eid

import (
	"fmt"
	"log/slog"
)

// Client is a live group member. It holds the group State and, through its
// Backend, the secrets needed to propose evolvements.
//
// Add, Remove and Update only propose: the committed State changes when the
// returned Evolvement is passed to Evolve. A Client is not safe for
// concurrent use.
type Client struct {
	self   Member
	state  *State
	logger *slog.Logger
}

// CreateEID starts a new group with the holder of identity as its only member.
func CreateEID(identity InitialIdentity, b Backend, opts ...Option) (*Client, error) {
	cfg := applyOptions(opts...)

	member, err := b.ParseIdentity(identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreation, err)
	}
	group, err := b.NewGroupID()
	if err != nil {
		return nil, fmt.Errorf("%w: new group id: %w", ErrCreation, err)
	}
	state := &State{}
	if err := state.Initialize(group, member); err != nil {
		return nil, err
	}
	if err := proveKey(state, member, b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreation, err)
	}

	cfg.logger.Debug("created eid", "group", group, "creator", member)
	return &Client{
		self:   member,
		state:  state,
		logger: cfg.logger,
	}, nil
}

// Join builds the Client of a member added by welcome, an Add evolvement
// whose subject is identity. The welcome snapshot is trusted as the group's
// state before the add.
func Join(welcome Evolvement, identity InitialIdentity, b Backend, opts ...Option) (*Client, error) {
	cfg := applyOptions(opts...)

	if welcome.Kind != KindAdd {
		return nil, fmt.Errorf("%w: cannot join from %s evolvement", ErrCreation, welcome.Kind)
	}
	member, err := b.ParseIdentity(identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreation, err)
	}
	if !welcome.Subject.identical(member) {
		return nil, fmt.Errorf("%w: welcome is addressed to %s, not %s", ErrCreation, welcome.Subject, member)
	}
	ts, err := UnmarshalTranscriptState(welcome.Welcome)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreation, err)
	}
	state, err := NewStateFromSnapshot(ts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreation, err)
	}
	if err := state.Apply(welcome, b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreation, err)
	}
	if err := proveKey(state, member, b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreation, err)
	}

	cfg.logger.Debug("joined eid", "group", state.Group(), "epoch", state.Epoch(), "member", member)
	return &Client{
		self:   member,
		state:  state,
		logger: cfg.logger,
	}, nil
}

// proveKey checks that the backend holds the secret of member.
func proveKey(state *State, member Member, b Backend) error {
	digest, err := state.Digest()
	if err != nil {
		return err
	}
	if _, err := b.Sign(member, []byte(digest)); err != nil {
		return fmt.Errorf("no secret held for %s: %w", member, err)
	}
	return nil
}

func (c *Client) ready() error {
	if c == nil || !c.state.initialized() {
		return ErrStateNotInitialized
	}
	return nil
}

// Add proposes adding the holder of identity. It fails with ErrAddMember if
// that identity or key is already a member.
func (c *Client) Add(identity InitialIdentity, b Backend) (Evolvement, error) {
	if err := c.ready(); err != nil {
		return Evolvement{}, err
	}
	member, err := b.ParseIdentity(identity)
	if err != nil {
		return Evolvement{}, fmt.Errorf("%w: %w", ErrAddMember, err)
	}
	if containsIdentity(c.state.members, member) || containsKey(c.state.members, member) {
		return Evolvement{}, fmt.Errorf("%w: %s is already a member", ErrAddMember, member)
	}
	welcome, err := c.state.Snapshot().Marshal()
	if err != nil {
		return Evolvement{}, fmt.Errorf("%w: encode welcome: %w", ErrAddMember, err)
	}
	return c.propose(Evolvement{
		Kind:    KindAdd,
		Subject: member,
		Welcome: welcome,
	}, b, ErrAddMember)
}

// Remove proposes removing member. It fails with ErrInvalidMember if member
// is not in the group.
func (c *Client) Remove(member Member, b Backend) (Evolvement, error) {
	if err := c.ready(); err != nil {
		return Evolvement{}, err
	}
	if !containsKey(c.state.members, member) {
		return Evolvement{}, fmt.Errorf("%w: %s is not a member", ErrInvalidMember, member)
	}
	if member.Equal(c.self) {
		return Evolvement{}, fmt.Errorf("%w: a client cannot remove itself", ErrRemoveMember)
	}
	// Use the stored member so that the identity is the group's, not the caller's.
	for _, m := range c.state.members {
		if m.Equal(member) {
			member = m.clone()
			break
		}
	}
	return c.propose(Evolvement{
		Kind:    KindRemove,
		Subject: member,
	}, b, ErrRemoveMember)
}

// Update proposes new key material for the client itself.
func (c *Client) Update(b Backend) (Evolvement, error) {
	if err := c.ready(); err != nil {
		return Evolvement{}, err
	}
	next, err := b.RotateKey(c.self)
	if err != nil {
		return Evolvement{}, fmt.Errorf("%w: %w", ErrUpdateMember, err)
	}
	return c.propose(Evolvement{
		Kind:    KindUpdate,
		Subject: next,
	}, b, ErrUpdateMember)
}

// propose completes ev against the committed state and signs it.
func (c *Client) propose(ev Evolvement, b Backend, kindErr error) (Evolvement, error) {
	parent, err := c.state.Digest()
	if err != nil {
		return Evolvement{}, fmt.Errorf("%w: %w", kindErr, err)
	}
	ev.Group = c.state.group
	ev.Epoch = c.state.epoch + 1
	ev.Parent = parent
	ev.Proposer = c.self.clone()

	members, err := transition(c.state.members, ev)
	if err != nil {
		return Evolvement{}, fmt.Errorf("%w: %w", kindErr, err)
	}
	ev.Members = members

	msg, err := ev.signingBytes()
	if err != nil {
		return Evolvement{}, fmt.Errorf("%w: encode evolvement: %w", kindErr, err)
	}
	commit, err := b.Sign(c.self, msg)
	if err != nil {
		return Evolvement{}, fmt.Errorf("%w: sign evolvement: %w", kindErr, err)
	}
	ev.Commit = commit

	c.logger.Debug("proposed evolvement", "group", ev.Group, "epoch", ev.Epoch, "kind", ev.Kind, "subject", ev.Subject)
	return ev, nil
}

// Evolve commits ev to the client's state. This is how a client absorbs both
// its own proposals and evolvements proposed by other members.
func (c *Client) Evolve(ev Evolvement, b Backend) error {
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.state.Apply(ev, b); err != nil {
		c.logger.Debug("evolve rejected", "group", ev.Group, "epoch", ev.Epoch, "error", err)
		return err
	}
	if ev.Kind == KindUpdate && ev.Subject.SameIdentity(c.self) {
		c.self = ev.Subject.clone()
	}
	c.logger.Debug("evolved", "group", ev.Group, "epoch", ev.Epoch, "kind", ev.Kind, "members", len(ev.Members))
	return nil
}

// Members returns the committed members.
func (c *Client) Members() ([]Member, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.state.Members(), nil
}

// VerifyClient reports whether m is a committed member.
func (c *Client) VerifyClient(m Member) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	return c.state.VerifyClient(m)
}

// Self returns the client's own member entry with its current key.
func (c *Client) Self() Member {
	if c == nil {
		return Member{}
	}
	return c.self.clone()
}

func (c *Client) Group() GroupID {
	if c == nil {
		return ""
	}
	return c.state.Group()
}

func (c *Client) Epoch() uint64 {
	if c == nil {
		return 0
	}
	return c.state.Epoch()
}

// ExportTranscriptState exports the public snapshot of the committed state,
// suitable for seeding a Transcript.
func (c *Client) ExportTranscriptState() TranscriptState {
	if c == nil {
		return TranscriptState{}
	}
	return c.state.Snapshot()
}
