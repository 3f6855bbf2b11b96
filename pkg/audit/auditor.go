// Package audit runs the auditing side of EID: it keeps one Transcript per
// group, persists every accepted evolvement and publishes signed
// checkpoints over each group's log.
//
// An Auditor holds no group secrets. It trusts the state a group is opened
// with and from then on accepts only evolvements that validly extend it.
package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/mod/sumdb/note"
	"golang.org/x/sync/errgroup"

	"github.com/phnx-im/eid/internal/storage"
	"github.com/phnx-im/eid/pkg/checkpoint"
	"github.com/phnx-im/eid/pkg/eid"
)

var (
	ErrNotFound     = errors.New("transcript not found")
	ErrExists       = errors.New("transcript already exists")
	ErrInvalidGroup = errors.New("invalid group id")
	ErrInvalidCID   = errors.New("invalid content id")
	ErrRejected     = errors.New("evolvement rejected")
	ErrCorrupt      = errors.New("stored transcript does not verify")
	ErrNoSigner     = errors.New("no checkpoint signer configured")
	ErrConflict     = errors.New("concurrent append")
)

// DefaultRestoreConcurrency bounds RestoreAll.
const DefaultRestoreConcurrency = 8

// StoreProvider hands out per-group transcript stores. release must be
// called once the store is no longer used.
type StoreProvider interface {
	AcquireTranscriptStore(group string) (store storage.TranscriptStore, release func(), err error)
	// HasTranscriptStore reports whether group has been stored before,
	// without creating anything.
	HasTranscriptStore(group string) (bool, error)
}

// Config holds the dependencies of an Auditor.
type Config struct {
	Stores  StoreProvider
	Backend eid.Backend
	// Signer signs checkpoints. Checkpoint fails with ErrNoSigner if nil.
	Signer note.Signer
	// OriginPrefix is prepended to the group id on checkpoint origin lines.
	OriginPrefix string
	// Archive defaults to an in-memory archive.
	Archive            *Archive
	RestoreConcurrency int
	Logger             *slog.Logger
}

type transcriptEntry struct {
	mu         sync.Mutex
	transcript *eid.Transcript
	// err is why transcript is nil: restoring failed or the entry was
	// dropped after a failed write.
	err error
	// retry is set when a failed Open drops the entry; waiters look the
	// group up again.
	retry bool
}

// Auditor audits many groups. It is safe for concurrent use; work on a
// single group is serialized.
type Auditor struct {
	stores       StoreProvider
	backend      eid.Backend
	signer       note.Signer
	originPrefix string
	archive      *Archive
	concurrency  int
	logger       *slog.Logger

	mu          sync.RWMutex
	transcripts map[eid.GroupID]*transcriptEntry
}

// New creates an Auditor.
func New(cfg Config) (*Auditor, error) {
	if cfg.Stores == nil {
		return nil, errors.New("audit: store provider is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("audit: backend is required")
	}
	if cfg.Archive == nil {
		cfg.Archive = NewMemoryArchive()
	}
	if cfg.RestoreConcurrency <= 0 {
		cfg.RestoreConcurrency = DefaultRestoreConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Auditor{
		stores:       cfg.Stores,
		backend:      cfg.Backend,
		signer:       cfg.Signer,
		originPrefix: cfg.OriginPrefix,
		archive:      cfg.Archive,
		concurrency:  cfg.RestoreConcurrency,
		logger:       cfg.Logger,
		transcripts:  make(map[eid.GroupID]*transcriptEntry),
	}, nil
}

// Open starts auditing the group of trusted.
func (a *Auditor) Open(ctx context.Context, trusted eid.TranscriptState) error {
	group := trusted.Group
	if !storage.ValidGroupID(string(group)) {
		return fmt.Errorf("%w: %q", ErrInvalidGroup, group)
	}
	transcript, err := eid.NewTranscript(trusted, nil, a.backend, eid.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	data, err := trusted.Marshal()
	if err != nil {
		return fmt.Errorf("encode trusted state: %w", err)
	}

	// Reserve the group so that lookups of other groups are not blocked
	// while the store is created.
	a.mu.Lock()
	if _, ok := a.transcripts[group]; ok {
		a.mu.Unlock()
		return fmt.Errorf("group %s: %w", group, ErrExists)
	}
	entry := &transcriptEntry{}
	entry.mu.Lock()
	a.transcripts[group] = entry
	a.mu.Unlock()
	defer entry.mu.Unlock()

	if err := a.create(ctx, group, data); err != nil {
		entry.retry = true
		a.forget(group, entry)
		return err
	}

	entry.transcript = transcript
	a.logger.Info("opened transcript", "group", group, "epoch", trusted.Epoch, "members", len(trusted.Members))
	return nil
}

func (a *Auditor) create(ctx context.Context, group eid.GroupID, trusted []byte) error {
	store, release, err := a.stores.AcquireTranscriptStore(string(group))
	if err != nil {
		return fmt.Errorf("open store for %s: %w", group, err)
	}
	defer release()

	if err := store.CreateTranscript(ctx, string(group), trusted); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return fmt.Errorf("group %s: %w", group, ErrExists)
		}
		return fmt.Errorf("create transcript %s: %w", group, err)
	}
	return nil
}

// Submit verifies ev against the group's transcript, persists it and
// returns its content ID.
func (a *Auditor) Submit(ctx context.Context, group eid.GroupID, ev eid.Evolvement) (string, error) {
	entry, err := a.lock(ctx, group)
	if err != nil {
		return "", err
	}
	defer entry.mu.Unlock()

	if ev.Group != group {
		return "", fmt.Errorf("%w: evolvement belongs to group %s", ErrRejected, ev.Group)
	}
	id, err := ev.ID()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRejected, err)
	}
	data, err := ev.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRejected, err)
	}

	seq := uint64(entry.transcript.Len())
	if err := entry.transcript.Evolve(ev, a.backend); err != nil {
		a.logger.Warn("rejected evolvement", "group", group, "epoch", ev.Epoch, "kind", ev.Kind, "error", err)
		return "", fmt.Errorf("%w: %w", ErrRejected, err)
	}

	// The transcript has advanced in memory. If persisting fails it is
	// dropped and restored from storage on next access.
	if err := a.persist(ctx, group, entry.transcript, storage.EvolvementRecord{
		Seq:   seq,
		Epoch: ev.Epoch,
		CID:   id,
		Data:  data,
	}); err != nil {
		entry.transcript = nil
		entry.err = err
		a.forget(group, entry)
		if errors.Is(err, storage.ErrHeadMismatch) {
			return "", fmt.Errorf("%w: %w", ErrConflict, err)
		}
		return "", err
	}
	if _, err := a.archive.Put(ctx, ev); err != nil {
		a.logger.Warn("failed to archive evolvement", "group", group, "cid", id, "error", err)
	}

	a.logger.Info("accepted evolvement", "group", group, "epoch", ev.Epoch, "kind", ev.Kind, "cid", id)
	return id, nil
}

func (a *Auditor) persist(ctx context.Context, group eid.GroupID, t *eid.Transcript, rec storage.EvolvementRecord) error {
	cp, err := t.Checkpoint()
	if err != nil {
		return err
	}
	store, release, err := a.stores.AcquireTranscriptStore(string(group))
	if err != nil {
		return fmt.Errorf("open store for %s: %w", group, err)
	}
	defer release()

	if err := store.AppendEvolvement(ctx, string(group), rec, cp.Root); err != nil {
		return fmt.Errorf("persist evolvement %s: %w", rec.CID, err)
	}
	return nil
}

// State returns the current public state of group.
func (a *Auditor) State(ctx context.Context, group eid.GroupID) (eid.TranscriptState, error) {
	var ts eid.TranscriptState
	err := a.with(ctx, group, func(t *eid.Transcript) error {
		ts = t.CurrentState()
		return nil
	})
	return ts, err
}

// Members returns the current members of group.
func (a *Auditor) Members(ctx context.Context, group eid.GroupID) ([]eid.Member, error) {
	ts, err := a.State(ctx, group)
	if err != nil {
		return nil, err
	}
	return ts.Members, nil
}

// Log returns the trusted state of group and every evolvement accepted
// since.
func (a *Auditor) Log(ctx context.Context, group eid.GroupID) (eid.TranscriptState, []eid.Evolvement, error) {
	var (
		trusted eid.TranscriptState
		log     []eid.Evolvement
	)
	err := a.with(ctx, group, func(t *eid.Transcript) error {
		trusted = t.TrustedState()
		log = t.Log()
		return nil
	})
	return trusted, log, err
}

// Checkpoint returns a signed note committing to the log of group.
func (a *Auditor) Checkpoint(ctx context.Context, group eid.GroupID) ([]byte, error) {
	if a.signer == nil {
		return nil, ErrNoSigner
	}
	var cp eid.Checkpoint
	err := a.with(ctx, group, func(t *eid.Transcript) error {
		var err error
		cp, err = t.Checkpoint()
		return err
	})
	if err != nil {
		return nil, err
	}
	return checkpoint.Sign(a.Origin(group), cp, a.signer)
}

// Origin returns the checkpoint origin of group.
func (a *Auditor) Origin(group eid.GroupID) string {
	return checkpoint.Origin(a.originPrefix, group)
}

// Evolvement returns an accepted evolvement by content ID. Only
// evolvements accepted or restored by this Auditor are found; use
// GroupEvolvement to look into storage.
func (a *Auditor) Evolvement(ctx context.Context, id string) (eid.Evolvement, error) {
	return a.archive.Get(ctx, id)
}

// GroupEvolvement returns an accepted evolvement of group by content ID,
// reading it from the group's store if the archive does not hold it.
func (a *Auditor) GroupEvolvement(ctx context.Context, group eid.GroupID, id string) (eid.Evolvement, error) {
	if !storage.ValidGroupID(string(group)) {
		return eid.Evolvement{}, fmt.Errorf("%w: %q", ErrInvalidGroup, group)
	}
	ev, err := a.archive.Get(ctx, id)
	if err == nil {
		if ev.Group != group {
			return eid.Evolvement{}, fmt.Errorf("evolvement %s in group %s: %w", id, group, ErrNotFound)
		}
		return ev, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return eid.Evolvement{}, err
	}

	exists, err := a.stores.HasTranscriptStore(string(group))
	if err != nil {
		return eid.Evolvement{}, fmt.Errorf("look up store for %s: %w", group, err)
	}
	if !exists {
		return eid.Evolvement{}, fmt.Errorf("group %s: %w", group, ErrNotFound)
	}
	store, release, err := a.stores.AcquireTranscriptStore(string(group))
	if err != nil {
		return eid.Evolvement{}, fmt.Errorf("open store for %s: %w", group, err)
	}
	defer release()

	rec, err := store.GetEvolvement(ctx, string(group), id)
	if errors.Is(err, storage.ErrNotFound) {
		return eid.Evolvement{}, fmt.Errorf("evolvement %s in group %s: %w", id, group, ErrNotFound)
	}
	if err != nil {
		return eid.Evolvement{}, fmt.Errorf("read evolvement %s: %w", id, err)
	}
	ev, err = eid.UnmarshalEvolvement(rec.Data)
	if err != nil {
		return eid.Evolvement{}, fmt.Errorf("%w: evolvement %d: %w", ErrCorrupt, rec.Seq, err)
	}
	if got, err := ev.ID(); err != nil || got != id {
		return eid.Evolvement{}, fmt.Errorf("%w: evolvement %d does not match its content id", ErrCorrupt, rec.Seq)
	}
	if _, err := a.archive.Put(ctx, ev); err != nil {
		a.logger.Warn("failed to archive evolvement", "group", group, "cid", id, "error", err)
	}
	return ev, nil
}

// RestoreAll loads the transcripts of groups concurrently, verifying each.
func (a *Auditor) RestoreAll(ctx context.Context, groups []eid.GroupID) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, group := range groups {
		g.Go(func() error {
			_, err := a.entry(ctx, group)
			return err
		})
	}
	return g.Wait()
}

func (a *Auditor) with(ctx context.Context, group eid.GroupID, fn func(*eid.Transcript) error) error {
	entry, err := a.lock(ctx, group)
	if err != nil {
		return err
	}
	defer entry.mu.Unlock()
	return fn(entry.transcript)
}

// lock returns the entry of group with its mutex held.
func (a *Auditor) lock(ctx context.Context, group eid.GroupID) (*transcriptEntry, error) {
	for {
		entry, err := a.entry(ctx, group)
		if err != nil {
			return nil, err
		}
		entry.mu.Lock()
		if entry.transcript != nil {
			return entry, nil
		}
		retry, err := entry.retry, entry.err
		entry.mu.Unlock()
		if !retry {
			return nil, err
		}
	}
}

// entry returns the in-memory transcript of group, restoring it from
// storage if needed.
func (a *Auditor) entry(ctx context.Context, group eid.GroupID) (*transcriptEntry, error) {
	if !storage.ValidGroupID(string(group)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGroup, group)
	}
	a.mu.RLock()
	entry, ok := a.transcripts[group]
	a.mu.RUnlock()
	if ok {
		return entry, nil
	}
	return a.restore(ctx, group)
}

func (a *Auditor) forget(group eid.GroupID, entry *transcriptEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.transcripts[group] == entry {
		delete(a.transcripts, group)
	}
}

// restore rebuilds the transcript of group from storage. Callers racing on
// the same group wait on the entry's mutex; other groups are not blocked.
func (a *Auditor) restore(ctx context.Context, group eid.GroupID) (*transcriptEntry, error) {
	a.mu.Lock()
	if entry, ok := a.transcripts[group]; ok {
		a.mu.Unlock()
		return entry, nil
	}
	entry := &transcriptEntry{}
	entry.mu.Lock()
	a.transcripts[group] = entry
	a.mu.Unlock()
	defer entry.mu.Unlock()

	transcript, err := a.load(ctx, group)
	if err != nil {
		entry.err = err
		a.forget(group, entry)
		return nil, err
	}
	entry.transcript = transcript
	return entry, nil
}

// load replays and verifies every stored evolvement of group, then checks
// the stored tree state against the replayed log.
func (a *Auditor) load(ctx context.Context, group eid.GroupID) (*eid.Transcript, error) {
	exists, err := a.stores.HasTranscriptStore(string(group))
	if err != nil {
		return nil, fmt.Errorf("look up store for %s: %w", group, err)
	}
	if !exists {
		return nil, fmt.Errorf("group %s: %w", group, ErrNotFound)
	}

	store, release, err := a.stores.AcquireTranscriptStore(string(group))
	if err != nil {
		return nil, fmt.Errorf("open store for %s: %w", group, err)
	}
	defer release()

	record, err := store.GetTranscript(ctx, string(group))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("group %s: %w", group, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read transcript %s: %w", group, err)
	}
	trusted, err := eid.UnmarshalTranscriptState(record.TrustedState)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	records, err := store.ListEvolvements(ctx, string(group))
	if err != nil {
		return nil, fmt.Errorf("read log %s: %w", group, err)
	}
	log := make([]eid.Evolvement, 0, len(records))
	for _, rec := range records {
		ev, err := eid.UnmarshalEvolvement(rec.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: evolvement %d: %w", ErrCorrupt, rec.Seq, err)
		}
		if id, err := ev.ID(); err != nil || id != rec.CID {
			return nil, fmt.Errorf("%w: evolvement %d does not match its content id", ErrCorrupt, rec.Seq)
		}
		log = append(log, ev)
	}

	transcript, err := eid.NewTranscript(trusted, log, a.backend, eid.WithLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	cp, err := transcript.Checkpoint()
	if err != nil {
		return nil, err
	}
	size, root, err := store.GetTreeState(ctx, string(group))
	if err != nil {
		return nil, fmt.Errorf("read tree state %s: %w", group, err)
	}
	if size != cp.Size || (size > 0 && !bytes.Equal(root, cp.Root)) {
		return nil, fmt.Errorf("%w: stored tree (size %d) does not match log (size %d)", ErrCorrupt, size, cp.Size)
	}

	for _, ev := range log {
		if _, err := a.archive.Put(ctx, ev); err != nil {
			return nil, fmt.Errorf("archive evolvement: %w", err)
		}
	}

	a.logger.Info("restored transcript", "group", group, "epoch", transcript.Epoch(), "size", cp.Size)
	return transcript, nil
}
