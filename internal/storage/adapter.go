// Package storage defines how audited transcripts are persisted.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrExists       = errors.New("already exists")
	ErrHeadMismatch = errors.New("head mismatch")
)

// TranscriptStore persists one transcript: the trusted state it was seeded
// with and the evolvements accepted on top of it, in order.
type TranscriptStore interface {
	// CreateTranscript records the trusted state of group. ErrExists if the
	// group already has a record.
	CreateTranscript(ctx context.Context, group string, trusted []byte) error
	// GetTranscript returns ErrNotFound if the group was never created.
	GetTranscript(ctx context.Context, group string) (*TranscriptRecord, error)

	// AppendEvolvement stores ev at position ev.Seq and records the tree
	// root over the log including it. The write fails with ErrHeadMismatch
	// unless ev.Seq equals the current log length.
	AppendEvolvement(ctx context.Context, group string, ev EvolvementRecord, root []byte) error
	ListEvolvements(ctx context.Context, group string) ([]EvolvementRecord, error)
	// GetEvolvement looks an evolvement up by content ID.
	GetEvolvement(ctx context.Context, group, cid string) (*EvolvementRecord, error)

	// GetTreeState returns (0, nil, nil) if nothing was appended yet.
	GetTreeState(ctx context.Context, group string) (size uint64, root []byte, err error)
}

// TranscriptRecord is the stored seed of a transcript.
type TranscriptRecord struct {
	Group        string
	TrustedState []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EvolvementRecord is one stored log entry.
type EvolvementRecord struct {
	Seq       uint64
	Epoch     uint64
	CID       string
	Data      []byte
	CreatedAt time.Time
}

// ValidGroupID reports whether group is safe to use as a directory name and
// as a checkpoint origin: 1 to 255 characters from [A-Za-z0-9_:-].
func ValidGroupID(group string) bool {
	if len(group) == 0 || len(group) > 255 {
		return false
	}
	for _, r := range group {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == ':', r == '-':
		default:
			return false
		}
	}
	return true
}
