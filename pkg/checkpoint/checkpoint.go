// Package checkpoint signs and verifies transcript checkpoints in the
// c2sp.org/tlog-checkpoint format.
//
// The origin line names the audited group, so a checkpoint for one group
// never verifies as a checkpoint for another.
package checkpoint

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/transparency-dev/formats/log"
	"golang.org/x/mod/sumdb/note"

	"github.com/phnx-im/eid/pkg/eid"
)

// ErrInvalidCheckpoint is returned when a checkpoint fails to parse or verify.
var ErrInvalidCheckpoint = errors.New("invalid checkpoint")

// Origin returns the checkpoint origin line for group under prefix.
func Origin(prefix string, group eid.GroupID) string {
	if prefix == "" {
		return string(group)
	}
	return prefix + "/" + string(group)
}

// Sign encodes cp under origin and signs it with s.
func Sign(origin string, cp eid.Checkpoint, s note.Signer) ([]byte, error) {
	if origin == "" {
		return nil, fmt.Errorf("%w: empty origin", ErrInvalidCheckpoint)
	}
	// The origin is the first line of the note; a line break would let it
	// forge the size and root lines.
	if strings.IndexFunc(origin, unicode.IsControl) >= 0 {
		return nil, fmt.Errorf("%w: origin %q contains control characters", ErrInvalidCheckpoint, origin)
	}
	body := log.Checkpoint{
		Origin: origin,
		Size:   cp.Size,
		Hash:   cp.Root,
	}
	signed, err := note.Sign(&note.Note{Text: string(body.Marshal())}, s)
	if err != nil {
		return nil, fmt.Errorf("sign checkpoint: %w", err)
	}
	return signed, nil
}

// Verify parses raw, checks that its origin is origin and that v signed it.
func Verify(raw []byte, origin string, v note.Verifier) (*log.Checkpoint, error) {
	cp, _, _, err := log.ParseCheckpoint(raw, origin, v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCheckpoint, err)
	}
	return cp, nil
}
