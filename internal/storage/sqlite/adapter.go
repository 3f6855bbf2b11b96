package sqlite

import (
	"errors"
	"os"

	"github.com/phnx-im/eid/internal/storage"
)

// Ensure TranscriptStore implements storage.TranscriptStore at compile time.
var _ storage.TranscriptStore = (*TranscriptStore)(nil)

// AcquireTranscriptStore is Acquire returning the storage interface.
func (m *StoreManager) AcquireTranscriptStore(groupID string) (storage.TranscriptStore, func(), error) {
	store, release, err := m.Acquire(groupID)
	if err != nil {
		return nil, nil, err
	}
	return store, release, nil
}

// HasTranscriptStore reports whether groupID has a database on disk.
func (m *StoreManager) HasTranscriptStore(groupID string) (bool, error) {
	if !storage.ValidGroupID(groupID) {
		return false, nil
	}
	_, err := os.Stat(dbPath(m.basePath, groupID))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
