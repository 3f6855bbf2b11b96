package sqlite

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/phnx-im/eid/internal/storage"
)

// DefaultCacheSize is the number of open stores a StoreManager keeps.
const DefaultCacheSize = 128

type storeEntry struct {
	store   *TranscriptStore
	refs    int
	evicted bool
	closed  bool
}

func (e *storeEntry) close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.store.Close()
}

// StoreManager hands out TranscriptStores, keeping the most recently used
// ones open. A store evicted from the cache is closed once its last user
// releases it.
type StoreManager struct {
	basePath string
	logger   *slog.Logger

	mu     sync.Mutex
	stores *lru.Cache[string, *storeEntry]
}

// NewStoreManager creates a StoreManager rooted at basePath. A cacheSize
// of zero or less means DefaultCacheSize.
func NewStoreManager(basePath string, cacheSize int, logger *slog.Logger) (*StoreManager, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &StoreManager{
		basePath: basePath,
		logger:   logger,
	}
	cache, err := lru.NewWithEvict(cacheSize, m.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create store cache: %w", err)
	}
	m.stores = cache
	return m, nil
}

// onEvict runs with m.mu held.
func (m *StoreManager) onEvict(groupID string, entry *storeEntry) {
	entry.evicted = true
	if entry.refs > 0 {
		return
	}
	if err := entry.close(); err != nil {
		m.logger.Warn("failed to close evicted store", "group", groupID, "error", err)
	}
}

// Acquire returns the store of groupID, opening it if needed. The caller
// must call release when done with the store.
func (m *StoreManager) Acquire(groupID string) (*TranscriptStore, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.stores.Get(groupID)
	if !ok {
		store, err := OpenTranscriptStore(m.basePath, groupID)
		if err != nil {
			return nil, nil, err
		}
		entry = &storeEntry{store: store}
		m.stores.Add(groupID, entry)
	}
	entry.refs++

	var once sync.Once
	release := func() {
		once.Do(func() { m.release(entry) })
	}
	return entry.store, release, nil
}

func (m *StoreManager) release(entry *storeEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.refs--
	if entry.refs == 0 && entry.evicted {
		if err := entry.close(); err != nil {
			m.logger.Warn("failed to close evicted store", "group", entry.store.GroupID(), "error", err)
		}
	}
}

// Len returns the number of cached stores.
func (m *StoreManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stores.Len()
}

// Groups lists every group that has a database under the base path.
func (m *StoreManager) Groups() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.basePath, "transcripts"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}

	var groups []string
	for _, e := range entries {
		if e.IsDir() && storage.ValidGroupID(e.Name()) {
			groups = append(groups, e.Name())
		}
	}
	sort.Strings(groups)
	return groups, nil
}

// CloseAll closes all cached stores. Stores still held by callers are
// closed when released.
func (m *StoreManager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, groupID := range m.stores.Keys() {
		entry, ok := m.stores.Peek(groupID)
		if !ok {
			continue
		}
		entry.evicted = true
		if entry.refs == 0 {
			if err := entry.close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	m.stores.Purge()
	return errors.Join(errs...)
}
