package txn

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Status store backends
const (
	BackendBadger = "badger"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// OpenStore opens the status store named by backend under dir.
func OpenStore(backend, dir string, syncWrites bool) (StatusStore, error) {
	switch backend {
	case BackendBadger:
		return OpenBadgerStore(BadgerStoreOptions{
			Dir:        filepath.Join(dir, "xid"),
			SyncWrites: syncWrites,
		})
	case BackendBolt:
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("txn: failed to create %s: %w", dir, err)
		}
		return OpenBoltStore(filepath.Join(dir, "xid.bolt"), !syncWrites)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// encodeXID returns the big-endian key of xid, so key order is xid order.
func encodeXID(xid uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], xid)
	return key[:]
}

func decodeStatus(key, val []byte) (uint64, Status, error) {
	if len(key) != 8 || len(val) != 1 {
		return 0, StatusUnknown, fmt.Errorf("%w: entry with %d byte key and %d byte value",
			ErrCorruptStatuses, len(key), len(val))
	}
	return binary.BigEndian.Uint64(key), Status(val[0]), nil
}

// MemoryStore is a StatusStore that forgets everything on close. For tests
// and throwaway engines.
type MemoryStore struct {
	mu       sync.Mutex
	statuses map[uint64]Status
}

// NewMemoryStore returns an empty in-memory status store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{statuses: make(map[uint64]Status)}
}

func (m *MemoryStore) Put(xid uint64, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[xid] = status
	return nil
}

func (m *MemoryStore) ForEach(fn func(xid uint64, status Status) error) error {
	m.mu.Lock()
	xids := make([]uint64, 0, len(m.statuses))
	for xid := range m.statuses {
		xids = append(xids, xid)
	}
	snapshot := make(map[uint64]Status, len(m.statuses))
	for k, v := range m.statuses {
		snapshot[k] = v
	}
	m.mu.Unlock()

	sort.Slice(xids, func(i, j int) bool { return xids[i] < xids[j] })
	for _, xid := range xids {
		if err := fn(xid, snapshot[xid]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
