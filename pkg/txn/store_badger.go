package txn

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// prefixStatus namespaces status keys: 0x01 + xid -> status byte.
const prefixStatus = byte(0x01)

// BadgerStoreOptions configures a BadgerDB-backed status store.
type BadgerStoreOptions struct {
	// Dir is the BadgerDB directory.
	Dir string

	// InMemory runs BadgerDB without touching disk (testing).
	InMemory bool

	// SyncWrites fsyncs every status change.
	SyncWrites bool

	// Logger receives BadgerDB's own logging. Nil silences it.
	Logger badger.Logger
}

// BadgerStore persists statuses in BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens or creates a BadgerDB status store.
func OpenBadgerStore(opts BadgerStoreOptions) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	badgerOpts = badgerOpts.
		WithSyncWrites(opts.SyncWrites).
		WithLogger(opts.Logger).
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(16 << 20).
		WithNumMemtables(1)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func statusKey(xid uint64) []byte {
	return append([]byte{prefixStatus}, encodeXID(xid)...)
}

func (b *BadgerStore) Put(xid uint64, status Status) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(statusKey(xid), []byte{byte(status)})
	})
}

func (b *BadgerStore) ForEach(fn func(xid uint64, status Status) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   100,
			Prefix:         []byte{prefixStatus},
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			xid, status, err := decodeStatus(item.Key()[1:], val)
			if err != nil {
				return err
			}
			if err := fn(xid, status); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}
