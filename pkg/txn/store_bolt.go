package txn

import (
	"fmt"

	"go.etcd.io/bbolt"
)

var statusBucket = []byte("xid")

// BoltStore persists statuses in a bbolt file.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens or creates a bbolt status store at path.
func OpenBoltStore(path string, noSync bool) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0644, nil)
	if err != nil {
		return nil, fmt.Errorf("bbolt: open failed: %w", err)
	}
	db.NoSync = noSync

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(statusBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bbolt: failed to create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Put(xid uint64, status Status) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(statusBucket).Put(encodeXID(xid), []byte{byte(status)})
	})
}

func (b *BoltStore) ForEach(fn func(xid uint64, status Status) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(statusBucket).ForEach(func(k, v []byte) error {
			xid, status, err := decodeStatus(k, v)
			if err != nil {
				return err
			}
			return fn(xid, status)
		})
	})
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}
