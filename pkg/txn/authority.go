// Package txn is keeldb's transaction authority: it hands out transaction
// ids and records whether each transaction is active, committed or aborted.
//
// Statuses are kept in memory for lock-free-ish lookups and persisted through
// a StatusStore before any state change is acknowledged, so a restarted
// authority knows which transactions were still active at the crash.
//
// The super transaction (SuperXID) is never active and always committed.
// Versions it wrote are visible to everyone.
package txn

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// SuperXID is the id of the super transaction.
const SuperXID uint64 = 0

// Status is the lifecycle state of a transaction.
type Status byte

const (
	StatusUnknown Status = iota
	StatusActive
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Common authority errors
var (
	ErrClosed          = errors.New("txn: authority closed")
	ErrUnknownXID      = errors.New("txn: unknown transaction")
	ErrNotActive       = errors.New("txn: transaction is not active")
	ErrSuperXID        = errors.New("txn: the super transaction cannot change state")
	ErrUnknownBackend  = errors.New("txn: unknown status store backend")
	ErrCorruptStatuses = errors.New("txn: corrupt status store")
)

// StatusStore persists transaction statuses.
type StatusStore interface {
	// Put durably records status for xid.
	Put(xid uint64, status Status) error
	// ForEach calls fn for every recorded transaction.
	ForEach(fn func(xid uint64, status Status) error) error
	Close() error
}

// Authority allocates transaction ids and tracks their status.
// Thread-safe.
type Authority struct {
	mu       sync.RWMutex
	store    StatusStore
	statuses map[uint64]Status
	next     uint64
	closed   bool
}

// NewAuthority loads every recorded status from store. Ids handed out by
// Begin continue after the highest recorded id.
func NewAuthority(store StatusStore) (*Authority, error) {
	a := &Authority{
		store:    store,
		statuses: make(map[uint64]Status),
		next:     SuperXID + 1,
	}
	err := store.ForEach(func(xid uint64, status Status) error {
		if xid == SuperXID || status < StatusActive || status > StatusAborted {
			return fmt.Errorf("%w: xid %d has status %d", ErrCorruptStatuses, xid, status)
		}
		a.statuses[xid] = status
		if xid >= a.next {
			a.next = xid + 1
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("txn: failed to load statuses: %w", err)
	}
	return a, nil
}

// Begin starts a new transaction and returns its id.
func (a *Authority) Begin() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrClosed
	}
	xid := a.next
	if err := a.store.Put(xid, StatusActive); err != nil {
		return 0, fmt.Errorf("txn: failed to begin %d: %w", xid, err)
	}
	a.next++
	a.statuses[xid] = StatusActive
	return xid, nil
}

// Commit marks an active transaction committed.
func (a *Authority) Commit(xid uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkTransition(xid); err != nil {
		return err
	}
	if a.statuses[xid] != StatusActive {
		return fmt.Errorf("%w: %d is %s", ErrNotActive, xid, a.statuses[xid])
	}
	return a.set(xid, StatusCommitted)
}

// Abort marks a transaction aborted. Aborting an aborted transaction is a
// no-op; aborting a committed one fails.
func (a *Authority) Abort(xid uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkTransition(xid); err != nil {
		return err
	}
	switch a.statuses[xid] {
	case StatusAborted:
		return nil
	case StatusCommitted:
		return fmt.Errorf("%w: %d is committed", ErrNotActive, xid)
	}
	return a.set(xid, StatusAborted)
}

// checkTransition validates xid for a state change. Callers hold a.mu.
func (a *Authority) checkTransition(xid uint64) error {
	if a.closed {
		return ErrClosed
	}
	if xid == SuperXID {
		return ErrSuperXID
	}
	if _, ok := a.statuses[xid]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownXID, xid)
	}
	return nil
}

func (a *Authority) set(xid uint64, status Status) error {
	if err := a.store.Put(xid, status); err != nil {
		return fmt.Errorf("txn: failed to mark %d %s: %w", xid, status, err)
	}
	a.statuses[xid] = status
	return nil
}

// Status returns the recorded status of xid.
func (a *Authority) Status(xid uint64) Status {
	if xid == SuperXID {
		return StatusCommitted
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.statuses[xid]
}

// IsActive reports whether xid has begun and not finished.
func (a *Authority) IsActive(xid uint64) bool {
	return a.Status(xid) == StatusActive
}

// IsCommitted reports whether xid committed. The super transaction always has.
func (a *Authority) IsCommitted(xid uint64) bool {
	return a.Status(xid) == StatusCommitted
}

// IsAborted reports whether xid aborted.
func (a *Authority) IsAborted(xid uint64) bool {
	return a.Status(xid) == StatusAborted
}

// Active returns the ids of all active transactions in ascending order.
func (a *Authority) Active() []uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var ids []uint64
	for xid, status := range a.statuses {
		if status == StatusActive {
			ids = append(ids, xid)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close closes the status store. Closing twice is a no-op.
func (a *Authority) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	return a.store.Close()
}
