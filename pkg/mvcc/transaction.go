// Package mvcc decides which record versions a transaction may see.
//
// Every version carries the id of the transaction that created it (xmin) and
// of the transaction that deleted it (xmax, 0 while live). A Transaction
// fixes its isolation level and, under repeatable read, the set of
// transactions that were active when it began. IsVisible and IsVersionSkip
// combine that snapshot with the commit state reported by a Committer.
package mvcc

import (
	"fmt"
	"strings"

	"github.com/orneryd/keeldb/pkg/txn"
)

// IsolationLevel selects the visibility rules of a transaction.
type IsolationLevel int

const (
	// ReadCommitted sees every committed version at the time of each read.
	ReadCommitted IsolationLevel = iota
	// RepeatableRead sees the versions committed before it began.
	RepeatableRead
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadCommitted:
		return "read_committed"
	case RepeatableRead:
		return "repeatable_read"
	default:
		return fmt.Sprintf("isolation(%d)", int(l))
	}
}

// ParseIsolationLevel parses "read_committed" or "repeatable_read".
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read_committed", "read-committed", "rc":
		return ReadCommitted, nil
	case "repeatable_read", "repeatable-read", "rr":
		return RepeatableRead, nil
	default:
		return ReadCommitted, fmt.Errorf("mvcc: unknown isolation level %q", s)
	}
}

// Transaction is the immutable per-transaction context consulted by the
// visibility rules.
type Transaction struct {
	xid      uint64
	level    IsolationLevel
	snapshot map[uint64]struct{}
}

// NewTransaction creates the context of transaction xid. Under repeatable
// read, active is copied as the snapshot; the transaction's own id and the
// super transaction are never part of it. Under read committed active is
// ignored.
func NewTransaction(xid uint64, level IsolationLevel, active []uint64) *Transaction {
	t := &Transaction{xid: xid, level: level}
	if level == ReadCommitted {
		return t
	}
	t.snapshot = make(map[uint64]struct{}, len(active))
	for _, id := range active {
		if id == xid || id == txn.SuperXID {
			continue
		}
		t.snapshot[id] = struct{}{}
	}
	return t
}

// XID returns the transaction id.
func (t *Transaction) XID() uint64 { return t.xid }

// Level returns the isolation level.
func (t *Transaction) Level() IsolationLevel { return t.level }

// IsInSnapshot reports whether xid was active when t began. Always false
// for the super transaction and under read committed.
func (t *Transaction) IsInSnapshot(xid uint64) bool {
	if xid == txn.SuperXID {
		return false
	}
	_, ok := t.snapshot[xid]
	return ok
}

// SnapshotSize returns the number of ids in the snapshot.
func (t *Transaction) SnapshotSize() int {
	return len(t.snapshot)
}
