package mvcc

// Committer reports commit state. *txn.Authority implements it.
type Committer interface {
	IsCommitted(xid uint64) bool
}

// Version is a record version stamped with its creator and deleter.
type Version interface {
	// Xmin is the transaction that created the version.
	Xmin() uint64
	// Xmax is the transaction that deleted the version, 0 if none.
	Xmax() uint64
}

// IsVisible reports whether t may see v.
func IsVisible(tm Committer, t *Transaction, v Version) bool {
	if t.level == ReadCommitted {
		return readCommitted(tm, t, v)
	}
	return repeatableRead(tm, t, v)
}

// readCommitted: a version is visible if t created it and has not deleted
// it, or if a committed transaction created it and no other committed
// transaction deleted it.
func readCommitted(tm Committer, t *Transaction, v Version) bool {
	xid := t.xid
	xmin, xmax := v.Xmin(), v.Xmax()

	if xmin == xid && xmax == 0 {
		return true
	}
	if tm.IsCommitted(xmin) {
		if xmax == 0 {
			return true
		}
		if xmax != xid && !tm.IsCommitted(xmax) {
			return true
		}
	}
	return false
}

// repeatableRead: as readCommitted, but only creators that committed before
// t began count, and deletions by transactions that were active at t's start
// or began after it do not hide the version.
func repeatableRead(tm Committer, t *Transaction, v Version) bool {
	xid := t.xid
	xmin, xmax := v.Xmin(), v.Xmax()

	if xmin == xid && xmax == 0 {
		return true
	}
	if tm.IsCommitted(xmin) && xmin < xid && !t.IsInSnapshot(xmin) {
		if xmax == 0 {
			return true
		}
		if xmax != xid {
			if !tm.IsCommitted(xmax) || xmax > xid || t.IsInSnapshot(xmax) {
				return true
			}
		}
	}
	return false
}

// IsVersionSkip reports whether deleting v from t would overwrite a deletion
// t cannot see: v was deleted by a committed transaction that began after t
// or was active when t began. Always false under read committed.
func IsVersionSkip(tm Committer, t *Transaction, v Version) bool {
	if t.level == ReadCommitted {
		return false
	}
	xmax := v.Xmax()
	return tm.IsCommitted(xmax) && (xmax > t.xid || t.IsInSnapshot(xmax))
}
