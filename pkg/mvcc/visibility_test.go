package mvcc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/keeldb/pkg/txn"
)

// committedSet is a Committer backed by a set; the super transaction is
// always committed.
type committedSet map[uint64]bool

func (c committedSet) IsCommitted(xid uint64) bool {
	return xid == txn.SuperXID || c[xid]
}

type version struct{ xmin, xmax uint64 }

func (v version) Xmin() uint64 { return v.xmin }
func (v version) Xmax() uint64 { return v.xmax }

func TestNewTransaction(t *testing.T) {
	t.Run("repeatable_read_copies_active_set", func(t *testing.T) {
		active := []uint64{3, 5, 7}
		tx := NewTransaction(7, RepeatableRead, active)
		active[0] = 100

		assert.True(t, tx.IsInSnapshot(3))
		assert.True(t, tx.IsInSnapshot(5))
		assert.False(t, tx.IsInSnapshot(7), "own id is never in the snapshot")
		assert.False(t, tx.IsInSnapshot(100))
		assert.Equal(t, 2, tx.SnapshotSize())
	})

	t.Run("super_xid_never_in_snapshot", func(t *testing.T) {
		tx := NewTransaction(4, RepeatableRead, []uint64{txn.SuperXID, 2})
		assert.False(t, tx.IsInSnapshot(txn.SuperXID))
		assert.True(t, tx.IsInSnapshot(2))
	})

	t.Run("read_committed_has_no_snapshot", func(t *testing.T) {
		tx := NewTransaction(4, ReadCommitted, []uint64{1, 2, 3})
		assert.False(t, tx.IsInSnapshot(2))
		assert.Equal(t, 0, tx.SnapshotSize())
		assert.Equal(t, ReadCommitted, tx.Level())
		assert.Equal(t, uint64(4), tx.XID())
	})
}

func TestParseIsolationLevel(t *testing.T) {
	tests := []struct {
		in   string
		want IsolationLevel
	}{
		{"read_committed", ReadCommitted},
		{"REPEATABLE_READ", RepeatableRead},
		{"repeatable-read", RepeatableRead},
		{" rc ", ReadCommitted},
	}
	for _, tt := range tests {
		got, err := ParseIsolationLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, got, mustParse(t, got.String()))
	}

	_, err := ParseIsolationLevel("serializable")
	assert.Error(t, err)
}

func mustParse(t *testing.T, s string) IsolationLevel {
	t.Helper()
	l, err := ParseIsolationLevel(s)
	require.NoError(t, err)
	return l
}

func TestIsVisible_ReadCommitted(t *testing.T) {
	tm := committedSet{2: true, 4: true}
	tx := NewTransaction(5, ReadCommitted, nil)

	tests := []struct {
		name string
		v    version
		want bool
	}{
		{"own_live_insert", version{5, 0}, true},
		{"own_insert_self_deleted", version{5, 5}, false},
		{"committed_live", version{2, 0}, true},
		{"super_xid_insert", version{txn.SuperXID, 0}, true},
		{"uncommitted_creator", version{3, 0}, false},
		{"deleted_by_committed", version{2, 4}, false},
		{"deleted_by_uncommitted_other", version{2, 6}, true},
		{"deleted_by_self", version{2, 5}, false},
		{"committed_after_start_is_visible", version{4, 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsVisible(tm, tx, tt.v))
		})
	}
}

func TestIsVisible_RepeatableRead(t *testing.T) {
	// xid 10 began while 6 and 8 were active; 6 has since committed.
	tm := committedSet{2: true, 6: true, 12: true, 4: true}
	tx := NewTransaction(10, RepeatableRead, []uint64{6, 8})

	tests := []struct {
		name string
		v    version
		want bool
	}{
		{"own_live_insert", version{10, 0}, true},
		{"committed_before_start", version{2, 0}, true},
		{"super_xid_insert", version{txn.SuperXID, 0}, true},
		{"creator_in_snapshot_committed_later", version{6, 0}, false},
		{"creator_began_after", version{12, 0}, false},
		{"creator_uncommitted", version{8, 0}, false},
		{"deleted_before_start", version{2, 4}, false},
		{"deleted_by_self", version{2, 10}, false},
		{"deleted_by_uncommitted", version{2, 8}, true},
		{"deleted_by_snapshot_member_that_committed", version{2, 6}, true},
		{"deleted_by_later_committed", version{2, 12}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsVisible(tm, tx, tt.v))
		})
	}
}

func TestIsVisible_SnapshotIsStable(t *testing.T) {
	tm := committedSet{}
	tx := NewTransaction(10, RepeatableRead, []uint64{6})
	v := version{6, 0}

	assert.False(t, IsVisible(tm, tx, v))
	tm[6] = true
	assert.False(t, IsVisible(tm, tx, v), "commit of a snapshot member stays invisible")

	rc := NewTransaction(10, ReadCommitted, nil)
	assert.True(t, IsVisible(tm, rc, v), "read committed sees it immediately")
}

func TestIsVersionSkip(t *testing.T) {
	tm := committedSet{2: true, 6: true, 12: true}

	t.Run("read_committed_never_skips", func(t *testing.T) {
		tx := NewTransaction(10, ReadCommitted, nil)
		assert.False(t, IsVersionSkip(tm, tx, version{2, 12}))
		assert.False(t, IsVersionSkip(tm, tx, version{2, 6}))
	})

	rr := NewTransaction(10, RepeatableRead, []uint64{6, 8})
	tests := []struct {
		name string
		v    version
		want bool
	}{
		{"deleted_by_later_committed", version{2, 12}, true},
		{"deleted_by_snapshot_member_committed", version{2, 6}, true},
		{"deleted_by_uncommitted", version{2, 8}, false},
		{"live", version{2, 0}, false},
		{"deleted_by_earlier_committed", version{0, 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsVersionSkip(tm, rr, tt.v))
		})
	}
}

func TestEntry(t *testing.T) {
	e := NewEntry(7, []byte("payload"))
	assert.Equal(t, uint64(7), e.Xmin())
	assert.Equal(t, uint64(0), e.Xmax())
	assert.Equal(t, []byte("payload"), e.Data())

	e.SetXmax(9)
	assert.Equal(t, uint64(9), e.Xmax())

	parsed, err := ParseEntry([]byte(e))
	require.NoError(t, err)
	assert.Equal(t, uint64(9), parsed.Xmax())

	_, err = ParseEntry(make([]byte, EntryHeaderSize-1))
	assert.Error(t, err)

	var _ Version = e
}
