package mvcc

import (
	"encoding/binary"
	"fmt"
)

// Entry layout: [xmin:8][xmax:8][data...]
const (
	xminOffset = 0
	xmaxOffset = 8
	// EntryHeaderSize is the size of the version header.
	EntryHeaderSize = 16
)

// Entry is a versioned record as stored inside a data item.
type Entry []byte

// NewEntry builds a live entry created by xmin.
func NewEntry(xmin uint64, data []byte) Entry {
	e := make(Entry, EntryHeaderSize+len(data))
	binary.BigEndian.PutUint64(e[xminOffset:], xmin)
	copy(e[EntryHeaderSize:], data)
	return e
}

// ParseEntry validates that b is long enough to be an entry.
func ParseEntry(b []byte) (Entry, error) {
	if len(b) < EntryHeaderSize {
		return nil, fmt.Errorf("mvcc: entry of %d bytes is shorter than its header", len(b))
	}
	return Entry(b), nil
}

func (e Entry) Xmin() uint64 { return binary.BigEndian.Uint64(e[xminOffset:]) }
func (e Entry) Xmax() uint64 { return binary.BigEndian.Uint64(e[xmaxOffset:]) }

// SetXmax records the deleting transaction in place.
func (e Entry) SetXmax(xid uint64) {
	binary.BigEndian.PutUint64(e[xmaxOffset:], xid)
}

// Data returns the payload. The slice aliases e.
func (e Entry) Data() []byte { return e[EntryHeaderSize:] }
