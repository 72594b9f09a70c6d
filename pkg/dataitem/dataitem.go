// Package dataitem defines the raw layout of the records stored in pages and
// builds the log records that describe changes to them.
//
// A raw item is
//
//	[valid:1][size:2][data:size]
//
// where valid is 0 for a live item and 1 for an item that was removed (for
// example by undoing its insert). Items are addressed by uid, the packed
// (page number, in-page offset) pair.
package dataitem

import (
	"encoding/binary"
	"fmt"

	"github.com/orneryd/keeldb/pkg/wal"
)

const (
	validOffset = 0
	sizeOffset  = 1
	dataOffset  = 3

	// HeaderSize is the number of bytes in front of an item's data.
	HeaderSize = dataOffset

	flagValid   byte = 0
	flagInvalid byte = 1
)

// Wrap builds a valid raw item around data.
func Wrap(data []byte) []byte {
	if len(data) > 0xFFFF {
		panic(fmt.Sprintf("dataitem: item of %d bytes exceeds the size field", len(data)))
	}
	raw := make([]byte, dataOffset+len(data))
	raw[validOffset] = flagValid
	binary.BigEndian.PutUint16(raw[sizeOffset:], uint16(len(data)))
	copy(raw[dataOffset:], data)
	return raw
}

// SetRawInvalid marks a raw item as removed in place.
func SetRawInvalid(raw []byte) {
	raw[validOffset] = flagInvalid
}

// IsValid reports whether raw is a live item.
func IsValid(raw []byte) bool {
	return len(raw) > validOffset && raw[validOffset] == flagValid
}

// DataSize returns the size field of the item at the start of buf.
func DataSize(buf []byte) int {
	return int(binary.BigEndian.Uint16(buf[sizeOffset:]))
}

// RawSize returns the full length of the item at the start of buf.
func RawSize(buf []byte) int {
	return dataOffset + DataSize(buf)
}

// Data returns the data portion of a raw item. The slice aliases raw.
func Data(raw []byte) []byte {
	return raw[dataOffset : dataOffset+DataSize(raw)]
}

// Parse returns the raw item at the start of buf, or an error when buf is
// too short for it. The slice aliases buf.
func Parse(buf []byte) ([]byte, error) {
	if len(buf) < dataOffset {
		return nil, fmt.Errorf("dataitem: %d bytes is shorter than an item header", len(buf))
	}
	n := RawSize(buf)
	if n > len(buf) {
		return nil, fmt.Errorf("dataitem: item of %d bytes overruns its %d byte buffer", n, len(buf))
	}
	return buf[:n], nil
}

// UID packs a page number and offset into an item uid.
func UID(pgno uint32, offset uint16) uint64 {
	return wal.PackUID(pgno, offset)
}

// InsertLog builds the log record for placing raw at (pgno, offset).
func InsertLog(xid uint64, pgno uint32, offset uint16, raw []byte) []byte {
	return wal.EncodeInsert(xid, pgno, offset, raw)
}

// UpdateLog builds the log record for replacing oldRaw with newRaw at uid.
func UpdateLog(xid uint64, uid uint64, oldRaw, newRaw []byte) []byte {
	return wal.EncodeUpdate(xid, uid, oldRaw, newRaw)
}
