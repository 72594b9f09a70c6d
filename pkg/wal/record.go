package wal

import (
	"encoding/binary"
	"fmt"
)

// RecordType is the tag byte at the start of every record payload.
type RecordType byte

const (
	TypeInsert RecordType = 0
	TypeUpdate RecordType = 1
)

func (t RecordType) String() string {
	switch t {
	case TypeInsert:
		return "insert"
	case TypeUpdate:
		return "update"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Record payload layouts:
//
//	insert: [type:1][xid:8][pgno:4][offset:2][raw...]
//	update: [type:1][xid:8][uid:8][oldRaw...][newRaw...]
//
// The two images of an update have the same length.
const (
	recordTypeOffset = 0
	recordXIDOffset  = 1

	insertPgnoOffset   = 9
	insertOffsetOffset = 13
	insertRawOffset    = 15

	updateUIDOffset = 9
	updateRawOffset = 17
)

// Record is a decoded log record: *InsertRecord or *UpdateRecord.
type Record interface {
	Type() RecordType
	// XID is the transaction that wrote the record.
	XID() uint64
	// PageNumber is the page the record touches.
	PageNumber() uint32
	record()
}

// InsertRecord places Raw at Offset in page Pgno.
type InsertRecord struct {
	Xid    uint64
	Pgno   uint32
	Offset uint16
	Raw    []byte
}

func (r *InsertRecord) Type() RecordType   { return TypeInsert }
func (r *InsertRecord) XID() uint64        { return r.Xid }
func (r *InsertRecord) PageNumber() uint32 { return r.Pgno }
func (*InsertRecord) record()              {}

// UpdateRecord replaces OldRaw with NewRaw at Offset in page Pgno.
type UpdateRecord struct {
	Xid    uint64
	Pgno   uint32
	Offset uint16
	OldRaw []byte
	NewRaw []byte
}

func (r *UpdateRecord) Type() RecordType   { return TypeUpdate }
func (r *UpdateRecord) XID() uint64        { return r.Xid }
func (r *UpdateRecord) PageNumber() uint32 { return r.Pgno }
func (*UpdateRecord) record()              {}

// UID returns the packed address of the updated item.
func (r *UpdateRecord) UID() uint64 {
	return PackUID(r.Pgno, r.Offset)
}

// PackUID packs a page number and in-page offset into an item uid.
func PackUID(pgno uint32, offset uint16) uint64 {
	return uint64(pgno)<<32 | uint64(offset)
}

// UnpackUID splits a uid into page number and in-page offset.
func UnpackUID(uid uint64) (pgno uint32, offset uint16) {
	return uint32((uid >> 32) & 0xFFFFFFFF), uint16(uid & 0xFFFF)
}

// IsInsert reports whether payload is tagged as an insert record.
// An empty payload is not.
func IsInsert(payload []byte) bool {
	return len(payload) > 0 && RecordType(payload[recordTypeOffset]) == TypeInsert
}

// EncodeInsert builds an insert record payload.
func EncodeInsert(xid uint64, pgno uint32, offset uint16, raw []byte) []byte {
	buf := make([]byte, insertRawOffset+len(raw))
	buf[recordTypeOffset] = byte(TypeInsert)
	binary.BigEndian.PutUint64(buf[recordXIDOffset:], xid)
	binary.BigEndian.PutUint32(buf[insertPgnoOffset:], pgno)
	binary.BigEndian.PutUint16(buf[insertOffsetOffset:], offset)
	copy(buf[insertRawOffset:], raw)
	return buf
}

// EncodeUpdate builds an update record payload. oldRaw and newRaw must have
// the same length.
func EncodeUpdate(xid uint64, uid uint64, oldRaw, newRaw []byte) []byte {
	if len(oldRaw) != len(newRaw) {
		panic(fmt.Sprintf("wal: update images differ in length: %d != %d", len(oldRaw), len(newRaw)))
	}
	buf := make([]byte, updateRawOffset+len(oldRaw)+len(newRaw))
	buf[recordTypeOffset] = byte(TypeUpdate)
	binary.BigEndian.PutUint64(buf[recordXIDOffset:], xid)
	binary.BigEndian.PutUint64(buf[updateUIDOffset:], uid)
	copy(buf[updateRawOffset:], oldRaw)
	copy(buf[updateRawOffset+len(oldRaw):], newRaw)
	return buf
}

// DecodeInsert parses an insert record payload. The returned Raw is a copy.
func DecodeInsert(payload []byte) (*InsertRecord, error) {
	if len(payload) < insertRawOffset {
		return nil, fmt.Errorf("%w: insert record is %d bytes", ErrMalformedRecord, len(payload))
	}
	if t := RecordType(payload[recordTypeOffset]); t != TypeInsert {
		return nil, fmt.Errorf("%w: expected insert, got %s", ErrMalformedRecord, t)
	}
	return &InsertRecord{
		Xid:    binary.BigEndian.Uint64(payload[recordXIDOffset:]),
		Pgno:   binary.BigEndian.Uint32(payload[insertPgnoOffset:]),
		Offset: binary.BigEndian.Uint16(payload[insertOffsetOffset:]),
		Raw:    append([]byte(nil), payload[insertRawOffset:]...),
	}, nil
}

// DecodeUpdate parses an update record payload. The images are copies.
func DecodeUpdate(payload []byte) (*UpdateRecord, error) {
	if len(payload) < updateRawOffset {
		return nil, fmt.Errorf("%w: update record is %d bytes", ErrMalformedRecord, len(payload))
	}
	if t := RecordType(payload[recordTypeOffset]); t != TypeUpdate {
		return nil, fmt.Errorf("%w: expected update, got %s", ErrMalformedRecord, t)
	}
	images := payload[updateRawOffset:]
	if len(images)%2 != 0 {
		return nil, fmt.Errorf("%w: update images have odd total length %d", ErrMalformedRecord, len(images))
	}
	half := len(images) / 2
	pgno, offset := UnpackUID(binary.BigEndian.Uint64(payload[updateUIDOffset:]))
	return &UpdateRecord{
		Xid:    binary.BigEndian.Uint64(payload[recordXIDOffset:]),
		Pgno:   pgno,
		Offset: offset,
		OldRaw: append([]byte(nil), images[:half]...),
		NewRaw: append([]byte(nil), images[half:]...),
	}, nil
}

// Decode parses any record payload.
func Decode(payload []byte) (Record, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedRecord)
	}
	switch RecordType(payload[recordTypeOffset]) {
	case TypeInsert:
		return DecodeInsert(payload)
	case TypeUpdate:
		return DecodeUpdate(payload)
	default:
		return nil, fmt.Errorf("%w: unknown record type %d", ErrMalformedRecord, payload[recordTypeOffset])
	}
}
