package page

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Page is a pinned data page. Its bytes are guarded by Lock/Unlock.
type Page struct {
	mu    sync.Mutex
	store *Store
	pgno  uint32
	data  []byte
	dirty bool

	// refs is guarded by store.mu.
	refs int
}

// Number returns the page number.
func (p *Page) Number() uint32 { return p.pgno }

// Lock locks the page contents.
func (p *Page) Lock() { p.mu.Lock() }

// Unlock unlocks the page contents.
func (p *Page) Unlock() { p.mu.Unlock() }

// Data returns the page bytes. Callers hold the page lock and call SetDirty
// after modifying them.
func (p *Page) Data() []byte { return p.data }

// SetDirty marks the page for write-back. Callers hold the page lock.
func (p *Page) SetDirty() { p.dirty = true }

// Release unpins the page. Releasing a page more often than it was pinned
// panics.
func (p *Page) Release() error {
	return p.store.release(p)
}

// FreeSpaceOffset returns the offset of the first free byte. Callers hold the
// page lock.
func (p *Page) FreeSpaceOffset() uint16 {
	fso := binary.BigEndian.Uint16(p.data[fsoOffset:])
	if fso < DataStart {
		// A page zero-extended by truncation has never been formatted.
		return DataStart
	}
	return fso
}

func (p *Page) setFreeSpaceOffset(fso uint16) {
	binary.BigEndian.PutUint16(p.data[fsoOffset:], fso)
}

// FreeSpace returns the number of free bytes. Callers hold the page lock.
func (p *Page) FreeSpace() int {
	return PageSize - int(p.FreeSpaceOffset())
}

// Insert appends raw at the free space offset and returns where it was
// placed. Callers hold the page lock.
func (p *Page) Insert(raw []byte) (uint16, error) {
	offset := p.FreeSpaceOffset()
	if len(raw) > PageSize-int(offset) {
		return 0, fmt.Errorf("%w: page %d has %d bytes, need %d", ErrPageFull, p.pgno, PageSize-int(offset), len(raw))
	}
	copy(p.data[offset:], raw)
	p.setFreeSpaceOffset(offset + uint16(len(raw)))
	p.dirty = true
	return offset, nil
}

// Update overwrites the bytes at offset with raw. Callers hold the page lock.
func (p *Page) Update(raw []byte, offset uint16) error {
	if err := p.checkBounds(raw, offset); err != nil {
		return err
	}
	copy(p.data[offset:], raw)
	p.dirty = true
	return nil
}

// RecoverInsert writes raw at offset and moves the free space offset past it
// if needed. Used by crash recovery; takes the page lock itself.
func (p *Page) RecoverInsert(raw []byte, offset uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkBounds(raw, offset); err != nil {
		return err
	}
	copy(p.data[offset:], raw)
	if end := offset + uint16(len(raw)); p.FreeSpaceOffset() < end {
		p.setFreeSpaceOffset(end)
	}
	p.dirty = true
	return nil
}

// RecoverUpdate overwrites the bytes at offset with raw. Used by crash
// recovery; takes the page lock itself.
func (p *Page) RecoverUpdate(raw []byte, offset uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkBounds(raw, offset); err != nil {
		return err
	}
	copy(p.data[offset:], raw)
	p.dirty = true
	return nil
}

func (p *Page) checkBounds(raw []byte, offset uint16) error {
	if offset < DataStart || int(offset)+len(raw) > PageSize {
		return fmt.Errorf("%w: page %d offset %d length %d", ErrOutOfBounds, p.pgno, offset, len(raw))
	}
	return nil
}
