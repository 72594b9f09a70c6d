package engine

import (
	"errors"
	"fmt"

	"github.com/orneryd/keeldb/pkg/dataitem"
	"github.com/orneryd/keeldb/pkg/mvcc"
	"github.com/orneryd/keeldb/pkg/page"
	"github.com/orneryd/keeldb/pkg/wal"
)

// Insert stores data as a new record created by t and returns its uid.
func (e *Engine) Insert(t *mvcc.Transaction, data []byte) (uint64, error) {
	if err := e.checkActive(t); err != nil {
		return 0, err
	}
	if len(data) > maxRecordSize {
		return 0, fmt.Errorf("%w: %d bytes, max %d", ErrItemTooLarge, len(data), maxRecordSize)
	}
	raw := dataitem.Wrap(mvcc.NewEntry(t.XID(), data))

	pgno, err := e.pageForInsert(0)
	if err != nil {
		return 0, err
	}
	for {
		var uid uint64
		err := e.pages.With(pgno, func(p *page.Page) error {
			p.Lock()
			defer p.Unlock()

			if p.FreeSpace() < len(raw) {
				return errNoRoom
			}
			offset := p.FreeSpaceOffset()
			if err := e.wal.Append(dataitem.InsertLog(t.XID(), pgno, offset, raw)); err != nil {
				return err
			}
			if _, err := p.Insert(raw); err != nil {
				return err
			}
			uid = dataitem.UID(pgno, offset)
			return nil
		})
		if errors.Is(err, errNoRoom) {
			if pgno, err = e.pageForInsert(pgno); err != nil {
				return 0, err
			}
			continue
		}
		if err != nil {
			return 0, err
		}
		return uid, nil
	}
}

// pageForInsert returns the page new records go to. full is a page found to
// be out of room (0 if none); a fresh page replaces it.
func (e *Engine) pageForInsert(full uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lastPage != 0 && e.lastPage != full {
		return e.lastPage, nil
	}
	pgno, err := e.pages.NewPage()
	if err != nil {
		return 0, err
	}
	e.lastPage = pgno
	return pgno, nil
}

// locate reads the raw item and entry at uid. Callers hold the page lock.
func locate(p *page.Page, offset uint16) ([]byte, mvcc.Entry, error) {
	if offset < page.DataStart || offset >= p.FreeSpaceOffset() {
		return nil, nil, fmt.Errorf("%w: offset %d in page %d", ErrInvalidUID, offset, p.Number())
	}
	raw, err := dataitem.Parse(p.Data()[offset:p.FreeSpaceOffset()])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidUID, err)
	}
	entry, err := mvcc.ParseEntry(dataitem.Data(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidUID, err)
	}
	return raw, entry, nil
}

// Read returns the data of record uid if t can see it.
func (e *Engine) Read(t *mvcc.Transaction, uid uint64) ([]byte, bool, error) {
	if err := e.checkActive(t); err != nil {
		return nil, false, err
	}
	pgno, offset := wal.UnpackUID(uid)

	var (
		data    []byte
		visible bool
	)
	err := e.pages.With(pgno, func(p *page.Page) error {
		p.Lock()
		defer p.Unlock()

		raw, entry, err := locate(p, offset)
		if err != nil {
			return err
		}
		if !dataitem.IsValid(raw) || !mvcc.IsVisible(e.tm, t, entry) {
			return nil
		}
		visible = true
		data = append([]byte(nil), entry.Data()...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return data, visible, nil
}

// Delete marks record uid deleted by t. It returns false if t cannot see the
// record. If another transaction's deletion gets in the way, t is aborted and
// ErrConcurrentUpdate is returned.
func (e *Engine) Delete(t *mvcc.Transaction, uid uint64) (bool, error) {
	if err := e.checkActive(t); err != nil {
		return false, err
	}
	pgno, offset := wal.UnpackUID(uid)

	var (
		deleted  bool
		conflict bool
	)
	err := e.pages.With(pgno, func(p *page.Page) error {
		p.Lock()
		defer p.Unlock()

		raw, entry, err := locate(p, offset)
		if err != nil {
			return err
		}
		if !dataitem.IsValid(raw) || !mvcc.IsVisible(e.tm, t, entry) {
			return nil
		}
		if mvcc.IsVersionSkip(e.tm, t, entry) {
			conflict = true
			return nil
		}
		if xmax := entry.Xmax(); xmax != 0 && e.tm.IsActive(xmax) {
			// Another transaction holds an uncommitted delete.
			conflict = true
			return nil
		}

		oldRaw := append([]byte(nil), raw...)
		newRaw := append([]byte(nil), raw...)
		mvcc.Entry(dataitem.Data(newRaw)).SetXmax(t.XID())
		if err := e.wal.Append(dataitem.UpdateLog(t.XID(), uid, oldRaw, newRaw)); err != nil {
			return err
		}
		deleted = true
		return p.Update(newRaw, offset)
	})
	if err != nil {
		return false, err
	}
	if conflict {
		if err := e.Abort(t); err != nil {
			return false, err
		}
		e.log.WithField("xid", t.XID()).Debug("transaction aborted on concurrent update")
		return false, fmt.Errorf("%w: xid %d, record %#x", ErrConcurrentUpdate, t.XID(), uid)
	}
	return deleted, nil
}
