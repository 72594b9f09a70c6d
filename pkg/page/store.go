// Package page provides the file-backed page store that holds keeldb's
// records.
//
// The page file is a sequence of fixed-size pages numbered from 1. Page 1 is
// the store header; data pages start at FirstDataPage and are laid out as
//
//	[fso:2][items...][free space]
//
// where fso is the offset of the first free byte. Pages are pinned by Get and
// unpinned by Release; a dirty page is written back when its last pin is
// released. There is no eviction: a page lives in memory only while pinned.
package page

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
)

// Page store layout constants
const (
	// PageSize is the size of every page in bytes.
	PageSize = 8192

	// HeaderPage is the page number of the store header.
	HeaderPage uint32 = 1
	// FirstDataPage is the lowest page number that holds records.
	FirstDataPage uint32 = 2

	fsoOffset = 0
	// DataStart is the offset of the first item in a data page.
	DataStart = 2
	// MaxFreeSpace is the free space of an empty data page.
	MaxFreeSpace = PageSize - DataStart

	formatVersion uint16 = 1
)

var headerMagic = []byte("KEELPAGE")

// Common page store errors
var (
	ErrClosed         = errors.New("page: store closed")
	ErrBadPageFile    = errors.New("page: bad page file")
	ErrPageOutOfRange = errors.New("page: page number out of range")
	ErrPageFull       = errors.New("page: not enough free space")
	ErrOutOfBounds    = errors.New("page: write past end of page")
)

// Options configures a Store.
type Options struct {
	// NoSync skips fsync on Flush and Close.
	NoSync bool
}

// Store is a file of fixed-size pages with pin counting.
// Thread-safe; page contents are guarded by each page's own lock.
type Store struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	opts      Options
	pageCount uint32
	pages     map[uint32]*Page
	closed    bool
}

// Create creates a page file holding only the header page.
func Create(path string, opts *Options) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("page: failed to create page file: %w", err)
	}

	header := make([]byte, PageSize)
	copy(header, headerMagic)
	binary.BigEndian.PutUint16(header[len(headerMagic):], formatVersion)
	if _, err := f.WriteAt(header, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("page: failed to write header page: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("page: sync failed: %w", err)
	}

	return newStore(f, path, opts, 1), nil
}

// Open opens an existing page file. A trailing partial page is ignored and
// overwritten by the next allocation.
func Open(path string, opts *Options) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("page: failed to open page file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("page: failed to stat page file: %w", err)
	}
	if fi.Size() < PageSize {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrBadPageFile, path, fi.Size())
	}

	header := make([]byte, len(headerMagic)+2)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("page: failed to read header page: %w", err)
	}
	if !bytes.Equal(header[:len(headerMagic)], headerMagic) {
		f.Close()
		return nil, fmt.Errorf("%w: %s has no page store header", ErrBadPageFile, path)
	}
	if v := binary.BigEndian.Uint16(header[len(headerMagic):]); v != formatVersion {
		f.Close()
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrBadPageFile, v)
	}

	return newStore(f, path, opts, uint32(fi.Size()/PageSize)), nil
}

// OpenOrCreate opens the page file at path, creating it when it does not exist.
func OpenOrCreate(path string, opts *Options) (*Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Create(path, opts)
	}
	return Open(path, opts)
}

func newStore(f *os.File, path string, opts *Options, count uint32) *Store {
	s := &Store{
		file:      f,
		path:      path,
		pageCount: count,
		pages:     make(map[uint32]*Page),
	}
	if opts != nil {
		s.opts = *opts
	}
	return s
}

func pageOffset(pgno uint32) int64 {
	return int64(pgno-1) * PageSize
}

// PageCount returns the number of pages in the store, header included.
func (s *Store) PageCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageCount
}

// NewPage appends an empty data page and returns its number.
func (s *Store) NewPage() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	pgno := s.pageCount + 1
	data := make([]byte, PageSize)
	binary.BigEndian.PutUint16(data[fsoOffset:], DataStart)
	if _, err := s.file.WriteAt(data, pageOffset(pgno)); err != nil {
		return 0, fmt.Errorf("page: failed to write page %d: %w", pgno, err)
	}
	s.pageCount = pgno
	return pgno, nil
}

// Get pins page pgno and returns it. Every successful Get must be paired with
// exactly one Release, made without holding the page lock.
func (s *Store) Get(pgno uint32) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if pgno < FirstDataPage || pgno > s.pageCount {
		return nil, fmt.Errorf("%w: %d (store has %d pages)", ErrPageOutOfRange, pgno, s.pageCount)
	}

	if p, ok := s.pages[pgno]; ok {
		p.refs++
		return p, nil
	}

	data := make([]byte, PageSize)
	if _, err := s.file.ReadAt(data, pageOffset(pgno)); err != nil {
		return nil, fmt.Errorf("page: failed to read page %d: %w", pgno, err)
	}
	p := &Page{store: s, pgno: pgno, data: data, refs: 1}
	s.pages[pgno] = p
	return p, nil
}

// With pins page pgno for the duration of fn. The page is released on every
// exit path, including a panic in fn.
func (s *Store) With(pgno uint32, fn func(p *Page) error) (err error) {
	p, err := s.Get(pgno)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := p.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(p)
}

func (s *Store) release(p *Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.refs--
	if p.refs < 0 {
		panic(fmt.Sprintf("page: page %d released more times than it was pinned", p.pgno))
	}
	if p.refs > 0 {
		return nil
	}
	delete(s.pages, p.pgno)
	if s.closed {
		p.mu.Lock()
		dirty := p.dirty
		p.mu.Unlock()
		if dirty {
			return fmt.Errorf("page: page %d modified after close: %w", p.pgno, ErrClosed)
		}
		return nil
	}
	return s.writeBack(p)
}

// writeBack writes a dirty page to the file. Callers hold s.mu.
func (s *Store) writeBack(p *Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.dirty {
		return nil
	}
	if _, err := s.file.WriteAt(p.data, pageOffset(p.pgno)); err != nil {
		return fmt.Errorf("page: failed to write page %d: %w", p.pgno, err)
	}
	p.dirty = false
	return nil
}

// TruncateByPageCount sets the store to exactly n pages, shrinking or
// zero-extending the file. Cached pages past n are dropped.
func (s *Store) TruncateByPageCount(n uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if n < HeaderPage {
		return fmt.Errorf("%w: cannot truncate to %d pages", ErrPageOutOfRange, n)
	}
	if err := s.file.Truncate(int64(n) * PageSize); err != nil {
		return fmt.Errorf("page: truncate failed: %w", err)
	}
	for pgno := range s.pages {
		if pgno > n {
			delete(s.pages, pgno)
		}
	}
	s.pageCount = n
	return nil
}

// Flush writes back every pinned dirty page and syncs the file.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	for _, p := range s.pages {
		if err := s.writeBack(p); err != nil {
			return err
		}
	}
	if s.opts.NoSync {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("page: sync failed: %w", err)
	}
	return nil
}

// Close flushes and closes the page file. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	flushErr := s.flushLocked()
	s.closed = true
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("page: close failed: %w", err)
	}
	return flushErr
}
