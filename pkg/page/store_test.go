package page

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/NebulousLabs/fastrand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (string, *Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keel.db")
	s, err := Create(path, &Options{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return path, s
}

func TestCreateOpen(t *testing.T) {
	t.Run("fresh_store_has_header_page_only", func(t *testing.T) {
		path, s := newTestStore(t)
		assert.Equal(t, uint32(1), s.PageCount())

		fi, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, int64(PageSize), fi.Size())
	})

	t.Run("reopen_keeps_pages", func(t *testing.T) {
		path, s := newTestStore(t)
		_, err := s.NewPage()
		require.NoError(t, err)
		_, err = s.NewPage()
		require.NoError(t, err)
		require.NoError(t, s.Close())

		s, err = Open(path, nil)
		require.NoError(t, err)
		defer s.Close()
		assert.Equal(t, uint32(3), s.PageCount())
	})

	t.Run("rejects_foreign_file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keel.db")
		require.NoError(t, os.WriteFile(path, make([]byte, PageSize), 0644))

		_, err := Open(path, nil)
		assert.ErrorIs(t, err, ErrBadPageFile)
	})

	t.Run("rejects_short_file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keel.db")
		require.NoError(t, os.WriteFile(path, []byte("KEEL"), 0644))

		_, err := Open(path, nil)
		assert.ErrorIs(t, err, ErrBadPageFile)
	})

	t.Run("open_or_create", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keel.db")
		s, err := OpenOrCreate(path, nil)
		require.NoError(t, err)
		require.NoError(t, s.Close())

		s, err = OpenOrCreate(path, nil)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	})
}

func TestStore_GetRelease(t *testing.T) {
	t.Run("new_page_is_empty", func(t *testing.T) {
		_, s := newTestStore(t)
		pgno, err := s.NewPage()
		require.NoError(t, err)
		assert.Equal(t, FirstDataPage, pgno)

		p, err := s.Get(pgno)
		require.NoError(t, err)
		p.Lock()
		assert.Equal(t, uint16(DataStart), p.FreeSpaceOffset())
		assert.Equal(t, MaxFreeSpace, p.FreeSpace())
		p.Unlock()
		require.NoError(t, p.Release())
	})

	t.Run("out_of_range", func(t *testing.T) {
		_, s := newTestStore(t)
		for _, pgno := range []uint32{0, HeaderPage, 2, 99} {
			_, err := s.Get(pgno)
			assert.ErrorIs(t, err, ErrPageOutOfRange, "page %d", pgno)
		}
	})

	t.Run("pins_share_one_page", func(t *testing.T) {
		_, s := newTestStore(t)
		pgno, err := s.NewPage()
		require.NoError(t, err)

		a, err := s.Get(pgno)
		require.NoError(t, err)
		b, err := s.Get(pgno)
		require.NoError(t, err)
		assert.Same(t, a, b)

		require.NoError(t, a.Release())
		require.NoError(t, b.Release())
	})

	t.Run("double_release_panics", func(t *testing.T) {
		_, s := newTestStore(t)
		pgno, err := s.NewPage()
		require.NoError(t, err)

		p, err := s.Get(pgno)
		require.NoError(t, err)
		require.NoError(t, p.Release())
		assert.Panics(t, func() { p.Release() })
	})

	t.Run("dirty_page_written_back_on_last_release", func(t *testing.T) {
		path, s := newTestStore(t)
		pgno, err := s.NewPage()
		require.NoError(t, err)

		raw := fastrand.Bytes(100)
		p, err := s.Get(pgno)
		require.NoError(t, err)
		p.Lock()
		off, err := p.Insert(raw)
		p.Unlock()
		require.NoError(t, err)
		assert.Equal(t, uint16(DataStart), off)
		require.NoError(t, p.Release())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		base := int(pgno-1) * PageSize
		assert.Equal(t, raw, data[base+DataStart:base+DataStart+100])
	})

	t.Run("with_releases_on_error", func(t *testing.T) {
		_, s := newTestStore(t)
		pgno, err := s.NewPage()
		require.NoError(t, err)

		boom := assert.AnError
		err = s.With(pgno, func(p *Page) error { return boom })
		assert.ErrorIs(t, err, boom)

		s.mu.Lock()
		_, pinned := s.pages[pgno]
		s.mu.Unlock()
		assert.False(t, pinned)
	})

	t.Run("with_releases_on_panic", func(t *testing.T) {
		_, s := newTestStore(t)
		pgno, err := s.NewPage()
		require.NoError(t, err)

		assert.Panics(t, func() {
			_ = s.With(pgno, func(p *Page) error { panic("boom") })
		})

		s.mu.Lock()
		_, pinned := s.pages[pgno]
		s.mu.Unlock()
		assert.False(t, pinned)
	})
}

func TestPage_Insert(t *testing.T) {
	_, s := newTestStore(t)
	pgno, err := s.NewPage()
	require.NoError(t, err)

	err = s.With(pgno, func(p *Page) error {
		p.Lock()
		defer p.Unlock()

		first, err := p.Insert(make([]byte, 10))
		require.NoError(t, err)
		second, err := p.Insert(make([]byte, 20))
		require.NoError(t, err)
		assert.Equal(t, uint16(DataStart), first)
		assert.Equal(t, uint16(DataStart+10), second)
		assert.Equal(t, MaxFreeSpace-30, p.FreeSpace())

		_, err = p.Insert(make([]byte, p.FreeSpace()+1))
		assert.ErrorIs(t, err, ErrPageFull)
		return nil
	})
	require.NoError(t, err)
}

func TestPage_Recover(t *testing.T) {
	_, s := newTestStore(t)
	pgno, err := s.NewPage()
	require.NoError(t, err)

	err = s.With(pgno, func(p *Page) error {
		require.NoError(t, p.RecoverInsert([]byte{1, 2, 3}, 100))
		p.Lock()
		assert.Equal(t, uint16(103), p.FreeSpaceOffset())
		p.Unlock()

		// An insert below the free space offset leaves it alone.
		require.NoError(t, p.RecoverInsert([]byte{4, 5}, 10))
		p.Lock()
		assert.Equal(t, uint16(103), p.FreeSpaceOffset())
		assert.Equal(t, []byte{4, 5}, p.Data()[10:12])
		p.Unlock()

		require.NoError(t, p.RecoverUpdate([]byte{9, 9, 9}, 100))
		p.Lock()
		assert.Equal(t, []byte{9, 9, 9}, p.Data()[100:103])
		assert.Equal(t, uint16(103), p.FreeSpaceOffset())
		p.Unlock()

		assert.ErrorIs(t, p.RecoverInsert([]byte{1, 2}, PageSize-1), ErrOutOfBounds)
		assert.ErrorIs(t, p.RecoverUpdate([]byte{1}, 0), ErrOutOfBounds)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_TruncateByPageCount(t *testing.T) {
	t.Run("shrinks", func(t *testing.T) {
		path, s := newTestStore(t)
		for i := 0; i < 4; i++ {
			_, err := s.NewPage()
			require.NoError(t, err)
		}
		require.NoError(t, s.TruncateByPageCount(2))
		assert.Equal(t, uint32(2), s.PageCount())

		fi, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, int64(2*PageSize), fi.Size())

		_, err = s.Get(3)
		assert.ErrorIs(t, err, ErrPageOutOfRange)
		next, err := s.NewPage()
		require.NoError(t, err)
		assert.Equal(t, uint32(3), next)
	})

	t.Run("extends_with_unformatted_pages", func(t *testing.T) {
		_, s := newTestStore(t)
		require.NoError(t, s.TruncateByPageCount(3))

		p, err := s.Get(3)
		require.NoError(t, err)
		p.Lock()
		assert.Equal(t, uint16(DataStart), p.FreeSpaceOffset())
		p.Unlock()
		require.NoError(t, p.Release())
	})

	t.Run("never_removes_header", func(t *testing.T) {
		_, s := newTestStore(t)
		assert.ErrorIs(t, s.TruncateByPageCount(0), ErrPageOutOfRange)
	})
}

func TestStore_ConcurrentInserts(t *testing.T) {
	_, s := newTestStore(t)
	pgno, err := s.NewPage()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.With(pgno, func(p *Page) error {
				p.Lock()
				defer p.Unlock()
				_, err := p.Insert(make([]byte, 8))
				return err
			}))
		}()
	}
	wg.Wait()

	require.NoError(t, s.With(pgno, func(p *Page) error {
		p.Lock()
		defer p.Unlock()
		assert.Equal(t, uint16(DataStart+16*8), p.FreeSpaceOffset())
		return nil
	}))
}
