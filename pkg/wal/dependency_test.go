package wal

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFaultyDisk = errors.New("faulty disk")

// dependencyFaultyDisk hands out files whose writes or syncs fail on demand.
type dependencyFaultyDisk struct {
	mu        sync.Mutex
	failWrite bool
	failSync  bool
	failRead  bool
}

func (d *dependencyFaultyDisk) openFile(path string, flag int, perm os.FileMode) (file, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: f, d: d}, nil
}

func (d *dependencyFaultyDisk) set(write, sync, read bool) {
	d.mu.Lock()
	d.failWrite, d.failSync, d.failRead = write, sync, read
	d.mu.Unlock()
}

type faultyFile struct {
	*os.File
	d *dependencyFaultyDisk
}

func (f *faultyFile) WriteAt(b []byte, off int64) (int, error) {
	f.d.mu.Lock()
	fail := f.d.failWrite
	f.d.mu.Unlock()
	if fail {
		return 0, errFaultyDisk
	}
	return f.File.WriteAt(b, off)
}

func (f *faultyFile) ReadAt(b []byte, off int64) (int, error) {
	f.d.mu.Lock()
	fail := f.d.failRead
	f.d.mu.Unlock()
	if fail {
		return 0, errFaultyDisk
	}
	return f.File.ReadAt(b, off)
}

func (f *faultyFile) Sync() error {
	f.d.mu.Lock()
	fail := f.d.failSync
	f.d.mu.Unlock()
	if fail {
		return errFaultyDisk
	}
	return f.File.Sync()
}

func TestLogStore_FaultyDisk(t *testing.T) {
	newFaultyLog := func(t *testing.T) (*LogStore, *dependencyFaultyDisk) {
		t.Helper()
		deps := &dependencyFaultyDisk{}
		l, err := Create(filepath.Join(t.TempDir(), "keel.log"), &Options{
			Logger: &recordingLogger{},
			deps:   deps,
		})
		require.NoError(t, err)
		return l, deps
	}

	t.Run("append_reports_write_failure", func(t *testing.T) {
		l, deps := newFaultyLog(t)
		defer l.Close()

		deps.set(true, false, false)
		err := l.Append([]byte("lost"))
		assert.ErrorIs(t, err, errFaultyDisk)
		assert.Equal(t, int64(xChecksumSize), l.Size())
	})

	t.Run("append_reports_sync_failure", func(t *testing.T) {
		l, deps := newFaultyLog(t)
		defer l.Close()

		deps.set(false, true, false)
		assert.ErrorIs(t, l.Append([]byte("unsynced")), errFaultyDisk)
	})

	t.Run("next_reports_read_failure", func(t *testing.T) {
		l, deps := newFaultyLog(t)
		defer func() {
			deps.set(false, false, false)
			l.Close()
		}()
		require.NoError(t, l.Append([]byte("record")))

		deps.set(false, false, true)
		l.Rewind()
		_, err := l.Next()
		assert.ErrorIs(t, err, errFaultyDisk)
	})

	t.Run("open_reports_read_failure", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keel.log")
		l, err := Create(path, testOptions(&recordingLogger{}))
		require.NoError(t, err)
		require.NoError(t, l.Append([]byte("record")))
		require.NoError(t, l.Close())

		deps := &dependencyFaultyDisk{failRead: true}
		_, err = Open(path, &Options{Logger: &recordingLogger{}, deps: deps})
		assert.ErrorIs(t, err, errFaultyDisk)
	})
}
