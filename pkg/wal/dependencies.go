package wal

import (
	"io"
	"os"
)

// These interfaces define the log store's dependencies. Using the smallest
// interface possible makes it easier to mock them in testing.
type (
	dependencies interface {
		openFile(string, int, os.FileMode) (file, error)
	}

	// file implements the methods of os.File the log store calls.
	file interface {
		io.ReaderAt
		io.WriterAt
		io.Closer
		Name() string
		Stat() (os.FileInfo, error)
		Sync() error
		Truncate(int64) error
	}
)

// prodDependencies is a passthrough to the standard library calls.
type prodDependencies struct{}

func (prodDependencies) openFile(path string, flag int, perm os.FileMode) (file, error) {
	return os.OpenFile(path, flag, perm)
}
