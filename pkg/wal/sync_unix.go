//go:build !windows
// +build !windows

package wal

import (
	"fmt"
	"os"
)

// syncDir fsyncs a directory so that file creation is durable.
//
// Without it a crash can lose the directory entry of a freshly created log
// even though the file contents were synced.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("wal: failed to open directory for sync: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("wal: failed to sync directory: %w", err)
	}
	return nil
}
