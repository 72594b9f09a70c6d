//go:build windows
// +build windows

package wal

import (
	"fmt"
	"os"
)

// syncDir is a no-op on Windows; directory handles cannot be fsynced there
// and NTFS makes metadata changes durable on its own.
func syncDir(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("wal: directory does not exist: %w", err)
	}
	return nil
}
