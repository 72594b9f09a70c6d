package wal

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// CorruptionDiagnostics captures what Open saw when it refused a corrupt log,
// to help diagnose root causes (torn header write, disk error, foreign file).
type CorruptionDiagnostics struct {
	Timestamp        time.Time `json:"timestamp"`
	LogPath          string    `json:"log_path"`
	FileSize         int64     `json:"file_size"`
	StoredChecksum   uint32    `json:"stored_checksum"`
	ComputedChecksum uint32    `json:"computed_checksum"`
	RecordsRead      int       `json:"records_read"`
	LastGoodOffset   int64     `json:"last_good_offset"`
	PrefixDigest     string    `json:"prefix_digest,omitempty"`
	SuspectedCause   string    `json:"suspected_cause"`
	BackupPath       string    `json:"backup_path,omitempty"`
	RecoveryAction   string    `json:"recovery_action"`
}

// diagnoseCause guesses a cause from the checksum pattern. lastUnfolded is
// true when the stored checksum equals the fold of every frame but the last.
func (d *CorruptionDiagnostics) diagnoseCause(lastUnfolded bool) {
	switch {
	case lastUnfolded:
		d.SuspectedCause = "interrupted_append: the last record is complete but the " +
			"header checksum was never updated, so the append was not acknowledged. " +
			"The log cannot prove the record is genuine."
	case d.RecordsRead == 0:
		d.SuspectedCause = "damaged_header: no complete record matches a non-zero " +
			"checksum header. The file may be truncated or not a keeldb log."
	default:
		d.SuspectedCause = "unknown: possible disk error, memory corruption, or bug. " +
			"Check system logs for I/O errors. Backup preserved for forensics."
	}
}

// digestPrefix returns the hex BLAKE2b-256 digest of the first n bytes of r.
func digestPrefix(r io.ReaderAt, n int64) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, io.NewSectionReader(r, 0, n)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *LogStore) backupCorruptLog() string {
	ext := filepath.Ext(l.path)
	backupPath := fmt.Sprintf("%s-corrupted-%s%s",
		strings.TrimSuffix(l.path, ext), time.Now().Format("20060102-150405"), ext)

	src, err := os.Open(l.path)
	if err != nil {
		l.opts.Logger.Log("warn", "wal backup open failed", map[string]any{
			"log_path": l.path,
			"error":    err.Error(),
		})
		return ""
	}
	defer src.Close()

	dst, err := os.Create(backupPath)
	if err != nil {
		l.opts.Logger.Log("warn", "wal backup create failed", map[string]any{
			"log_path":    l.path,
			"backup_path": backupPath,
			"error":       err.Error(),
		})
		return ""
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		l.opts.Logger.Log("warn", "wal backup copy failed", map[string]any{
			"log_path":    l.path,
			"backup_path": backupPath,
			"error":       err.Error(),
		})
		_ = os.Remove(backupPath)
		return ""
	}
	if err := dst.Sync(); err != nil {
		l.opts.Logger.Log("warn", "wal backup sync failed", map[string]any{
			"backup_path": backupPath,
			"error":       err.Error(),
		})
	}
	if err := syncDir(filepath.Dir(backupPath)); err != nil {
		l.opts.Logger.Log("warn", "wal backup directory sync failed", map[string]any{
			"log_dir": filepath.Dir(backupPath),
			"error":   err.Error(),
		})
	}
	return backupPath
}

func (l *LogStore) reportCorruption(diag *CorruptionDiagnostics, cause error) {
	diag.Timestamp = time.Now()
	diag.RecoveryAction = "refused_open"
	if digest, err := digestPrefix(l.file, diag.LastGoodOffset); err == nil {
		diag.PrefixDigest = digest
	}
	diag.BackupPath = l.backupCorruptLog()

	fields := map[string]any{
		"log_path":          diag.LogPath,
		"file_size":         diag.FileSize,
		"stored_checksum":   diag.StoredChecksum,
		"computed_checksum": diag.ComputedChecksum,
		"records_read":      diag.RecordsRead,
		"last_good_offset":  diag.LastGoodOffset,
		"recovery_action":   diag.RecoveryAction,
		"backup_path":       diag.BackupPath,
		"suspected_cause":   diag.SuspectedCause,
		"timestamp_rfc3339": diag.Timestamp.Format(time.RFC3339),
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}

	// JSON artifact for forensics.
	diagPath := filepath.Join(filepath.Dir(diag.LogPath),
		fmt.Sprintf("wal-corruption-%s.json", diag.Timestamp.Format("20060102-150405")))
	if data, err := json.MarshalIndent(diag, "", "  "); err == nil {
		if err := os.WriteFile(diagPath, data, 0644); err == nil {
			fields["diagnostics_path"] = diagPath
		}
	}

	l.opts.Logger.Log("error", "wal corruption detected", fields)

	if l.opts.OnCorruption != nil {
		l.opts.OnCorruption(diag, cause)
	}
}
