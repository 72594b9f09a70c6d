// Package wal provides the append-only write-ahead log of keeldb.
//
// The log is a single file holding a running checksum followed by framed
// records:
//
//	[XChecksum:4][frame]...[frame][bad tail]
//	frame = [length:4][checksum:4][payload:length]
//
// All integers are big-endian. The frame checksum covers the payload; the
// XChecksum folds every complete frame in append order and is rewritten after
// each append. A torn write at the end of the file (the bad tail) is cut off
// when the log is opened. A file whose well-formed frames do not fold to the
// stored XChecksum is corrupt and is never opened.
//
// Usage:
//
//	lg, err := wal.Open("/data/keel.log", nil)
//	if err != nil {
//		return err // wal.ErrCorruptLog is fatal
//	}
//	defer lg.Close()
//
//	lg.Rewind()
//	for {
//		payload, err := lg.Next()
//		if err == io.EOF {
//			break
//		}
//		...
//	}
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Common log errors
var (
	ErrClosed          = errors.New("wal: closed")
	ErrBadLogFile      = errors.New("wal: bad log file")
	ErrCorruptLog      = errors.New("wal: corrupt log")
	ErrLogExists       = errors.New("wal: log file already exists")
	ErrMalformedRecord = errors.New("wal: malformed record")
)

// Log file layout constants
const (
	xChecksumSize       = 4
	frameSizeOffset     = 0
	frameChecksumOffset = 4
	frameHeaderSize     = 8
)

// Options configures a LogStore.
type Options struct {
	// NoSync skips the fsync after each append. Only for tests and bulk
	// loads; an unsynced append is not durable.
	NoSync bool

	// Logger receives log store diagnostics (optional).
	// If nil, the logrus standard logger is used.
	Logger WALLogger

	// OnCorruption is called when Open refuses a corrupt log (optional).
	// The callback MUST be fast and non-blocking.
	OnCorruption func(diag *CorruptionDiagnostics, cause error)

	deps dependencies
}

// DefaultOptions returns the options used when nil is passed to Open or Create.
func DefaultOptions() *Options {
	return &Options{
		Logger: NewLogrusLogger(nil),
	}
}

func (o *Options) normalize() *Options {
	if o == nil {
		o = DefaultOptions()
	}
	out := *o
	if out.Logger == nil {
		out.Logger = NewLogrusLogger(nil)
	}
	if out.deps == nil {
		out.deps = prodDependencies{}
	}
	return &out
}

// LogStore is an append-only log file with a forward cursor.
// Thread-safe: appends, cursor moves and truncation are serialized.
type LogStore struct {
	mu   sync.Mutex
	opts *Options
	path string
	file file

	// xChecksum is the running fold of every frame in the file.
	xChecksum uint32
	// size is the logical end of the log; appends go there.
	size int64
	// position is the read cursor used by Next.
	position int64
	closed   bool
}

// Create creates a fresh, empty log at path. It fails with ErrLogExists if
// the file is already there.
func Create(path string, opts *Options) (*LogStore, error) {
	opts = opts.normalize()

	f, err := opts.deps.openFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrLogExists, path)
		}
		return nil, fmt.Errorf("wal: failed to create log: %w", err)
	}

	var header [xChecksumSize]byte
	if _, err := f.WriteAt(header[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: failed to write checksum header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: sync failed: %w", err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		opts.Logger.Log("warn", "wal directory sync failed", map[string]any{
			"log_path": path,
			"error":    err.Error(),
		})
	}

	return &LogStore{
		opts:     opts,
		path:     path,
		file:     f,
		size:     xChecksumSize,
		position: xChecksumSize,
	}, nil
}

// Open opens an existing log, validates it and cuts off any bad tail.
//
// A file shorter than the checksum header fails with ErrBadLogFile. A log
// whose complete frames do not fold to the stored XChecksum fails with
// ErrCorruptLog; callers must treat that as fatal. On success the cursor is
// at the first record.
func Open(path string, opts *Options) (*LogStore, error) {
	opts = opts.normalize()

	f, err := opts.deps.openFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to open log: %w", err)
	}

	l := &LogStore{
		opts: opts,
		path: path,
		file: f,
	}
	if err := l.init(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// OpenOrCreate opens the log at path, creating it when it does not exist.
func OpenOrCreate(path string, opts *Options) (*LogStore, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Create(path, opts)
	}
	return Open(path, opts)
}

func (l *LogStore) init() error {
	fi, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("wal: failed to stat log: %w", err)
	}
	if fi.Size() < xChecksumSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrBadLogFile, l.path, fi.Size())
	}

	var header [xChecksumSize]byte
	if _, err := l.file.ReadAt(header[:], 0); err != nil {
		return fmt.Errorf("wal: failed to read checksum header: %w", err)
	}
	l.xChecksum = binary.BigEndian.Uint32(header[:])
	l.size = fi.Size()

	return l.checkAndRemoveTail()
}

// checkAndRemoveTail folds every complete frame, compares the result with
// the stored XChecksum and truncates whatever follows the last good frame.
func (l *LogStore) checkAndRemoveTail() error {
	l.position = xChecksumSize

	var acc, prev uint32
	records := 0
	for {
		frame, err := l.nextFrame()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		prev = acc
		acc = Checksum(acc, frame)
		records++
	}

	if acc != l.xChecksum {
		diag := &CorruptionDiagnostics{
			LogPath:          l.path,
			FileSize:         l.size,
			StoredChecksum:   l.xChecksum,
			ComputedChecksum: acc,
			RecordsRead:      records,
			LastGoodOffset:   l.position,
		}
		diag.diagnoseCause(records > 0 && prev == l.xChecksum)
		cause := fmt.Errorf("%w: %s: stored checksum %#08x, computed %#08x over %d records",
			ErrCorruptLog, l.path, l.xChecksum, acc, records)
		l.reportCorruption(diag, cause)
		return cause
	}

	if l.position < l.size {
		l.opts.Logger.Log("warn", "wal bad tail truncated", map[string]any{
			"log_path":    l.path,
			"valid_bytes": l.position,
			"tail_bytes":  l.size - l.position,
			"records":     records,
		})
		if err := l.file.Truncate(l.position); err != nil {
			return fmt.Errorf("wal: failed to truncate bad tail: %w", err)
		}
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("wal: sync failed: %w", err)
		}
		l.size = l.position
	}

	l.position = xChecksumSize
	return nil
}

// nextFrame reads the frame at the cursor and advances past it. It returns
// io.EOF at the end of the log, which includes a short header, a length
// running past the end of the file and a payload checksum mismatch.
// Callers hold l.mu (or own l exclusively).
func (l *LogStore) nextFrame() ([]byte, error) {
	if l.position+frameHeaderSize > l.size {
		return nil, io.EOF
	}

	var header [frameHeaderSize]byte
	if _, err := l.file.ReadAt(header[:], l.position); err != nil {
		return nil, fmt.Errorf("wal: failed to read frame header at %d: %w", l.position, err)
	}
	length := int64(binary.BigEndian.Uint32(header[frameSizeOffset:]))
	if l.position+frameHeaderSize+length > l.size {
		return nil, io.EOF
	}

	frame := make([]byte, frameHeaderSize+length)
	copy(frame, header[:])
	if length > 0 {
		if _, err := l.file.ReadAt(frame[frameHeaderSize:], l.position+frameHeaderSize); err != nil {
			return nil, fmt.Errorf("wal: failed to read frame at %d: %w", l.position, err)
		}
	}
	if Checksum(0, frame[frameHeaderSize:]) != binary.BigEndian.Uint32(header[frameChecksumOffset:]) {
		return nil, io.EOF
	}

	l.position += int64(len(frame))
	return frame, nil
}

// wrapFrame prefixes payload with its length and checksum.
func wrapFrame(payload []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[frameSizeOffset:], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[frameChecksumOffset:], Checksum(0, payload))
	copy(frame[frameHeaderSize:], payload)
	return frame
}

// Append durably adds payload to the end of the log.
//
// The frame is written at the end of the file, folded into XChecksum, the new
// XChecksum is written at offset 0 and the file is synced. An error leaves
// the store in an unknown state and must be treated as fatal.
func (l *LogStore) Append(payload []byte) error {
	frame := wrapFrame(payload)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	if _, err := l.file.WriteAt(frame, l.size); err != nil {
		return fmt.Errorf("wal: failed to write frame: %w", err)
	}
	l.size += int64(len(frame))

	l.xChecksum = Checksum(l.xChecksum, frame)
	var header [xChecksumSize]byte
	binary.BigEndian.PutUint32(header[:], l.xChecksum)
	if _, err := l.file.WriteAt(header[:], 0); err != nil {
		return fmt.Errorf("wal: failed to write checksum header: %w", err)
	}

	return l.syncLocked()
}

func (l *LogStore) syncLocked() error {
	if l.opts.NoSync {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync failed: %w", err)
	}
	return nil
}

// Rewind moves the read cursor back to the first record.
func (l *LogStore) Rewind() {
	l.mu.Lock()
	l.position = xChecksumSize
	l.mu.Unlock()
}

// Next returns the payload of the record at the cursor and advances past it.
// It returns io.EOF at the end of the log; any other error is an I/O failure.
func (l *LogStore) Next() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	frame, err := l.nextFrame()
	if err != nil {
		return nil, err
	}
	return frame[frameHeaderSize:], nil
}

// Truncate sets the file length to size. It never removes the checksum
// header.
func (l *LogStore) Truncate(size int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if size < xChecksumSize {
		return fmt.Errorf("wal: cannot truncate to %d bytes: %w", size, ErrBadLogFile)
	}
	if err := l.file.Truncate(size); err != nil {
		return fmt.Errorf("wal: truncate failed: %w", err)
	}
	l.size = size
	if l.position > size {
		l.position = size
	}
	return nil
}

// Size returns the length of the log in bytes, header included.
func (l *LogStore) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// XChecksum returns the running checksum stored in the header.
func (l *LogStore) XChecksum() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.xChecksum
}

// Path returns the log file path.
func (l *LogStore) Path() string {
	return l.path
}

// Close syncs and closes the log file. Closing twice is a no-op.
func (l *LogStore) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	syncErr := l.syncLocked()
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("wal: close failed: %w", err)
	}
	return syncErr
}
