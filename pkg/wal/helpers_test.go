package wal

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// recordingLogger captures WAL log events for assertions.
type recordingLogger struct {
	mu     sync.Mutex
	events []loggedEvent
}

type loggedEvent struct {
	level  string
	msg    string
	fields map[string]any
}

func (r *recordingLogger) Log(level string, msg string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, loggedEvent{level: level, msg: msg, fields: fields})
}

func (r *recordingLogger) has(level, msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

func testOptions(logger WALLogger) *Options {
	return &Options{NoSync: true, Logger: logger}
}

// newTestLog creates a log in a temp dir and appends payloads to it.
func newTestLog(t *testing.T, payloads ...[]byte) (string, *LogStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keel.log")
	l, err := Create(path, testOptions(&recordingLogger{}))
	require.NoError(t, err)
	for _, p := range payloads {
		require.NoError(t, l.Append(p))
	}
	return path, l
}

// appendRaw writes b at the end of the file without touching the header.
func appendRaw(t *testing.T, path string, b []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write(b)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// readHeader returns the XChecksum stored in the file at path.
func readHeader(t *testing.T, path string) uint32 {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), xChecksumSize)
	return binary.BigEndian.Uint32(data[:xChecksumSize])
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	fi, err := os.Stat(path)
	require.NoError(t, err)
	return fi.Size()
}

func readAll(t *testing.T, l *LogStore) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		p, err := l.Next()
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			return out
		}
		out = append(out, p)
	}
}
