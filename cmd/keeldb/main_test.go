package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/keeldb/pkg/config"
	"github.com/orneryd/keeldb/pkg/engine"
	"github.com/orneryd/keeldb/pkg/mvcc"
)

// writeConfig writes a config file pointing at a fresh data directory.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	path := filepath.Join(dir, "keeldb.yaml")
	yaml := "storage:\n  data_dir: " + dataDir + "\n  no_sync: true\n" +
		"transactions:\n  backend: bolt\n" +
		"logging:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))
	return path, dataDir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// seed stores one committed and one unfinished insert.
func seed(t *testing.T, cfgPath string) {
	t.Helper()
	cfg, err := config.LoadFromFile(cfgPath)
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()

	e, _, err := engine.Open(cfg, logger)
	require.NoError(t, err)
	tx, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	_, err = e.Insert(tx, []byte("committed"))
	require.NoError(t, err)
	require.NoError(t, e.Commit(tx))

	pending, err := e.Begin(mvcc.ReadCommitted)
	require.NoError(t, err)
	_, err = e.Insert(pending, []byte("pending"))
	require.NoError(t, err)
	require.NoError(t, e.Close())
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "keeldb v"+version)
}

func TestRecoverCommand(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	seed(t, cfgPath)

	out, err := execute(t, "recover", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "records=2")
	assert.Contains(t, out, "aborted=1")

	// Nothing is left to roll back the second time.
	out, err = execute(t, "recover", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "aborted=0")
}

func TestVerifyCommand(t *testing.T) {
	cfgPath, dataDir := writeConfig(t)
	seed(t, cfgPath)
	logFile := filepath.Join(dataDir, "keel.log")

	out, err := execute(t, "verify", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "healthy")
	assert.Contains(t, out, "records:   2")

	out, err = execute(t, "verify", "--json", logFile)
	require.NoError(t, err)
	assert.Contains(t, out, `"healthy": true`)

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	// A torn append leaves a partial frame behind the last record.
	data = append(data, 0, 0, 0, 9, 1)
	require.NoError(t, os.WriteFile(logFile, data, 0644))

	out, err = execute(t, "verify", logFile)
	require.NoError(t, err, "a bad tail alone is recoverable")
	assert.Contains(t, out, "records:   2")
	assert.Contains(t, out, "5 bad tail")

	data[0] ^= 0xFF
	require.NoError(t, os.WriteFile(logFile, data, 0644))
	out, err = execute(t, "verify", logFile)
	assert.Error(t, err)
	assert.Contains(t, out, "CORRUPT")
}

func TestInspectCommand(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	seed(t, cfgPath)

	out, err := execute(t, "inspect", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "type")
	assert.Contains(t, out, "insert")

	out, err = execute(t, "inspect", "--config", cfgPath, "--limit", "1")
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count([]byte(out), []byte("insert")))
}

func TestRecordRow(t *testing.T) {
	row := recordRow(3, []byte{9, 9})
	assert.Equal(t, "3", row[0])
	assert.Equal(t, "?", row[1])
	assert.Len(t, row, 7)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "0102", preview([]byte{1, 2}))
	assert.Equal(t, "000000000000000000000000...", preview(make([]byte, 20)))
}
