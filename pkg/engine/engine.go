// Package engine ties keeldb's storage pieces together: it opens the
// write-ahead log, the page store and the transaction authority, runs crash
// recovery, and then serves versioned inserts, reads and deletes under MVCC
// visibility.
//
// Every page change is appended to the log before the page bytes change.
// Records are stored as data items whose data is an mvcc.Entry, so a
// transaction's writes stay invisible to others until it commits and are
// simply ignored once it aborts.
package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	nerrors "github.com/NebulousLabs/errors"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/keeldb/pkg/config"
	"github.com/orneryd/keeldb/pkg/dataitem"
	"github.com/orneryd/keeldb/pkg/mvcc"
	"github.com/orneryd/keeldb/pkg/page"
	"github.com/orneryd/keeldb/pkg/recovery"
	"github.com/orneryd/keeldb/pkg/txn"
	"github.com/orneryd/keeldb/pkg/wal"
)

// Common engine errors
var (
	ErrClosed           = errors.New("engine: closed")
	ErrNotActive        = errors.New("engine: transaction is not active")
	ErrConcurrentUpdate = errors.New("engine: concurrent update, transaction aborted")
	ErrItemTooLarge     = errors.New("engine: record does not fit in a page")
	ErrInvalidUID       = errors.New("engine: invalid record uid")
)

// errNoRoom signals that the chosen page filled up before the insert.
var errNoRoom = errors.New("engine: page has no room")

// maxRecordSize is the largest data a single record can carry.
const maxRecordSize = page.MaxFreeSpace - dataitem.HeaderSize - mvcc.EntryHeaderSize

// Engine is an open keeldb store. Thread-safe.
type Engine struct {
	cfg          *config.Config
	log          logrus.FieldLogger
	wal          *wal.LogStore
	pages        *page.Store
	tm           *txn.Authority
	defaultLevel mvcc.IsolationLevel

	mu       sync.Mutex
	active   map[uint64]*mvcc.Transaction
	lastPage uint32
	closed   bool
}

// recoveryPages adapts *page.Store to recovery.PageStore.
type recoveryPages struct {
	*page.Store
}

func (r recoveryPages) Page(pgno uint32) (recovery.Page, error) {
	p, err := r.Get(pgno)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Open opens (or creates) the store described by cfg and recovers it. No
// transaction can begin before recovery completes. A recovery failure is
// returned as a *recovery.FatalError; the caller must not retry in-process.
func Open(cfg *config.Config, logger logrus.FieldLogger) (*Engine, *recovery.Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("engine: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	level, err := cfg.Transactions.IsolationLevel()
	if err != nil {
		return nil, nil, fmt.Errorf("engine: %w", err)
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("engine: failed to create data dir: %w", err)
	}

	lg, err := wal.OpenOrCreate(cfg.Storage.LogPath(), &wal.Options{
		NoSync: cfg.Storage.NoSync,
		Logger: wal.NewLogrusLogger(logger),
	})
	if err != nil {
		return nil, nil, err
	}

	pages, err := page.OpenOrCreate(cfg.Storage.PagePath(), &page.Options{NoSync: cfg.Storage.NoSync})
	if err != nil {
		return nil, nil, abandon(logger, err, lg)
	}

	store, err := txn.OpenStore(cfg.Transactions.Backend,
		filepath.Join(cfg.Storage.DataDir, "txn"), !cfg.Storage.NoSync)
	if err != nil {
		return nil, nil, abandon(logger, err, pages, lg)
	}
	tm, err := txn.NewAuthority(store)
	if err != nil {
		return nil, nil, abandon(logger, err, store, pages, lg)
	}

	e := &Engine{
		cfg:          cfg,
		log:          logger.WithField("component", "engine"),
		wal:          lg,
		pages:        pages,
		tm:           tm,
		defaultLevel: level,
		active:       make(map[uint64]*mvcc.Transaction),
	}

	result, err := recovery.Recover(tm, lg, recoveryPages{pages}, recovery.WithLogger(logger))
	if err != nil {
		return nil, nil, abandon(logger, err, pages, lg, tm)
	}
	if err := e.finishRecovery(); err != nil {
		return nil, nil, abandon(logger, &recovery.FatalError{Phase: recovery.PhaseUndo, Err: err}, pages, lg, tm)
	}

	e.log.WithFields(logrus.Fields{
		"data_dir": cfg.Storage.DataDir,
		"pages":    pages.PageCount(),
		"summary":  result.Summary(),
	}).Info("engine opened")
	return e, result, nil
}

// finishRecovery aborts transactions that were active at the crash but never
// wrote a record, and makes the recovered pages durable.
func (e *Engine) finishRecovery() error {
	for _, xid := range e.tm.Active() {
		if err := e.tm.Abort(xid); err != nil {
			return err
		}
		e.log.WithField("xid", xid).Debug("aborted transaction without log records")
	}
	if err := e.pages.Flush(); err != nil {
		return err
	}
	if n := e.pages.PageCount(); n >= page.FirstDataPage {
		e.lastPage = n
	}
	return nil
}

// DefaultIsolation returns the configured default isolation level.
func (e *Engine) DefaultIsolation() mvcc.IsolationLevel {
	return e.defaultLevel
}

// Begin starts a transaction at level. The repeatable-read snapshot is the
// set of transactions active at this instant.
func (e *Engine) Begin(level mvcc.IsolationLevel) (*mvcc.Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	xid, err := e.tm.Begin()
	if err != nil {
		return nil, err
	}
	active := make([]uint64, 0, len(e.active))
	for id := range e.active {
		active = append(active, id)
	}
	t := mvcc.NewTransaction(xid, level, active)
	e.active[xid] = t
	return t, nil
}

// Commit commits t.
func (e *Engine) Commit(t *mvcc.Transaction) error {
	return e.finish(t, e.tm.Commit)
}

// Abort aborts t. Its writes stay on the pages but are never visible.
func (e *Engine) Abort(t *mvcc.Transaction) error {
	return e.finish(t, e.tm.Abort)
}

func (e *Engine) finish(t *mvcc.Transaction, mark func(uint64) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if _, ok := e.active[t.XID()]; !ok {
		return fmt.Errorf("%w: %d", ErrNotActive, t.XID())
	}
	delete(e.active, t.XID())
	return mark(t.XID())
}

func (e *Engine) checkActive(t *mvcc.Transaction) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if _, ok := e.active[t.XID()]; !ok {
		return fmt.Errorf("%w: %d", ErrNotActive, t.XID())
	}
	return nil
}

// Close closes the store without touching active transactions; the next
// Open rolls them back.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	return e.closeAll()
}

// abandon closes what a failed Open already opened and returns err. Close
// failures are logged so err keeps its identity for errors.Is and errors.As.
func abandon(logger logrus.FieldLogger, err error, closers ...io.Closer) error {
	var cerr error
	for _, c := range closers {
		cerr = nerrors.Compose(cerr, c.Close())
	}
	if cerr != nil {
		logger.WithError(cerr).Warn("engine: cleanup after failed open")
	}
	return err
}

func (e *Engine) closeAll() error {
	return nerrors.Compose(e.pages.Close(), e.wal.Close(), e.tm.Close())
}
