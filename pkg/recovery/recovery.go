// Package recovery restores the page store to a transaction-consistent state
// after a crash, using the write-ahead log.
//
// Recover runs before any transaction is admitted:
//
//  1. Boundary scan: find the highest page number any record touches and
//     truncate the page store to it, dropping pages allocated but never
//     logged.
//  2. Redo: replay, in log order, every record whose transaction is no
//     longer active (committed or aborted), writing its post-image.
//  3. Undo: for every transaction still active at the crash, replay its
//     records newest first, restoring pre-images and invalidating inserted
//     items, then mark the transaction aborted.
//
// Every failure is fatal: Recover returns a *FatalError and the process must
// not continue with a partially recovered store.
package recovery

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/keeldb/pkg/dataitem"
	"github.com/orneryd/keeldb/pkg/wal"
)

// Log is the forward cursor over log record payloads. *wal.LogStore
// implements it.
type Log interface {
	Rewind()
	// Next returns io.EOF at the end of the log.
	Next() ([]byte, error)
}

// Authority answers whether a transaction was active at the crash and
// aborts the ones that were. *txn.Authority implements it.
type Authority interface {
	IsActive(xid uint64) bool
	Abort(xid uint64) error
}

// Page is a pinned page recovery writes into.
type Page interface {
	RecoverInsert(raw []byte, offset uint16) error
	RecoverUpdate(raw []byte, offset uint16) error
	// Release unpins the page. Called exactly once per Page call.
	Release() error
}

// PageStore hands out pages and cuts the store down to the logged range.
type PageStore interface {
	Page(pgno uint32) (Page, error)
	TruncateByPageCount(n uint32) error
}

// Recovery phases, as reported in FatalError and log fields.
const (
	PhaseScan     = "scan"
	PhaseTruncate = "truncate"
	PhaseRedo     = "redo"
	PhaseUndo     = "undo"
)

// FatalError is returned for any recovery failure. The process must stop.
type FatalError struct {
	Phase string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("recovery: %s phase failed: %v", e.Phase, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err came from a failed recovery.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Result describes a completed recovery.
type Result struct {
	RunID    string
	MaxPage  uint32
	Records  int
	Redone   int
	Undone   int
	Aborted  []uint64
	Duration time.Duration
}

// Summary returns a human-readable summary of the recovery.
func (r *Result) Summary() string {
	return fmt.Sprintf("records=%d max_page=%d redone=%d undone=%d aborted=%d",
		r.Records, r.MaxPage, r.Redone, r.Undone, len(r.Aborted))
}

// Option configures Recover.
type Option func(*recoverer)

// WithLogger sets the logger recovery reports progress to.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *recoverer) {
		if l != nil {
			r.log = l
		}
	}
}

type recoverer struct {
	tm     Authority
	lg     Log
	pages  PageStore
	log    logrus.FieldLogger
	result *Result
}

// undoSet holds the records of one transaction that was active at the crash,
// in log order.
type undoSet struct {
	xid     uint64
	records []wal.Record
}

func undoSetLess(a, b *undoSet) bool { return a.xid < b.xid }

// Recover runs the three recovery phases over lg and pc. It must complete
// before any new transaction begins.
func Recover(tm Authority, lg Log, pc PageStore, opts ...Option) (*Result, error) {
	r := &recoverer{
		tm:     tm,
		lg:     lg,
		pages:  pc,
		log:    logrus.StandardLogger(),
		result: &Result{RunID: uuid.NewString()},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("run_id", r.result.RunID)

	start := time.Now()
	r.log.Info("recovery started")

	// Phase 1: find the page boundary and drop pages past it
	maxPgno, err := r.scan()
	if err != nil {
		return nil, &FatalError{Phase: PhaseScan, Err: err}
	}
	r.result.MaxPage = maxPgno
	if err := pc.TruncateByPageCount(maxPgno); err != nil {
		return nil, &FatalError{Phase: PhaseTruncate, Err: err}
	}
	r.log.WithFields(logrus.Fields{
		"phase":    PhaseTruncate,
		"max_page": maxPgno,
		"records":  r.result.Records,
	}).Info("page store truncated")

	// Phase 2: redo finished transactions
	if err := r.redo(); err != nil {
		return nil, &FatalError{Phase: PhaseRedo, Err: err}
	}
	r.log.WithFields(logrus.Fields{
		"phase":  PhaseRedo,
		"redone": r.result.Redone,
	}).Info("redo complete")

	// Phase 3: undo transactions active at the crash
	if err := r.undo(); err != nil {
		return nil, &FatalError{Phase: PhaseUndo, Err: err}
	}
	r.log.WithFields(logrus.Fields{
		"phase":   PhaseUndo,
		"undone":  r.result.Undone,
		"aborted": len(r.result.Aborted),
	}).Info("undo complete")

	r.result.Duration = time.Since(start)
	r.log.WithField("summary", r.result.Summary()).Info("recovery finished")
	return r.result, nil
}

// forEach rewinds the log and calls fn with every decoded record.
func (r *recoverer) forEach(fn func(rec wal.Record) error) error {
	r.lg.Rewind()
	for {
		payload, err := r.lg.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read log: %w", err)
		}
		rec, err := wal.Decode(payload)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// scan returns the highest page number referenced by the log, at least 1.
func (r *recoverer) scan() (uint32, error) {
	maxPgno := uint32(0)
	r.result.Records = 0
	err := r.forEach(func(rec wal.Record) error {
		r.result.Records++
		if pgno := rec.PageNumber(); pgno > maxPgno {
			maxPgno = pgno
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if maxPgno == 0 {
		maxPgno = 1
	}
	return maxPgno, nil
}

func (r *recoverer) redo() error {
	return r.forEach(func(rec wal.Record) error {
		if r.tm.IsActive(rec.XID()) {
			return nil
		}
		if err := r.withPage(rec.PageNumber(), func(p Page) error {
			switch rec := rec.(type) {
			case *wal.InsertRecord:
				return p.RecoverInsert(rec.Raw, rec.Offset)
			case *wal.UpdateRecord:
				return p.RecoverUpdate(rec.NewRaw, rec.Offset)
			}
			return nil
		}); err != nil {
			return fmt.Errorf("redo %s of xid %d: %w", rec.Type(), rec.XID(), err)
		}
		r.result.Redone++
		return nil
	})
}

func (r *recoverer) undo() error {
	sets := btree.NewG[*undoSet](16, undoSetLess)
	err := r.forEach(func(rec wal.Record) error {
		if !r.tm.IsActive(rec.XID()) {
			return nil
		}
		key := &undoSet{xid: rec.XID()}
		set, ok := sets.Get(key)
		if !ok {
			set = key
			sets.ReplaceOrInsert(set)
		}
		set.records = append(set.records, rec)
		return nil
	})
	if err != nil {
		return err
	}

	sets.Ascend(func(set *undoSet) bool {
		err = r.undoTransaction(set)
		return err == nil
	})
	return err
}

// undoTransaction reverts the records of one transaction, newest first, and
// aborts it.
func (r *recoverer) undoTransaction(set *undoSet) error {
	for i := len(set.records) - 1; i >= 0; i-- {
		rec := set.records[i]
		err := r.withPage(rec.PageNumber(), func(p Page) error {
			switch rec := rec.(type) {
			case *wal.InsertRecord:
				raw := append([]byte(nil), rec.Raw...)
				dataitem.SetRawInvalid(raw)
				return p.RecoverInsert(raw, rec.Offset)
			case *wal.UpdateRecord:
				return p.RecoverUpdate(rec.OldRaw, rec.Offset)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("undo %s of xid %d: %w", rec.Type(), rec.XID(), err)
		}
		r.result.Undone++
	}

	if err := r.tm.Abort(set.xid); err != nil {
		return fmt.Errorf("abort xid %d: %w", set.xid, err)
	}
	r.result.Aborted = append(r.result.Aborted, set.xid)
	r.log.WithFields(logrus.Fields{
		"phase":   PhaseUndo,
		"xid":     set.xid,
		"records": len(set.records),
	}).Debug("transaction rolled back")
	return nil
}

// withPage pins pgno for the duration of fn and releases it on every path.
func (r *recoverer) withPage(pgno uint32, fn func(p Page) error) (err error) {
	p, err := r.pages.Page(pgno)
	if err != nil {
		return fmt.Errorf("get page %d: %w", pgno, err)
	}
	defer func() {
		if rerr := p.Release(); rerr != nil && err == nil {
			err = fmt.Errorf("release page %d: %w", pgno, rerr)
		}
	}()
	return fn(p)
}
