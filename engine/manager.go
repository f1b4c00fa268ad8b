package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/leftmike/isodb/lock"
	"github.com/leftmike/isodb/record"
	"github.com/leftmike/isodb/snapshot"
)

var (
	ErrNotFound        = record.ErrNotFound
	ErrInvalidState    = errors.New("engine: transaction is not active")
	ErrConflictAborted = errors.New("engine: conflict; transaction should be aborted")
)

// conflictError wraps the cause of a conflict; it is also ErrConflictAborted.
type conflictError struct {
	tx  string
	err error
}

func (ce conflictError) Error() string {
	return fmt.Sprintf("engine: %s: %s: %s", ce.tx, ce.err, ErrConflictAborted)
}

func (ce conflictError) Unwrap() error {
	return ce.err
}

func (ce conflictError) Is(target error) bool {
	return target == ErrConflictAborted
}

type Config struct {
	// LockTimeout bounds each wait for a lock; zero means wait for as long as it takes.
	LockTimeout time.Duration
}

// CommitEvent describes a committed transaction to the hooks registered with OnCommit.
type CommitEvent struct {
	TID     uint64
	Level   IsolationLevel
	Writes  int
	Version uint64
	Elapsed time.Duration
}

type CommitHook func(ev CommitEvent)

// LogCommit is a CommitHook which logs each commit.
func LogCommit(ev CommitEvent) {
	log.WithFields(log.Fields{
		"tid":     ev.TID,
		"level":   ev.Level,
		"writes":  ev.Writes,
		"version": ev.Version,
		"elapsed": ev.Elapsed,
	}).Info("transaction committed")
}

type TransactionState struct {
	TID       uint64
	Level     IsolationLevel
	Started   time.Time
	Locks     int
	Waiting   bool
	Snapshots int
}

type Stats struct {
	Begun     uint64
	Committed uint64
	Aborted   uint64
	Active    int
}

// An uncommitted write, visible only to READ UNCOMMITTED readers.
type dirtyWrite struct {
	tid     uint64
	value   int64
	deleted bool
}

type Manager struct {
	mutex        sync.Mutex
	st           *record.Store
	locks        *lock.Manager
	snapshots    *snapshot.Manager
	lockTimeout  time.Duration
	lastTID      uint64
	transactions map[*Transaction]struct{}
	dirty        map[record.ID][]dirtyWrite // Most recent write last.
	hooks        []CommitHook

	begun     atomic.Uint64
	committed atomic.Uint64
	aborted   atomic.Uint64
}

func NewManager(st *record.Store, cfg Config) *Manager {
	return &Manager{
		st:           st,
		locks:        lock.NewManager(),
		snapshots:    snapshot.NewManager(st),
		lockTimeout:  cfg.LockTimeout,
		transactions: map[*Transaction]struct{}{},
		dirty:        map[record.ID][]dirtyWrite{},
	}
}

func (m *Manager) Store() *record.Store {
	return m.st
}

// OnCommit registers a hook to be called after every commit.
func (m *Manager) OnCommit(hook CommitHook) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.hooks = append(m.hooks, hook)
}

func (m *Manager) notify(ev CommitEvent) {
	m.mutex.Lock()
	hooks := m.hooks
	m.mutex.Unlock()

	for _, hook := range hooks {
		hook(ev)
	}
}

// Begin a new transaction.
func (m *Manager) Begin(level IsolationLevel) *Transaction {
	if level < ReadUncommitted || level > Serializable {
		panic(fmt.Sprintf("engine: bad isolation level: %d", level))
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.lastTID += 1
	tx := &Transaction{
		m:       m,
		tid:     m.lastTID,
		level:   level,
		state:   Active,
		pending: map[record.ID]pendingWrite{},
		started: time.Now(),
	}
	m.transactions[tx] = struct{}{}
	m.begun.Inc()

	log.WithFields(log.Fields{
		"tid":   tx.tid,
		"level": level,
	}).Debug("begin transaction")
	return tx
}

// Create adds a new record in its own transaction, which is committed before returning.
func (m *Manager) Create(value int64) (record.ID, error) {
	tx := m.Begin(ReadUncommitted)
	id, ver, err := m.st.Create(value)
	if err != nil {
		m.finish(tx, Aborted)
		return 0, err
	}
	m.finish(tx, Committed)

	m.notify(CommitEvent{
		TID:     tx.tid,
		Level:   tx.level,
		Writes:  1,
		Version: ver,
		Elapsed: time.Since(tx.started),
	})
	return id, nil
}

func (m *Manager) publishDirty(tid uint64, id record.ID, value int64, deleted bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	dws := removeDirty(m.dirty[id], tid)
	m.dirty[id] = append(dws, dirtyWrite{
		tid:     tid,
		value:   value,
		deleted: deleted,
	})
}

func removeDirty(dws []dirtyWrite, tid uint64) []dirtyWrite {
	for dwdx, dw := range dws {
		if dw.tid == tid {
			return append(dws[:dwdx:dwdx], dws[dwdx+1:]...)
		}
	}
	return dws
}

// readUncommitted returns the most recent value written to id, whether or not it has been
// committed.
func (m *Manager) readUncommitted(id record.ID) (int64, error) {
	m.mutex.Lock()
	dws := m.dirty[id]
	if len(dws) > 0 {
		dw := dws[len(dws)-1]
		m.mutex.Unlock()

		if dw.deleted {
			return 0, fmt.Errorf("engine: %s: %w", id, ErrNotFound)
		}
		return dw.value, nil
	}
	m.mutex.Unlock()

	rec, err := m.st.ReadCommitted(id)
	if err != nil {
		return 0, err
	}
	return rec.Value, nil
}

// finish releases everything held by tx and moves it to its final state.
func (m *Manager) finish(tx *Transaction, state State) {
	m.mutex.Lock()
	for id := range tx.pending {
		dws := removeDirty(m.dirty[id], tx.tid)
		if len(dws) == 0 {
			delete(m.dirty, id)
		} else {
			m.dirty[id] = dws
		}
	}
	delete(m.transactions, tx)
	m.mutex.Unlock()

	err := m.locks.ReleaseLocks(tx)
	if err != nil {
		log.WithField("tid", tx.tid).WithError(err).Error("releasing locks")
	}
	m.snapshots.InvalidateAll(tx.tid)

	tx.pending = nil
	tx.state = state
	if state == Committed {
		m.committed.Inc()
	} else {
		m.aborted.Inc()
	}
}

// Commit publishes the writes of tx atomically and releases its locks. If the writes can not
// be published, tx is aborted.
func (m *Manager) Commit(ctx context.Context, tx *Transaction) error {
	if tx.state != Active {
		return fmt.Errorf("engine: commit %s: %s: %w", tx, tx.state, ErrInvalidState)
	}

	ids := make([]record.ID, 0, len(tx.pending))
	for id := range tx.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})

	writes := make([]record.Write, 0, len(ids))
	for _, id := range ids {
		pw := tx.pending[id]
		if tx.level == ReadUncommitted {
			// Writes were only buffered; lock and write through against the latest version.
			err := tx.lock(ctx, id, lock.EXCLUSIVE)
			if err != nil {
				m.finish(tx, Aborted)
				return err
			}
			rec, err := m.st.ReadCommitted(id)
			if errors.Is(err, record.ErrNotFound) {
				continue
			} else if err != nil {
				m.finish(tx, Aborted)
				return err
			}
			pw.expected = rec.Version
		}

		writes = append(writes, record.Write{
			ID:       id,
			Value:    pw.value,
			Expected: pw.expected,
			Delete:   pw.deleted,
		})
	}

	ver, err := m.st.Apply(writes)
	if err != nil {
		m.finish(tx, Aborted)
		if errors.Is(err, record.ErrConflict) {
			return conflictError{tx: tx.String(), err: err}
		}
		return err
	}
	m.finish(tx, Committed)

	m.notify(CommitEvent{
		TID:     tx.tid,
		Level:   tx.level,
		Writes:  len(writes),
		Version: ver,
		Elapsed: time.Since(tx.started),
	})
	return nil
}

// Abort discards the writes of tx and releases its locks.
func (m *Manager) Abort(tx *Transaction) error {
	if tx.state != Active {
		return fmt.Errorf("engine: abort %s: %s: %w", tx, tx.state, ErrInvalidState)
	}

	m.finish(tx, Aborted)
	log.WithField("tid", tx.tid).Debug("transaction aborted")
	return nil
}

// WithTransaction runs fn in a new transaction at level. The transaction is committed if fn
// returns nil; otherwise, or if fn panics, it is aborted.
func (m *Manager) WithTransaction(ctx context.Context, level IsolationLevel,
	fn func(tx *Transaction) error) error {

	tx := m.Begin(level)
	defer func() {
		if tx.state == Active {
			m.Abort(tx)
		}
	}()

	err := fn(tx)
	if err != nil {
		return err
	}
	if tx.state != Active {
		return nil
	}
	return m.Commit(ctx, tx)
}

// Transactions returns the active transactions, oldest first.
func (m *Manager) Transactions() []TransactionState {
	held := map[string]int{}
	waiting := map[string]bool{}
	for _, lk := range m.locks.Locks() {
		if lk.Place > 0 {
			waiting[lk.Locker] = true
		} else {
			held[lk.Locker] += 1
		}
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	var states []TransactionState
	for tx := range m.transactions {
		s := tx.String()
		states = append(states, TransactionState{
			TID:       tx.tid,
			Level:     tx.level,
			Started:   tx.started,
			Locks:     held[s],
			Waiting:   waiting[s],
			Snapshots: m.snapshots.Captured(tx.tid),
		})
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].TID < states[j].TID
	})
	return states
}

func (m *Manager) Locks() []lock.Lock {
	return m.locks.Locks()
}

func (m *Manager) Stats() Stats {
	m.mutex.Lock()
	active := len(m.transactions)
	m.mutex.Unlock()

	return Stats{
		Begun:     m.begun.Load(),
		Committed: m.committed.Load(),
		Aborted:   m.aborted.Load(),
		Active:    active,
	}
}
