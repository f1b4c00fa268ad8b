package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/isodb/lock"
	"github.com/leftmike/isodb/record"
)

type pendingWrite struct {
	value    int64
	deleted  bool
	expected uint64 // Version seen when the write was made; not used by READ UNCOMMITTED.
}

// Transaction is used by one goroutine at a time.
type Transaction struct {
	m           *Manager
	tid         uint64
	level       IsolationLevel
	state       State
	lockerState lock.LockerState
	pending     map[record.ID]pendingWrite
	started     time.Time
}

func (tx *Transaction) LockerState() *lock.LockerState {
	return &tx.lockerState
}

func (tx *Transaction) String() string {
	return fmt.Sprintf("transaction-%d", tx.tid)
}

func (tx *Transaction) TID() uint64 {
	return tx.tid
}

func (tx *Transaction) Level() IsolationLevel {
	return tx.level
}

func (tx *Transaction) State() State {
	return tx.state
}

func (tx *Transaction) Commit(ctx context.Context) error {
	return tx.m.Commit(ctx, tx)
}

func (tx *Transaction) Abort() error {
	return tx.m.Abort(tx)
}

func (tx *Transaction) checkActive(op string) error {
	if tx.state != Active {
		return fmt.Errorf("engine: %s %s: %s: %w", op, tx, tx.state, ErrInvalidState)
	}
	return nil
}

func (tx *Transaction) lock(ctx context.Context, id record.ID, mode lock.Mode) error {
	if tx.m.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tx.m.lockTimeout)
		defer cancel()
	}

	key := id.String()
	held := tx.m.locks.Held(tx, key)
	if held >= mode {
		return nil
	} else if held == lock.SHARED {
		log.WithFields(log.Fields{
			"tid": tx.tid,
			"id":  id,
		}).Debug("upgrading lock")
	}

	err := tx.m.locks.Lock(ctx, tx, key, mode)
	if err != nil {
		return conflictError{tx: tx.String(), err: err}
	}
	return nil
}

// ownWrite returns the value of a pending write by this transaction to id, if there is one.
func (tx *Transaction) ownWrite(id record.ID) (int64, bool, error) {
	pw, ok := tx.pending[id]
	if !ok {
		return 0, false, nil
	} else if pw.deleted {
		return 0, true, fmt.Errorf("engine: %s: %w", id, ErrNotFound)
	}
	return pw.value, true, nil
}

func (tx *Transaction) readCommitted(id record.ID) (int64, error) {
	rec, err := tx.m.st.ReadCommitted(id)
	if err != nil {
		return 0, err
	}
	return rec.Value, nil
}

func (tx *Transaction) readLocked(ctx context.Context, id record.ID) (int64, error) {
	err := tx.lock(ctx, id, lock.SHARED)
	if err != nil {
		return 0, err
	}
	return tx.readCommitted(id)
}

// Read returns the value of id as visible at the isolation level of the transaction. A
// transaction always sees its own writes.
func (tx *Transaction) Read(ctx context.Context, id record.ID) (int64, error) {
	err := tx.checkActive("read")
	if err != nil {
		return 0, err
	}
	if val, ok, err := tx.ownWrite(id); ok {
		return val, err
	}

	switch tx.level {
	case ReadUncommitted:
		return tx.m.readUncommitted(id)
	case ReadCommitted:
		return tx.readCommitted(id)
	case RepeatableRead:
		snap, err := tx.m.snapshots.CaptureIfAbsent(tx.tid, id)
		if err != nil {
			return 0, err
		}
		return snap.Value, nil
	case Serializable:
		return tx.readLocked(ctx, id)
	}
	panic(fmt.Sprintf("engine: unexpected isolation level: %s", tx.level))
}

func (tx *Transaction) scanRead(ctx context.Context, rec record.Record) (int64, error) {
	if tx.level != ReadCommitted {
		return tx.Read(ctx, rec.ID)
	}

	err := tx.checkActive("read")
	if err != nil {
		return 0, err
	}
	if val, ok, err := tx.ownWrite(rec.ID); ok {
		return val, err
	}
	return rec.Value, nil
}

// ReadForUpdate returns the latest committed value of id, holding a SHARED lock on it until
// the transaction finishes. At READ UNCOMMITTED it is the same as Read and takes no lock.
func (tx *Transaction) ReadForUpdate(ctx context.Context, id record.ID) (int64, error) {
	err := tx.checkActive("read for update")
	if err != nil {
		return 0, err
	}
	if val, ok, err := tx.ownWrite(id); ok {
		return val, err
	}

	if tx.level == ReadUncommitted {
		return tx.m.readUncommitted(id)
	}
	return tx.readLocked(ctx, id)
}

// Write replaces the value of id when the transaction commits. Except at READ UNCOMMITTED, an
// EXCLUSIVE lock on id is held from now until the transaction finishes.
func (tx *Transaction) Write(ctx context.Context, id record.ID, value int64) error {
	err := tx.checkActive("write")
	if err != nil {
		return err
	}
	return tx.write(ctx, id, value, false)
}

// Delete removes id when the transaction commits. Deleting a record which does not exist does
// nothing.
func (tx *Transaction) Delete(ctx context.Context, id record.ID) error {
	err := tx.checkActive("delete")
	if err != nil {
		return err
	}

	err = tx.write(ctx, id, 0, true)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (tx *Transaction) write(ctx context.Context, id record.ID, value int64, deleted bool) error {
	pw, ok := tx.pending[id]
	if ok {
		if pw.deleted {
			return fmt.Errorf("engine: %s: %w", id, ErrNotFound)
		}
		pw.value = value
		pw.deleted = deleted
	} else if tx.level == ReadUncommitted {
		_, err := tx.m.readUncommitted(id)
		if err != nil {
			return err
		}
		pw = pendingWrite{
			value:   value,
			deleted: deleted,
		}
	} else {
		err := tx.lock(ctx, id, lock.EXCLUSIVE)
		if err != nil {
			return err
		}
		rec, err := tx.m.st.ReadCommitted(id)
		if err != nil {
			return err
		}
		pw = pendingWrite{
			value:    value,
			deleted:  deleted,
			expected: rec.Version,
		}
	}

	tx.pending[id] = pw
	tx.m.publishDirty(tx.tid, id, value, deleted)
	return nil
}

// ListAll returns the records, as read by this transaction, for which pred returns true. A
// nil pred matches every record.
func (tx *Transaction) ListAll(pred Predicate) (*Rows, error) {
	err := tx.checkActive("list")
	if err != nil {
		return nil, err
	}

	return &Rows{
		tx:   tx,
		it:   tx.m.st.ListAll(),
		pred: pred,
	}, nil
}
