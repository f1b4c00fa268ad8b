package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

type Mode int

const (
	SHARED Mode = iota + 1
	EXCLUSIVE
)

func (m Mode) String() string {
	switch m {
	case SHARED:
		return "SHARED"
	case EXCLUSIVE:
		return "EXCLUSIVE"
	default:
		return fmt.Sprintf("Mode(%d)", m)
	}
}

var lockSharing = [3][3]bool{
	SHARED:    [3]bool{SHARED: true},
	EXCLUSIVE: [3]bool{},
}

var (
	ErrReleased = errors.New("lock: locker may not be reused")
	ErrUpgrade  = errors.New("lock: another holder is waiting to increase mode of held lock")
)

// A lock will exist for every Locker that has an object currently locked.
type lock struct {
	mode Mode
	obj  *object
}

// An object is the thing that can be locked.
type object struct {
	mode  Mode // The strongest mode currently held.
	key   string
	locks map[*LockerState]*lock // The concurrent locks on the object.

	// Waiters for a lock are maintained in a queue; firstWaiter is the next Locker to be granted
	// the lock once it is compatible with the holders; lastWaiter is where Lockers are added to
	// the queue; LockerState.nextWaiter is used to link the queue of waiters together.
	firstWaiter *LockerState
	lastWaiter  *LockerState
}

// Locker is something that locks an object.
type Locker interface {
	LockerState() *LockerState
	String() string
}

// LockerState keeps track of the state of a Locker. All fields are protected by the mutex of
// the Manager that the Locker uses.
type LockerState struct {
	released   bool
	locks      map[string]*lock // The set of locks this Locker currently holds.
	nextWaiter *LockerState     // Used to link the queue of waiters together.
	// Used to notify a waiting Locker that its request was granted.
	waitCh   chan struct{}
	waitMode Mode // Mode that the Locker is waiting for.
	granted  bool
	locker   Locker
}

// Manager is a table of locks on named resources. Locks are only ever granted in a way that
// keeps at most one EXCLUSIVE holder, and no SHARED holders while there is one.
type Manager struct {
	mutex sync.Mutex

	// The set of locked objects: all of them have at least one lock or one waiter.
	objects map[string]*object
}

func NewManager() *Manager {
	return &Manager{
		objects: map[string]*object{},
	}
}

func canShare(obj *object, mode Mode) bool {
	if len(obj.locks) == 0 {
		return true
	}
	return lockSharing[obj.mode][mode]
}

func addLock(obj *object, ls *LockerState, mode Mode) {
	lk := &lock{
		mode: mode,
		obj:  obj,
	}
	ls.locks[obj.key] = lk
	obj.locks[ls] = lk
	if mode > obj.mode {
		obj.mode = mode
	}
}

// grantWaiters grants the lock, in queue order, to every waiter at the head of the queue that
// is compatible with the current holders. It stops at the first waiter that is not, so that
// later waiters never get ahead of it. A waiter which already holds the object is waiting to
// increase its mode; that is granted once it is the only holder.
func grantWaiters(obj *object) {
	for obj.firstWaiter != nil {
		ls := obj.firstWaiter
		lk, upgrade := obj.locks[ls]
		if upgrade {
			if len(obj.locks) > 1 {
				break
			}
		} else if !canShare(obj, ls.waitMode) {
			break
		}

		obj.firstWaiter = ls.nextWaiter
		if obj.firstWaiter == nil {
			obj.lastWaiter = nil
		}
		ls.nextWaiter = nil

		if upgrade {
			lk.mode = ls.waitMode
			obj.mode = ls.waitMode
		} else {
			addLock(obj, ls, ls.waitMode)
		}
		ls.granted = true
		ls.waitCh <- struct{}{}
	}
}

// upgradeWaiter returns the holder of obj which is waiting to increase its mode, if any. It is
// always at the head of the queue.
func upgradeWaiter(obj *object) *LockerState {
	ls := obj.firstWaiter
	if ls == nil {
		return nil
	}
	if _, ok := obj.locks[ls]; ok {
		return ls
	}
	return nil
}

func removeWaiter(obj *object, ls *LockerState) {
	var prev *LockerState
	for w := obj.firstWaiter; w != nil; w = w.nextWaiter {
		if w == ls {
			if prev == nil {
				obj.firstWaiter = ls.nextWaiter
			} else {
				prev.nextWaiter = ls.nextWaiter
			}
			if obj.lastWaiter == ls {
				obj.lastWaiter = prev
			}
			ls.nextWaiter = nil
			return
		}
		prev = w
	}
}

func (m *Manager) forgetObject(obj *object) {
	if len(obj.locks) == 0 && obj.firstWaiter == nil {
		delete(m.objects, obj.key)
	}
}

// waitForLock is called with the mutex locked; it unlocks the mutex while waiting and locks it
// again before returning.
func (m *Manager) waitForLock(ctx context.Context, obj *object, ls *LockerState, mode Mode,
	upgrade bool) error {

	ls.waitMode = mode
	ls.granted = false
	ls.nextWaiter = nil
	if upgrade {
		// Holders waiting to upgrade go ahead of every other waiter: the waiters behind can't
		// be granted until this holder releases.
		ls.nextWaiter = obj.firstWaiter
		obj.firstWaiter = ls
		if obj.lastWaiter == nil {
			obj.lastWaiter = ls
		}
	} else {
		if obj.lastWaiter != nil {
			obj.lastWaiter.nextWaiter = ls
		} else {
			obj.firstWaiter = ls
		}
		obj.lastWaiter = ls
	}

	log.WithFields(log.Fields{
		"locker": ls.locker.String(),
		"key":    obj.key,
		"mode":   mode,
	}).Debug("waiting for lock")

	m.mutex.Unlock()
	var err error
	select {
	case <-ls.waitCh:
	case <-ctx.Done():
		err = ctx.Err()
	}
	m.mutex.Lock()

	if err == nil {
		return nil
	}

	if ls.granted {
		// The lock was granted before the wait was abandoned; keep it.
		select {
		case <-ls.waitCh:
		default:
		}
		return nil
	}

	// Removing a waiter may unblock the waiters behind it.
	removeWaiter(obj, ls)
	grantWaiters(obj)
	m.forgetObject(obj)

	return fmt.Errorf("lock: %s waiting for %s lock on %s: %w", ls.locker, mode, obj.key, err)
}

// Lock locks the resource named by key for lkr in the specified mode. It may block waiting for
// the lock; the wait is abandoned when ctx is done.
func (m *Manager) Lock(ctx context.Context, lkr Locker, key string, mode Mode) error {
	ls := lkr.LockerState()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if ls.released {
		return ErrReleased
	}
	if ls.locks == nil {
		ls.locks = map[string]*lock{}
		ls.waitCh = make(chan struct{}, 1)
		ls.locker = lkr
	}

	lk, ok := ls.locks[key]
	if ok {
		// The lkr already has the object locked.
		if mode <= lk.mode {
			return nil // Already have the object locked at a sufficient mode.
		} else if len(lk.obj.locks) == 1 {
			// The only holder may increase the mode of its lock.
			lk.mode = mode
			lk.obj.mode = mode
			return nil
		} else if upgradeWaiter(lk.obj) != nil {
			// Another holder is already waiting to upgrade; each would wait for the other.
			return fmt.Errorf("lock: %s: %s to %s on %s: %w", lkr, lk.mode, mode, key,
				ErrUpgrade)
		}

		// Wait for the other holders to release.
		return m.waitForLock(ctx, lk.obj, ls, mode, true)
	}

	obj, ok := m.objects[key]
	if !ok {
		obj = &object{
			key:   key,
			locks: map[*LockerState]*lock{},
		}
		m.objects[key] = obj
	}

	if obj.firstWaiter == nil && canShare(obj, mode) {
		addLock(obj, ls, mode)
		return nil
	}

	return m.waitForLock(ctx, obj, ls, mode, false)
}

func (m *Manager) releaseLock(ls *LockerState, lk *lock) {
	obj := lk.obj
	delete(obj.locks, ls)

	// Recompute the strongest mode held on the object.
	obj.mode = 0
	for _, lk := range obj.locks {
		if lk.mode > obj.mode {
			obj.mode = lk.mode
		}
	}

	grantWaiters(obj)
	m.forgetObject(obj)
}

// ReleaseLocks will release all locks held by lkr.
func (m *Manager) ReleaseLocks(lkr Locker) error {
	ls := lkr.LockerState()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if ls.released {
		return ErrReleased
	}
	ls.released = true

	for _, lk := range ls.locks {
		m.releaseLock(ls, lk)
	}
	ls.locks = nil
	return nil
}

// Held returns the mode that lkr holds on key, or zero.
func (m *Manager) Held(lkr Locker, key string) Mode {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	lk, ok := lkr.LockerState().locks[key]
	if !ok {
		return 0
	}
	return lk.mode
}

type Lock struct {
	Key    string
	Locker string
	Mode   Mode
	Place  int // If waiting, place in the queue (one based). Otherwise, (the lock is held) zero.
}

// Locks returns all locks, sorted by key, with the holders before the waiters.
func (m *Manager) Locks() []Lock {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var locks []Lock
	for _, o := range m.objects {
		// Held locks.
		var held []Lock
		for ls, lk := range o.locks {
			held = append(held, Lock{
				Key:    o.key,
				Locker: ls.locker.String(),
				Mode:   lk.mode,
			})
		}
		sort.Slice(held, func(i, j int) bool {
			return held[i].Locker < held[j].Locker
		})
		locks = append(locks, held...)

		// Waiting for a lock.
		ls := o.firstWaiter
		for pl := 1; ls != nil; pl += 1 {
			locks = append(locks, Lock{
				Key:    o.key,
				Locker: ls.locker.String(),
				Mode:   ls.waitMode,
				Place:  pl,
			})

			ls = ls.nextWaiter
		}
	}

	sort.SliceStable(locks, func(i, j int) bool {
		return locks[i].Key < locks[j].Key
	})
	return locks
}
