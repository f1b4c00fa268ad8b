package lock_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/leftmike/isodb/lock"
)

type testLocker struct {
	id          int
	lockerState lock.LockerState
}

func (tl *testLocker) LockerState() *lock.LockerState {
	return &tl.lockerState
}

func (tl *testLocker) String() string {
	return fmt.Sprintf("locker-%d", tl.id)
}

type testState struct {
	mgr     *lock.Manager
	lockers [10]*testLocker
}

func (ts *testState) getLocker(id int) *testLocker {
	if ts.lockers[id] == nil {
		ts.lockers[id] = &testLocker{id: id}
	}
	return ts.lockers[id]
}

type testStep interface {
	step(t *testing.T, ts *testState)
}

type stepLock struct {
	lkr     int
	key     string
	mode    lock.Mode
	fail    bool
	timeout time.Duration
	wg      *sync.WaitGroup
}

func (sl stepLock) lock(t *testing.T, ts *testState, tl *testLocker) {
	t.Helper()

	ctx := context.Background()
	if sl.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sl.timeout)
		defer cancel()
	}

	err := ts.mgr.Lock(ctx, tl, sl.key, sl.mode)
	if sl.fail {
		if err == nil {
			t.Errorf("Lock(%s, %s, %s) did not fail", tl, sl.key, sl.mode)
		}
	} else if err != nil {
		t.Errorf("Lock(%s, %s, %s) failed with %s", tl, sl.key, sl.mode, err)
	}
}

func (sl stepLock) step(t *testing.T, ts *testState) {
	t.Helper()

	tl := ts.getLocker(sl.lkr)
	if sl.wg != nil {
		sl.wg.Add(1)

		go func() {
			defer sl.wg.Done()

			sl.lock(t, ts, tl)
		}()
	} else {
		sl.lock(t, ts, tl)
	}
}

type stepRelease struct {
	lkr  int
	fail bool
	keep bool
}

func (sr stepRelease) step(t *testing.T, ts *testState) {
	t.Helper()

	tl := ts.getLocker(sr.lkr)
	err := ts.mgr.ReleaseLocks(tl)
	if sr.fail {
		if err == nil {
			t.Errorf("ReleaseLocks(%s) did not fail", tl)
		}
	} else if err != nil {
		t.Errorf("ReleaseLocks(%s) failed with %s", tl, err)
	}
	if !sr.keep {
		ts.lockers[sr.lkr] = nil
	}
}

type stepWait struct {
	wg *sync.WaitGroup
}

func (sw stepWait) step(t *testing.T, ts *testState) {
	t.Helper()

	sw.wg.Wait()
}

type stepSleep struct{}

func (_ stepSleep) step(t *testing.T, ts *testState) {
	t.Helper()

	time.Sleep(20 * time.Millisecond)
}

type stepLocks []lock.Lock

func (sl stepLocks) step(t *testing.T, ts *testState) {
	t.Helper()

	lks := ts.mgr.Locks()
	wnt := ([]lock.Lock)(sl)
	if len(lks) == 0 && len(wnt) == 0 {
		return
	}
	if !reflect.DeepEqual(lks, wnt) {
		t.Errorf("Locks() got %#v want %#v", lks, wnt)
	}
}

func runSteps(t *testing.T, steps []testStep) {
	t.Helper()

	ts := &testState{
		mgr: lock.NewManager(),
	}
	for _, stp := range steps {
		stp.step(t, ts)
	}
}

func TestLockShared(t *testing.T) {
	runSteps(t, []testStep{
		stepLock{lkr: 0, key: "1", mode: lock.SHARED},
		stepLocks{{Key: "1", Locker: "locker-0", Mode: lock.SHARED}},
		stepRelease{lkr: 0},
		stepLocks(nil),

		stepLock{lkr: 0, key: "1", mode: lock.SHARED},
		stepRelease{lkr: 0, keep: true},
		stepLock{lkr: 0, key: "1", mode: lock.SHARED, fail: true},
		stepLocks(nil),
		stepRelease{lkr: 0, fail: true},

		stepLock{lkr: 0, key: "1", mode: lock.SHARED},
		stepLock{lkr: 0, key: "1", mode: lock.SHARED},
		stepLock{lkr: 1, key: "1", mode: lock.SHARED},
		stepLock{lkr: 2, key: "1", mode: lock.SHARED},
		stepLock{lkr: 2, key: "2", mode: lock.EXCLUSIVE},
		stepLocks{
			{Key: "1", Locker: "locker-0", Mode: lock.SHARED},
			{Key: "1", Locker: "locker-1", Mode: lock.SHARED},
			{Key: "1", Locker: "locker-2", Mode: lock.SHARED},
			{Key: "2", Locker: "locker-2", Mode: lock.EXCLUSIVE},
		},
		stepRelease{lkr: 1},
		stepLocks{
			{Key: "1", Locker: "locker-0", Mode: lock.SHARED},
			{Key: "1", Locker: "locker-2", Mode: lock.SHARED},
			{Key: "2", Locker: "locker-2", Mode: lock.EXCLUSIVE},
		},
		stepRelease{lkr: 2},
		stepLocks{{Key: "1", Locker: "locker-0", Mode: lock.SHARED}},
		stepRelease{lkr: 0},
		stepLocks(nil),
	})
}

func TestLockUpgrade(t *testing.T) {
	runSteps(t, []testStep{
		stepLock{lkr: 0, key: "1", mode: lock.SHARED},
		stepLock{lkr: 0, key: "1", mode: lock.EXCLUSIVE},
		stepLocks{{Key: "1", Locker: "locker-0", Mode: lock.EXCLUSIVE}},
		stepLock{lkr: 0, key: "1", mode: lock.SHARED},
		stepLocks{{Key: "1", Locker: "locker-0", Mode: lock.EXCLUSIVE}},
		stepRelease{lkr: 0},

		// Giving up on an upgrade keeps the shared lock.
		stepLock{lkr: 0, key: "1", mode: lock.SHARED},
		stepLock{lkr: 1, key: "1", mode: lock.SHARED},
		stepLock{lkr: 0, key: "1", mode: lock.EXCLUSIVE, fail: true,
			timeout: 50 * time.Millisecond},
		stepLocks{
			{Key: "1", Locker: "locker-0", Mode: lock.SHARED},
			{Key: "1", Locker: "locker-1", Mode: lock.SHARED},
		},
		stepRelease{lkr: 1},
		stepLock{lkr: 0, key: "1", mode: lock.EXCLUSIVE},
		stepLocks{{Key: "1", Locker: "locker-0", Mode: lock.EXCLUSIVE}},
		stepRelease{lkr: 0},
	})
}

func TestLockUpgradeWait(t *testing.T) {
	var wg, wg2 sync.WaitGroup
	runSteps(t, []testStep{
		stepLock{lkr: 0, key: "1", mode: lock.SHARED},
		stepLock{lkr: 1, key: "1", mode: lock.SHARED},
		stepLock{lkr: 2, key: "1", mode: lock.EXCLUSIVE, wg: &wg2},
		stepSleep{},
		// The upgrade goes ahead of the exclusive waiter.
		stepLock{lkr: 0, key: "1", mode: lock.EXCLUSIVE, wg: &wg},
		stepSleep{},
		stepLocks{
			{Key: "1", Locker: "locker-0", Mode: lock.SHARED},
			{Key: "1", Locker: "locker-1", Mode: lock.SHARED},
			{Key: "1", Locker: "locker-0", Mode: lock.EXCLUSIVE, Place: 1},
			{Key: "1", Locker: "locker-2", Mode: lock.EXCLUSIVE, Place: 2},
		},
		// Both holders waiting to upgrade would wait forever.
		stepLock{lkr: 1, key: "1", mode: lock.EXCLUSIVE, fail: true},
		stepRelease{lkr: 1},
		stepWait{wg: &wg},
		stepLocks{
			{Key: "1", Locker: "locker-0", Mode: lock.EXCLUSIVE},
			{Key: "1", Locker: "locker-2", Mode: lock.EXCLUSIVE, Place: 1},
		},
		stepRelease{lkr: 0},
		stepWait{wg: &wg2},
		stepLocks{{Key: "1", Locker: "locker-2", Mode: lock.EXCLUSIVE}},
		stepRelease{lkr: 2},
		stepLocks(nil),
	})
}

func TestLockUpgradeError(t *testing.T) {
	mgr := lock.NewManager()
	tl0 := &testLocker{id: 0}
	tl1 := &testLocker{id: 1}
	ctx := context.Background()

	for _, tl := range []*testLocker{tl0, tl1} {
		if err := mgr.Lock(ctx, tl, "1", lock.SHARED); err != nil {
			t.Fatalf("Lock(%s) failed with %s", tl, err)
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- mgr.Lock(ctx, tl0, "1", lock.EXCLUSIVE)
	}()
	time.Sleep(20 * time.Millisecond)

	err := mgr.Lock(ctx, tl1, "1", lock.EXCLUSIVE)
	if !errors.Is(err, lock.ErrUpgrade) {
		t.Errorf("Lock(%s) got %v want %s", tl1, err, lock.ErrUpgrade)
	}
	select {
	case err := <-done:
		t.Fatalf("Lock(%s) did not wait: %v", tl0, err)
	default:
	}

	mgr.ReleaseLocks(tl1)
	if err := <-done; err != nil {
		t.Errorf("Lock(%s) failed with %s", tl0, err)
	}
	if mode := mgr.Held(tl0, "1"); mode != lock.EXCLUSIVE {
		t.Errorf("Held(%s) got %s want %s", tl0, mode, lock.EXCLUSIVE)
	}
	mgr.ReleaseLocks(tl0)
}

func TestLockWait(t *testing.T) {
	var wg sync.WaitGroup
	runSteps(t, []testStep{
		stepLock{lkr: 0, key: "1", mode: lock.EXCLUSIVE},
		stepLock{lkr: 1, key: "1", mode: lock.SHARED, wg: &wg},
		stepSleep{},
		stepLocks{
			{Key: "1", Locker: "locker-0", Mode: lock.EXCLUSIVE},
			{Key: "1", Locker: "locker-1", Mode: lock.SHARED, Place: 1},
		},
		stepRelease{lkr: 0},
		stepWait{wg: &wg},
		stepLocks{{Key: "1", Locker: "locker-1", Mode: lock.SHARED}},
		stepRelease{lkr: 1},
		stepLocks(nil),
	})
}

func TestLockFIFO(t *testing.T) {
	var wg, wg2 sync.WaitGroup
	runSteps(t, []testStep{
		stepLock{lkr: 0, key: "1", mode: lock.EXCLUSIVE},
		stepLock{lkr: 1, key: "1", mode: lock.EXCLUSIVE, wg: &wg},
		stepSleep{},
		stepLock{lkr: 2, key: "1", mode: lock.SHARED, wg: &wg2},
		stepSleep{},
		stepLocks{
			{Key: "1", Locker: "locker-0", Mode: lock.EXCLUSIVE},
			{Key: "1", Locker: "locker-1", Mode: lock.EXCLUSIVE, Place: 1},
			{Key: "1", Locker: "locker-2", Mode: lock.SHARED, Place: 2},
		},
		stepRelease{lkr: 0},
		stepWait{wg: &wg},
		stepLocks{
			{Key: "1", Locker: "locker-1", Mode: lock.EXCLUSIVE},
			{Key: "1", Locker: "locker-2", Mode: lock.SHARED, Place: 1},
		},
		stepRelease{lkr: 1},
		stepWait{wg: &wg2},
		stepLocks{{Key: "1", Locker: "locker-2", Mode: lock.SHARED}},
		stepRelease{lkr: 2},
	})
}

func TestLockNoBarging(t *testing.T) {
	var wg, wg2 sync.WaitGroup
	runSteps(t, []testStep{
		stepLock{lkr: 0, key: "1", mode: lock.SHARED},
		stepLock{lkr: 1, key: "1", mode: lock.EXCLUSIVE, wg: &wg},
		stepSleep{},
		// Compatible with the holder, but queued behind the exclusive waiter.
		stepLock{lkr: 2, key: "1", mode: lock.SHARED, wg: &wg2},
		stepSleep{},
		stepLocks{
			{Key: "1", Locker: "locker-0", Mode: lock.SHARED},
			{Key: "1", Locker: "locker-1", Mode: lock.EXCLUSIVE, Place: 1},
			{Key: "1", Locker: "locker-2", Mode: lock.SHARED, Place: 2},
		},
		stepRelease{lkr: 0},
		stepWait{wg: &wg},
		stepLocks{
			{Key: "1", Locker: "locker-1", Mode: lock.EXCLUSIVE},
			{Key: "1", Locker: "locker-2", Mode: lock.SHARED, Place: 1},
		},
		stepRelease{lkr: 1},
		stepWait{wg: &wg2},
		stepRelease{lkr: 2},
		stepLocks(nil),
	})
}

func TestLockSharedWaiters(t *testing.T) {
	var wg, wg2 sync.WaitGroup
	runSteps(t, []testStep{
		stepLock{lkr: 0, key: "1", mode: lock.EXCLUSIVE},
		stepLock{lkr: 1, key: "1", mode: lock.SHARED, wg: &wg},
		stepSleep{},
		stepLock{lkr: 2, key: "1", mode: lock.SHARED, wg: &wg},
		stepSleep{},
		stepLock{lkr: 3, key: "1", mode: lock.EXCLUSIVE, wg: &wg2},
		stepSleep{},
		stepRelease{lkr: 0},
		stepWait{wg: &wg},
		stepLocks{
			{Key: "1", Locker: "locker-1", Mode: lock.SHARED},
			{Key: "1", Locker: "locker-2", Mode: lock.SHARED},
			{Key: "1", Locker: "locker-3", Mode: lock.EXCLUSIVE, Place: 1},
		},
		stepRelease{lkr: 2},
		stepSleep{},
		stepLocks{
			{Key: "1", Locker: "locker-1", Mode: lock.SHARED},
			{Key: "1", Locker: "locker-3", Mode: lock.EXCLUSIVE, Place: 1},
		},
		stepRelease{lkr: 1},
		stepWait{wg: &wg2},
		stepLocks{{Key: "1", Locker: "locker-3", Mode: lock.EXCLUSIVE}},
		stepRelease{lkr: 3},
	})
}

func TestLockTimeout(t *testing.T) {
	var wg, wg2 sync.WaitGroup
	runSteps(t, []testStep{
		stepLock{lkr: 0, key: "1", mode: lock.SHARED},
		stepLock{lkr: 1, key: "1", mode: lock.EXCLUSIVE, fail: true,
			timeout: 100 * time.Millisecond, wg: &wg},
		stepSleep{},
		stepLock{lkr: 2, key: "1", mode: lock.SHARED, wg: &wg2},
		stepSleep{},
		stepLocks{
			{Key: "1", Locker: "locker-0", Mode: lock.SHARED},
			{Key: "1", Locker: "locker-1", Mode: lock.EXCLUSIVE, Place: 1},
			{Key: "1", Locker: "locker-2", Mode: lock.SHARED, Place: 2},
		},
		// When the exclusive waiter gives up, the shared waiter behind it is granted.
		stepWait{wg: &wg},
		stepWait{wg: &wg2},
		stepLocks{
			{Key: "1", Locker: "locker-0", Mode: lock.SHARED},
			{Key: "1", Locker: "locker-2", Mode: lock.SHARED},
		},
		stepRelease{lkr: 0},
		stepRelease{lkr: 1},
		stepRelease{lkr: 2},
		stepLocks(nil),
	})
}

func TestLockTimeoutError(t *testing.T) {
	mgr := lock.NewManager()
	tl0 := &testLocker{id: 0}
	tl1 := &testLocker{id: 1}

	err := mgr.Lock(context.Background(), tl0, "abc", lock.EXCLUSIVE)
	if err != nil {
		t.Fatalf("Lock(%s) failed with %s", tl0, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = mgr.Lock(ctx, tl1, "abc", lock.SHARED)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Lock(%s) got %v want %s", tl1, err, context.DeadlineExceeded)
	}
	if m := mgr.Held(tl1, "abc"); m != 0 {
		t.Errorf("Held(%s) got %s want none", tl1, m)
	}
	if m := mgr.Held(tl0, "abc"); m != lock.EXCLUSIVE {
		t.Errorf("Held(%s) got %s want %s", tl0, m, lock.EXCLUSIVE)
	}
}

func TestLockMutualExclusion(t *testing.T) {
	mgr := lock.NewManager()
	keys := []string{"a", "b", "c"}

	var mutex sync.Mutex
	counts := map[string]int{} // -1: exclusive holder; > 0: number of shared holders

	var wg sync.WaitGroup
	for id := 0; id < 8; id += 1 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			r := rand.New(rand.NewSource(int64(id)))
			for cnt := 0; cnt < 100; cnt += 1 {
				tl := &testLocker{id: id}
				key := keys[r.Intn(len(keys))]
				mode := lock.SHARED
				if r.Intn(3) == 0 {
					mode = lock.EXCLUSIVE
				}

				err := mgr.Lock(context.Background(), tl, key, mode)
				if err != nil {
					t.Errorf("Lock(%s, %s, %s) failed with %s", tl, key, mode, err)
					return
				}

				mutex.Lock()
				if mode == lock.EXCLUSIVE {
					if counts[key] != 0 {
						t.Errorf("%s: exclusive lock granted with %d holders", key, counts[key])
					}
					counts[key] = -1
				} else {
					if counts[key] < 0 {
						t.Errorf("%s: shared lock granted with an exclusive holder", key)
					}
					counts[key] += 1
				}
				mutex.Unlock()

				time.Sleep(time.Duration(r.Intn(100)) * time.Microsecond)

				mutex.Lock()
				if mode == lock.EXCLUSIVE {
					counts[key] = 0
				} else {
					counts[key] -= 1
				}
				mutex.Unlock()

				err = mgr.ReleaseLocks(tl)
				if err != nil {
					t.Errorf("ReleaseLocks(%s) failed with %s", tl, err)
					return
				}
			}
		}(id)
	}

	wg.Wait()

	if lks := mgr.Locks(); len(lks) != 0 {
		t.Errorf("Locks() got %v want none", lks)
	}
}
