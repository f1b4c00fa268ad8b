package snapshot

import (
	"sync"

	"github.com/leftmike/isodb/record"
)

// Snapshot is the committed value of a record as first seen by a transaction.
type Snapshot struct {
	Value   int64
	Version uint64
}

// Manager keeps, for each transaction, the snapshots of the records it has read. Snapshots are
// never shared between transactions and live until InvalidateAll.
type Manager struct {
	mutex     sync.Mutex
	st        *record.Store
	snapshots map[uint64]map[record.ID]Snapshot
}

func NewManager(st *record.Store) *Manager {
	return &Manager{
		st:        st,
		snapshots: map[uint64]map[record.ID]Snapshot{},
	}
}

// CaptureIfAbsent returns the snapshot of id already captured by the transaction tid;
// otherwise it captures the currently committed value of id.
func (m *Manager) CaptureIfAbsent(tid uint64, id record.ID) (Snapshot, error) {
	m.mutex.Lock()
	snaps, ok := m.snapshots[tid]
	if ok {
		if snap, ok := snaps[id]; ok {
			m.mutex.Unlock()
			return snap, nil
		}
	}
	m.mutex.Unlock()

	rec, err := m.st.ReadCommitted(id)
	if err != nil {
		return Snapshot{}, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	snaps, ok = m.snapshots[tid]
	if !ok {
		snaps = map[record.ID]Snapshot{}
		m.snapshots[tid] = snaps
	}
	if snap, ok := snaps[id]; ok {
		return snap, nil
	}
	snap := Snapshot{
		Value:   rec.Value,
		Version: rec.Version,
	}
	snaps[id] = snap
	return snap, nil
}

func (m *Manager) InvalidateAll(tid uint64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.snapshots, tid)
}

// Captured returns the number of snapshots held for tid.
func (m *Manager) Captured(tid uint64) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return len(m.snapshots[tid])
}
