package record

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/google/btree"
)

var (
	ErrNotFound = errors.New("record: not found")
	ErrConflict = errors.New("record: version conflict")
)

type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func ParseID(s string) (ID, error) {
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("record: bad id: %s", s)
	}
	return ID(u), nil
}

// Record is the committed state of a record.
type Record struct {
	ID      ID
	Value   int64
	Version uint64
}

// Version is one committed version of a record.
type Version struct {
	Version uint64
	Value   int64
	Deleted bool
}

// Write is one element of an atomic batch of writes; Expected must be the version of the
// record that the writer last saw.
type Write struct {
	ID       ID
	Value    int64
	Expected uint64
	Delete   bool
}

// Meta is the state of the store as a whole which must survive a restart, even when the
// records which last changed it have been deleted.
type Meta struct {
	LastID  ID
	Version uint64
}

// Persister is the durable home of committed records. Load is called once when the store is
// created; Persist is called with every committed batch, along with the new Meta, before it
// becomes visible.
type Persister interface {
	Load(fn func(rec Record) error) (Meta, error)
	Persist(meta Meta, recs []Record, deleted []ID) error
	Close() error
}

const DefaultHistoryLimit = 16

type item struct {
	rec     Record
	history []Version // Oldest first; the last entry is the current version.
}

func (it *item) Less(than btree.Item) bool {
	return it.rec.ID < than.(*item).rec.ID
}

// Store holds the committed state of all records. It does no locking on behalf of its callers;
// its mutex only makes each operation atomic.
type Store struct {
	mutex        sync.Mutex
	tree         *btree.BTree
	lastID       ID
	version      uint64
	historyLimit int
	persister    Persister
}

func NewStore(p Persister, historyLimit int) (*Store, error) {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	st := &Store{
		tree:         btree.New(16),
		historyLimit: historyLimit,
		persister:    p,
	}

	if p != nil {
		meta, err := p.Load(
			func(rec Record) error {
				st.tree.ReplaceOrInsert(&item{
					rec:     rec,
					history: []Version{{Version: rec.Version, Value: rec.Value}},
				})
				if rec.ID > st.lastID {
					st.lastID = rec.ID
				}
				if rec.Version > st.version {
					st.version = rec.Version
				}
				return nil
			})
		if err != nil {
			return nil, fmt.Errorf("record: loading: %w", err)
		}
		if meta.LastID > st.lastID {
			st.lastID = meta.LastID
		}
		if meta.Version > st.version {
			st.version = meta.Version
		}
	}

	return st, nil
}

func (st *Store) Close() error {
	if st.persister != nil {
		return st.persister.Close()
	}
	return nil
}

func (st *Store) get(id ID) *item {
	it := st.tree.Get(&item{rec: Record{ID: id}})
	if it == nil {
		return nil
	}
	return it.(*item)
}

func (st *Store) appendHistory(history []Version, ver Version) []Version {
	if len(history) >= st.historyLimit {
		history = history[len(history)-st.historyLimit+1:]
	}
	// Always copy: the previous slice may be shared with clones of the tree.
	nh := make([]Version, 0, len(history)+1)
	nh = append(nh, history...)
	return append(nh, ver)
}

// Create adds a new record with a fresh id and commits it; it returns the id and the commit
// version.
func (st *Store) Create(value int64) (ID, uint64, error) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	id := st.lastID + 1
	ver := st.version + 1
	rec := Record{
		ID:      id,
		Value:   value,
		Version: ver,
	}

	if st.persister != nil {
		err := st.persister.Persist(Meta{LastID: id, Version: ver}, []Record{rec}, nil)
		if err != nil {
			return 0, 0, err
		}
	}

	st.lastID = id
	st.version = ver
	st.tree.ReplaceOrInsert(&item{
		rec:     rec,
		history: []Version{{Version: ver, Value: value}},
	})
	return id, ver, nil
}

func (st *Store) ReadCommitted(id ID) (Record, error) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	it := st.get(id)
	if it == nil {
		return Record{}, fmt.Errorf("record: %s: %w", id, ErrNotFound)
	}
	return it.rec, nil
}

// History returns the retained committed versions of the record, oldest first.
func (st *Store) History(id ID) ([]Version, error) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	it := st.get(id)
	if it == nil {
		return nil, fmt.Errorf("record: %s: %w", id, ErrNotFound)
	}
	return append([]Version(nil), it.history...), nil
}

func (st *Store) WriteCommitted(id ID, value int64, expected uint64) (uint64, error) {
	return st.Apply([]Write{{ID: id, Value: value, Expected: expected}})
}

// Delete removes a record regardless of its version.
func (st *Store) Delete(id ID) (uint64, error) {
	rec, err := st.ReadCommitted(id)
	if err != nil {
		return 0, err
	}
	return st.Apply([]Write{{ID: id, Expected: rec.Version, Delete: true}})
}

// Apply commits a batch of writes atomically: either every write is applied, all with the same
// new version, or none is. It returns the commit version.
func (st *Store) Apply(writes []Write) (uint64, error) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if len(writes) == 0 {
		return st.version, nil
	}

	items := make([]*item, len(writes))
	for wdx, w := range writes {
		it := st.get(w.ID)
		if it == nil {
			return 0, fmt.Errorf("record: %s: %w", w.ID, ErrNotFound)
		}
		if it.rec.Version != w.Expected {
			return 0, fmt.Errorf("record: %s: expected version %d; found %d: %w", w.ID,
				w.Expected, it.rec.Version, ErrConflict)
		}
		items[wdx] = it
	}

	ver := st.version + 1
	var recs []Record
	var deleted []ID
	for _, w := range writes {
		if w.Delete {
			deleted = append(deleted, w.ID)
		} else {
			recs = append(recs, Record{ID: w.ID, Value: w.Value, Version: ver})
		}
	}

	if st.persister != nil {
		err := st.persister.Persist(Meta{LastID: st.lastID, Version: ver}, recs, deleted)
		if err != nil {
			return 0, err
		}
	}

	st.version = ver
	for wdx, w := range writes {
		if w.Delete {
			st.tree.Delete(items[wdx])
			continue
		}
		st.tree.ReplaceOrInsert(&item{
			rec: Record{ID: w.ID, Value: w.Value, Version: ver},
			history: st.appendHistory(items[wdx].history,
				Version{Version: ver, Value: w.Value}),
		})
	}
	return ver, nil
}

// Iterator is a lazy scan, in id order, of the records committed when the iterator was
// created (or last reset).
type Iterator struct {
	st   *Store
	tree *btree.BTree
	next ID
	done bool
}

func (st *Store) ListAll() *Iterator {
	it := &Iterator{st: st}
	it.Reset()
	return it
}

// Reset restarts the scan against the currently committed records.
func (it *Iterator) Reset() {
	it.st.mutex.Lock()
	it.tree = it.st.tree.Clone()
	it.st.mutex.Unlock()

	it.next = 0
	it.done = false
}

// Next returns the next record or io.EOF.
func (it *Iterator) Next() (Record, error) {
	if it.done {
		return Record{}, io.EOF
	}

	var rec Record
	found := false
	it.tree.AscendGreaterOrEqual(&item{rec: Record{ID: it.next}},
		func(bi btree.Item) bool {
			rec = bi.(*item).rec
			found = true
			return false
		})

	if !found || rec.ID == ^ID(0) {
		it.done = true
	}
	if !found {
		return Record{}, io.EOF
	}
	it.next = rec.ID + 1
	return rec, nil
}
