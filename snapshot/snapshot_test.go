package snapshot_test

import (
	"errors"
	"testing"

	"github.com/leftmike/isodb/record"
	"github.com/leftmike/isodb/snapshot"
)

func TestSnapshot(t *testing.T) {
	st, err := record.NewStore(nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	id1, _, _ := st.Create(1000)
	id2, _, _ := st.Create(50)

	m := snapshot.NewManager(st)

	snap, err := m.CaptureIfAbsent(1, id1)
	if err != nil || snap.Value != 1000 || snap.Version != 1 {
		t.Errorf("CaptureIfAbsent(1, %s) got %v, %v", id1, snap, err)
	}

	_, err = st.WriteCommitted(id1, 2000, 1)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		tid     uint64
		id      record.ID
		value   int64
		version uint64
	}{
		{tid: 1, id: id1, value: 1000, version: 1},
		{tid: 2, id: id1, value: 2000, version: 3},
		{tid: 1, id: id2, value: 50, version: 2},
		{tid: 1, id: id1, value: 1000, version: 1},
		{tid: 2, id: id1, value: 2000, version: 3},
	}

	for _, c := range cases {
		snap, err := m.CaptureIfAbsent(c.tid, c.id)
		if err != nil {
			t.Errorf("CaptureIfAbsent(%d, %s) failed with %s", c.tid, c.id, err)
		} else if snap.Value != c.value || snap.Version != c.version {
			t.Errorf("CaptureIfAbsent(%d, %s) got %v want %d@%d", c.tid, c.id, snap, c.value,
				c.version)
		}
	}

	if n := m.Captured(1); n != 2 {
		t.Errorf("Captured(1) got %d want 2", n)
	}

	_, err = m.CaptureIfAbsent(1, 99)
	if !errors.Is(err, record.ErrNotFound) {
		t.Errorf("CaptureIfAbsent(1, 99) got %v want %s", err, record.ErrNotFound)
	}

	m.InvalidateAll(1)
	if n := m.Captured(1); n != 0 {
		t.Errorf("Captured(1) after InvalidateAll got %d want 0", n)
	}
	snap, err = m.CaptureIfAbsent(1, id1)
	if err != nil || snap.Value != 2000 {
		t.Errorf("CaptureIfAbsent(1, %s) after InvalidateAll got %v, %v", id1, snap, err)
	}
}
