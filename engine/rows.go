package engine

import (
	"context"
	"errors"
	"io"

	"github.com/leftmike/isodb/record"
)

type Predicate func(id record.ID, value int64) bool

func ValueEquals(value int64) Predicate {
	return func(id record.ID, val int64) bool {
		return val == value
	}
}

// Rows scans the records committed when the scan started (or was last reset). Each record is
// read through the transaction, so its value is the one visible at the isolation level of the
// transaction. At READ COMMITTED the value is the one committed when the scan started, so a
// single scan never sees part of a commit. Records which the transaction can not see are
// skipped.
type Rows struct {
	tx   *Transaction
	it   *record.Iterator
	pred Predicate
}

// Next returns the next matching record, or io.EOF.
func (r *Rows) Next(ctx context.Context) (record.ID, int64, error) {
	for {
		rec, err := r.it.Next()
		if err != nil {
			return 0, 0, err
		}

		val, err := r.tx.scanRead(ctx, rec)
		if errors.Is(err, ErrNotFound) {
			continue
		} else if err != nil {
			return 0, 0, err
		}
		if r.pred == nil || r.pred(rec.ID, val) {
			return rec.ID, val, nil
		}
	}
}

// Reset restarts the scan; records committed since the scan started become visible.
func (r *Rows) Reset() {
	r.it.Reset()
}

// All collects the remaining matching records.
func (r *Rows) All(ctx context.Context) ([]record.Record, error) {
	var recs []record.Record
	for {
		id, val, err := r.Next(ctx)
		if err == io.EOF {
			return recs, nil
		} else if err != nil {
			return nil, err
		}
		recs = append(recs, record.Record{ID: id, Value: val})
	}
}
