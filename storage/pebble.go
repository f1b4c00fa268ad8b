package storage

import (
	"os"

	"github.com/cockroachdb/pebble"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/isodb/record"
)

type pebblePersister struct {
	db *pebble.DB
}

func MakePebble(dataDir string, logger *log.Logger) (record.Persister, error) {
	err := os.MkdirAll(dataDir, 0755)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	db, err := pebble.Open(dataDir, &pebble.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	return pebblePersister{
		db: db,
	}, nil
}

func (pp pebblePersister) loadMeta() (record.Meta, error) {
	val, closer, err := pp.db.Get(metaKey)
	if err == pebble.ErrNotFound {
		return record.Meta{}, nil
	} else if err != nil {
		return record.Meta{}, err
	}
	defer closer.Close()

	return decodeMeta(val)
}

func (pp pebblePersister) Load(fn func(rec record.Record) error) (record.Meta, error) {
	meta, err := pp.loadMeta()
	if err != nil {
		return record.Meta{}, err
	}

	it := pp.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{recordPrefix},
		UpperBound: []byte{recordPrefix + 1},
	})

	for it.First(); it.Valid(); it.Next() {
		err := loadRecord(it.Key(), it.Value(), fn)
		if err != nil {
			it.Close()
			return record.Meta{}, err
		}
	}
	return meta, it.Close()
}

func (pp pebblePersister) Persist(meta record.Meta, recs []record.Record,
	deleted []record.ID) error {

	batch := pp.db.NewBatch()
	defer batch.Close()

	err := batch.Set(metaKey, encodeMeta(meta), nil)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		err := batch.Set(encodeKey(rec.ID), encodeRecord(rec), nil)
		if err != nil {
			return err
		}
	}
	for _, id := range deleted {
		err := batch.Delete(encodeKey(id), nil)
		if err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (pp pebblePersister) Close() error {
	return pp.db.Close()
}
