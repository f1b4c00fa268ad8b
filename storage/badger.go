package storage

import (
	"os"

	"github.com/dgraph-io/badger"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/isodb/record"
)

type badgerPersister struct {
	db *badger.DB
}

func MakeBadger(dataDir string, logger *log.Logger) (record.Persister, error) {
	err := os.MkdirAll(dataDir, 0755)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	opts := badger.DefaultOptions(dataDir)
	opts = opts.WithLogger(logger)
	opts = opts.WithSyncWrites(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return badgerPersister{
		db: db,
	}, nil
}

func (bp badgerPersister) Load(fn func(rec record.Record) error) (record.Meta, error) {
	var meta record.Meta
	err := bp.db.View(
		func(tx *badger.Txn) error {
			item, err := tx.Get(metaKey)
			if err == nil {
				err = item.Value(
					func(val []byte) error {
						var err error
						meta, err = decodeMeta(val)
						return err
					})
				if err != nil {
					return err
				}
			} else if err != badger.ErrKeyNotFound {
				return err
			}

			it := tx.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()

			for it.Seek([]byte{recordPrefix}); it.Valid(); it.Next() {
				item := it.Item()
				key := item.KeyCopy(nil)
				if !isRecordKey(key) {
					break
				}
				err := item.Value(
					func(val []byte) error {
						return loadRecord(key, val, fn)
					})
				if err != nil {
					return err
				}
			}
			return nil
		})
	return meta, err
}

func (bp badgerPersister) Persist(meta record.Meta, recs []record.Record,
	deleted []record.ID) error {

	return bp.db.Update(
		func(tx *badger.Txn) error {
			err := tx.Set(metaKey, encodeMeta(meta))
			if err != nil {
				return err
			}
			for _, rec := range recs {
				err := tx.Set(encodeKey(rec.ID), encodeRecord(rec))
				if err != nil {
					return err
				}
			}
			for _, id := range deleted {
				err := tx.Delete(encodeKey(id))
				if err != nil {
					return err
				}
			}
			return nil
		})
}

func (bp badgerPersister) Close() error {
	return bp.db.Close()
}
