package storage

import (
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/leftmike/isodb/record"
)

var (
	recordsBucket = []byte{'r', 'e', 'c', 'o', 'r', 'd', 's'}
)

type bboltPersister struct {
	db *bbolt.DB
}

func MakeBBolt(dataDir string) (record.Persister, error) {
	err := os.MkdirAll(dataDir, 0755)
	if err != nil {
		return nil, err
	}

	db, err := bbolt.Open(filepath.Join(dataDir, "isodb.bbolt"), 0644, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(
		func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(recordsBucket)
			return err
		})
	if err != nil {
		db.Close()
		return nil, err
	}

	return bboltPersister{
		db: db,
	}, nil
}

func (bp bboltPersister) Load(fn func(rec record.Record) error) (record.Meta, error) {
	var meta record.Meta
	err := bp.db.View(
		func(tx *bbolt.Tx) error {
			bkt := tx.Bucket(recordsBucket)

			var err error
			meta, err = decodeMeta(bkt.Get(metaKey))
			if err != nil {
				return err
			}

			return bkt.ForEach(
				func(key, val []byte) error {
					if !isRecordKey(key) {
						return nil
					}
					return loadRecord(key, val, fn)
				})
		})
	return meta, err
}

func (bp bboltPersister) Persist(meta record.Meta, recs []record.Record,
	deleted []record.ID) error {

	return bp.db.Update(
		func(tx *bbolt.Tx) error {
			bkt := tx.Bucket(recordsBucket)
			err := bkt.Put(metaKey, encodeMeta(meta))
			if err != nil {
				return err
			}
			for _, rec := range recs {
				err := bkt.Put(encodeKey(rec.ID), encodeRecord(rec))
				if err != nil {
					return err
				}
			}
			for _, id := range deleted {
				err := bkt.Delete(encodeKey(id))
				if err != nil {
					return err
				}
			}
			return nil
		})
}

func (bp bboltPersister) Close() error {
	return bp.db.Close()
}
