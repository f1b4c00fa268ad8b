package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/leftmike/isodb/record"
)

const (
	recordPrefix = 'r'
	metaPrefix   = 'm'

	idField      protowire.Number = 1
	valueField   protowire.Number = 2
	versionField protowire.Number = 3

	lastIDField      protowire.Number = 1
	metaVersionField protowire.Number = 2
)

var (
	errBadKey = errors.New("storage: bad record key")

	metaKey = []byte{metaPrefix}
)

func encodeKey(id record.ID) []byte {
	buf := make([]byte, 9)
	buf[0] = recordPrefix
	binary.BigEndian.PutUint64(buf[1:], uint64(id))
	return buf
}

func decodeKey(key []byte) (record.ID, error) {
	if len(key) != 9 || key[0] != recordPrefix {
		return 0, errBadKey
	}
	return record.ID(binary.BigEndian.Uint64(key[1:])), nil
}

func isRecordKey(key []byte) bool {
	return len(key) > 0 && key[0] == recordPrefix
}

func encodeRecord(rec record.Record) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, idField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(rec.ID))
	buf = protowire.AppendTag(buf, valueField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(rec.Value))
	buf = protowire.AppendTag(buf, versionField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, rec.Version)
	return buf
}

// decodeVarints calls fn with each varint field of buf; other fields are skipped.
func decodeVarints(what string, buf []byte, fn func(num protowire.Number, v uint64)) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("storage: decoding %s: %w", what, protowire.ParseError(n))
		}
		buf = buf[n:]

		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return fmt.Errorf("storage: decoding %s: %w", what, protowire.ParseError(n))
			}
			buf = buf[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(buf)
		if n < 0 {
			return fmt.Errorf("storage: decoding %s: %w", what, protowire.ParseError(n))
		}
		buf = buf[n:]
		fn(num, v)
	}
	return nil
}

func decodeRecord(buf []byte) (record.Record, error) {
	var rec record.Record
	err := decodeVarints("record", buf,
		func(num protowire.Number, v uint64) {
			switch num {
			case idField:
				rec.ID = record.ID(v)
			case valueField:
				rec.Value = protowire.DecodeZigZag(v)
			case versionField:
				rec.Version = v
			}
		})
	if err != nil {
		return record.Record{}, err
	}
	return rec, nil
}

func encodeMeta(meta record.Meta) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, lastIDField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(meta.LastID))
	buf = protowire.AppendTag(buf, metaVersionField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, meta.Version)
	return buf
}

// decodeMeta decodes the stored meta; a missing meta (nil buf) is the zero Meta.
func decodeMeta(buf []byte) (record.Meta, error) {
	var meta record.Meta
	err := decodeVarints("meta", buf,
		func(num protowire.Number, v uint64) {
			switch num {
			case lastIDField:
				meta.LastID = record.ID(v)
			case metaVersionField:
				meta.Version = v
			}
		})
	if err != nil {
		return record.Meta{}, err
	}
	return meta, nil
}

func loadRecord(key, val []byte, fn func(rec record.Record) error) error {
	id, err := decodeKey(key)
	if err != nil {
		return err
	}
	rec, err := decodeRecord(val)
	if err != nil {
		return err
	}
	if rec.ID != id {
		return fmt.Errorf("storage: key %d does not match record %d", id, rec.ID)
	}
	return fn(rec)
}
