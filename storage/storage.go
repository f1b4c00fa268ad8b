package storage

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/isodb/record"
)

var (
	Kinds = []string{"memory", "bbolt", "badger", "pebble"}
)

// Open returns the persister for kind, with its data in dataDir; the memory kind keeps
// nothing and returns a nil persister.
func Open(kind, dataDir string, logger *log.Logger) (record.Persister, error) {
	switch kind {
	case "memory":
		return nil, nil
	case "bbolt":
		return MakeBBolt(dataDir)
	case "badger":
		return MakeBadger(dataDir, logger)
	case "pebble":
		return MakePebble(dataDir, logger)
	}
	return nil, fmt.Errorf("storage: unknown kind: %s; expected one of %v", kind, Kinds)
}
