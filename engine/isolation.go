package engine

import (
	"fmt"
	"strings"
)

type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota + 1
	ReadCommitted
	RepeatableRead
	Serializable
)

var (
	IsolationLevels = []IsolationLevel{
		ReadUncommitted,
		ReadCommitted,
		RepeatableRead,
		Serializable,
	}
)

func (il IsolationLevel) String() string {
	switch il {
	case ReadUncommitted:
		return "READ UNCOMMITTED"
	case ReadCommitted:
		return "READ COMMITTED"
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return fmt.Sprintf("IsolationLevel(%d)", il)
	}
}

// ParseIsolationLevel accepts names such as read-committed, READ_COMMITTED, or read committed.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	n := strings.ToUpper(strings.NewReplacer("-", " ", "_", " ").Replace(strings.TrimSpace(s)))
	for _, il := range IsolationLevels {
		if il.String() == n {
			return il, nil
		}
	}
	return 0, fmt.Errorf("engine: unknown isolation level: %s", s)
}

type State int

const (
	Active State = iota
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}
