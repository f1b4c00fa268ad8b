package flags

import (
	"sort"
	"strings"

	"github.com/leftmike/isodb/config"
)

type Flag int

const (
	LogCommits Flag = iota
	CheckScenarios
)

type flagDefault struct {
	flag Flag
	def  bool
}

var (
	defaultFlags = map[string]flagDefault{
		"log_commits":     {LogCommits, true},
		"check_scenarios": {CheckScenarios, true},
	}
)

func LookupFlag(nam string) (Flag, bool) {
	fd, ok := defaultFlags[strings.ToLower(nam)]
	return fd.flag, ok
}

// ListFlags calls fn for each flag in name order.
func ListFlags(fn func(nam string, f Flag)) {
	var names []string
	for nam := range defaultFlags {
		names = append(names, nam)
	}
	sort.Strings(names)

	for _, nam := range names {
		fn(nam, defaultFlags[nam].flag)
	}
}

type Flags []bool

func (flgs Flags) GetFlag(f Flag) bool {
	return flgs[f]
}

// Config makes every flag a hidden config variable, so that it may be set from a config file.
func Config(cfg *config.Config) Flags {
	flgs := make([]bool, len(defaultFlags))
	for nam, fd := range defaultFlags {
		cfg.Bool(&flgs[fd.flag], nam, fd.def)
	}
	return flgs
}

func Default() Flags {
	flgs := make([]bool, len(defaultFlags))
	for _, fd := range defaultFlags {
		flgs[fd.flag] = fd.def
	}
	return flgs
}
