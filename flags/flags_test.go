package flags_test

import (
	"reflect"
	"testing"

	"github.com/leftmike/isodb/config"
	"github.com/leftmike/isodb/flags"
)

func TestFlags(t *testing.T) {
	flgs := flags.Default()
	if !flgs.GetFlag(flags.LogCommits) || !flgs.GetFlag(flags.CheckScenarios) {
		t.Errorf("Default() got %v", flgs)
	}

	cfg := config.NewConfig()
	flgs = flags.Config(cfg)
	err := cfg.Decode("LOG_COMMITS = false\nlog_commits = false\n")
	if err == nil {
		t.Errorf("Decode(LOG_COMMITS) did not fail")
	}
	err = cfg.Decode("log_commits = false\n")
	if err != nil {
		t.Fatalf("Decode() failed with %s", err)
	}
	if flgs.GetFlag(flags.LogCommits) || !flgs.GetFlag(flags.CheckScenarios) {
		t.Errorf("flags after Decode() got %v", flgs)
	}

	f, ok := flags.LookupFlag("Check_Scenarios")
	if !ok || f != flags.CheckScenarios {
		t.Errorf("LookupFlag(Check_Scenarios) got %v, %v", f, ok)
	}

	var names []string
	flags.ListFlags(func(nam string, f flags.Flag) {
		names = append(names, nam)
	})
	if !reflect.DeepEqual(names, []string{"check_scenarios", "log_commits"}) {
		t.Errorf("ListFlags() got %v", names)
	}
}
