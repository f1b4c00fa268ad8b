package config_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/leftmike/isodb/config"
)

func testFlags() (*pflag.FlagSet, *config.Config, *string, *time.Duration, *int, *bool) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg := config.NewConfig()

	s := fs.String("store", "memory", "store")
	cfg.Flag(fs, "store")
	d := fs.Duration("lock-timeout", 0, "lock timeout")
	cfg.Flag(fs, "lock-timeout")
	i := fs.Int("history-limit", 16, "history limit")
	cfg.Flag(fs, "history-limit")

	b := new(bool)
	cfg.Bool(b, "log_commits", true)

	return fs, cfg, s, d, i, b
}

func TestDecode(t *testing.T) {
	fs, cfg, s, d, i, b := testFlags()

	err := fs.Parse([]string{"--store", "bbolt"})
	if err != nil {
		t.Fatal(err)
	}
	cfg.Visit(fs)

	err = cfg.Decode(`
store = "pebble"
lock-timeout = "5s"
history-limit = 4
log_commits = false
`)
	if err != nil {
		t.Fatalf("Decode() failed with %s", err)
	}

	if *s != "bbolt" {
		t.Errorf("store got %s want bbolt", *s)
	}
	if *d != 5*time.Second {
		t.Errorf("lock-timeout got %s want 5s", *d)
	}
	if *i != 4 {
		t.Errorf("history-limit got %d want 4", *i)
	}
	if *b {
		t.Errorf("log_commits got true want false")
	}

	wnt := []config.Value{
		{Name: "history-limit", By: "config", Value: "4"},
		{Name: "lock-timeout", By: "config", Value: "5s"},
		{Name: "log_commits", By: "config", Value: "false"},
		{Name: "store", By: "flag", Value: "bbolt"},
	}
	if vals := cfg.Values(); !reflect.DeepEqual(vals, wnt) {
		t.Errorf("Values() got %v want %v", vals, wnt)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []string{
		`unknown = 1`,
		`history-limit = "many"`,
		`log_commits = "sometimes"`,
		`store = ["a", "b"]`,
		`store = `,
	}

	for _, c := range cases {
		_, cfg, _, _, _, _ := testFlags()
		if err := cfg.Decode(c); err == nil {
			t.Errorf("Decode(%q) did not fail", c)
		}
	}
}

func TestLoad(t *testing.T) {
	_, cfg, s, _, _, _ := testFlags()

	err := cfg.Load(filepath.Join("testdata", "missing.hcl"))
	if err == nil {
		t.Errorf("Load(missing.hcl) did not fail")
	}

	dir, err := ioutil.TempDir("", "config")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	filename := filepath.Join(dir, "isodb.hcl")
	err = ioutil.WriteFile(filename, []byte("store = \"badger\"\n"), 0666)
	if err != nil {
		t.Fatal(err)
	}

	err = cfg.Load(filename)
	if err != nil {
		t.Fatalf("Load(%s) failed with %s", filename, err)
	}
	if *s != "badger" {
		t.Errorf("store got %s want badger", *s)
	}

	wnt := []config.Value{
		{Name: "history-limit", By: "default", Value: "16"},
		{Name: "lock-timeout", By: "default", Value: "0s"},
		{Name: "log_commits", By: "default", Value: "true"},
		{Name: "store", By: "config", Value: "badger"},
	}
	if vals := cfg.Values(); !reflect.DeepEqual(vals, wnt) {
		t.Errorf("Values() got %v want %v", vals, wnt)
	}
}
