package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// CleanDir removes everything in dirname except for the entries named in keeps. A missing
// dirname is already clean.
func CleanDir(dirname string, keeps []string) error {
	d, err := os.Open(dirname)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	names, err := d.Readdirnames(-1)
	d.Close()
	if err != nil {
		return err
	}

	keep := map[string]struct{}{}
	for _, k := range keeps {
		keep[k] = struct{}{}
	}

	for _, n := range names {
		if _, ok := keep[n]; ok {
			continue
		}
		err = os.RemoveAll(filepath.Join(dirname, n))
		if err != nil {
			return err
		}
	}
	return nil
}

// DataDir returns an empty directory, testdata/name, for a test's store.
func DataDir(t *testing.T, name string) string {
	t.Helper()

	dataDir := filepath.Join("testdata", name)
	err := CleanDir(dataDir, []string{".gitignore"})
	if err != nil {
		t.Fatalf("CleanDir(%s) failed with %s", dataDir, err)
	}
	return dataDir
}
