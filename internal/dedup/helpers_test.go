package dedup

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// quietLogger keeps test output clean
func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(&bytes.Buffer{})
	return logrus.NewEntry(l)
}

// writeFile creates dir/name with content, creating parents
func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s failed: %v", path, err)
	}
	return path
}

// repeat returns n bytes of b
func repeat(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

// sameFile reports whether both paths name the same physical file
func sameFile(t *testing.T, a, b string) bool {
	t.Helper()
	ai, err := os.Stat(a)
	if err != nil {
		t.Fatalf("stat %s: %v", a, err)
	}
	bi, err := os.Stat(b)
	if err != nil {
		t.Fatalf("stat %s: %v", b, err)
	}
	return os.SameFile(ai, bi)
}

// readFile returns a file's content or fails the test
func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

// tempLeftovers lists files under dir carrying the temp marker
func tempLeftovers(t *testing.T, dir string) []string {
	t.Helper()
	var found []string
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && strings.Contains(d.Name(), TempMarker) {
			found = append(found, path)
		}
		return nil
	})
	return found
}

// groupPaths flattens groups into their member paths
func groupPaths(groups []*DuplicateGroup) [][]string {
	var out [][]string
	for _, g := range groups {
		var paths []string
		for _, f := range g.Files {
			paths = append(paths, f.Path)
		}
		out = append(out, paths)
	}
	return out
}

// openFailFs fails Open for selected paths
type openFailFs struct {
	afero.Fs
	fail map[string]bool
}

func (f *openFailFs) Open(name string) (afero.File, error) {
	if f.fail[name] {
		return nil, os.ErrPermission
	}
	return f.Fs.Open(name)
}

// pathIdentities assigns identities by path; aliases share one
func pathIdentities(aliases map[string]string) IdentityFunc {
	ids := make(map[string]Identity)
	next := uint64(1)
	return func(path string) (Identity, error) {
		key := path
		if target, ok := aliases[path]; ok {
			key = target
		}
		id, ok := ids[key]
		if !ok {
			id = Identity{Device: 1, Index: next}
			next++
			ids[key] = id
		}
		return id, nil
	}
}
