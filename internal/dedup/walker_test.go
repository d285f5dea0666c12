package dedup

import (
	"context"
	"reflect"
	"slices"
	"testing"

	"github.com/spf13/afero"
)

func memTree(t *testing.T, files ...string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for _, f := range files {
		if err := afero.WriteFile(fs, f, []byte(f), 0o644); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}
	return fs
}

func TestWalker_Files(t *testing.T) {
	fs := memTree(t,
		"/root/z.txt",
		"/root/a/2.txt",
		"/root/a/1.txt",
		"/root/node_modules/pkg/index.js",
		"/root/b/skip.tmp",
		"/root/b/keep.bin",
	)

	tests := []struct {
		name     string
		excludes []string
		want     []string
	}{
		{
			name: "all files in lexical order",
			want: []string{
				"/root/a/1.txt",
				"/root/a/2.txt",
				"/root/b/keep.bin",
				"/root/b/skip.tmp",
				"/root/node_modules/pkg/index.js",
				"/root/z.txt",
			},
		},
		{
			name:     "excluded directories are pruned",
			excludes: []string{"node_modules", "*.tmp"},
			want: []string{
				"/root/a/1.txt",
				"/root/a/2.txt",
				"/root/b/keep.bin",
				"/root/z.txt",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWalker(fs, WalkConfig{ExcludePatterns: tt.excludes}, quietLogger())
			got := slices.Collect(w.Files(context.Background(), "/root"))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Files = %v, want %v", got, tt.want)
			}
			if w.Skipped() != 0 {
				t.Errorf("Skipped = %d, want 0", w.Skipped())
			}
		})
	}
}

func TestWalker_Restartable(t *testing.T) {
	fs := memTree(t, "/r/a", "/r/b", "/r/c")
	w := NewWalker(fs, WalkConfig{}, quietLogger())

	first := slices.Collect(w.Files(context.Background(), "/r"))
	second := slices.Collect(w.Files(context.Background(), "/r"))
	if !reflect.DeepEqual(first, second) {
		t.Errorf("walks differ: %v vs %v", first, second)
	}
}

func TestWalker_ConsumerStops(t *testing.T) {
	fs := memTree(t, "/r/a", "/r/b", "/r/c", "/r/d")
	w := NewWalker(fs, WalkConfig{}, quietLogger())

	var got []string
	for path := range w.Files(context.Background(), "/r") {
		got = append(got, path)
		if len(got) == 2 {
			break
		}
	}
	if want := []string{"/r/a", "/r/b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestWalker_ContextCancelled(t *testing.T) {
	fs := memTree(t, "/r/a", "/r/b")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWalker(fs, WalkConfig{}, quietLogger())
	if got := slices.Collect(w.Files(ctx, "/r")); len(got) != 0 {
		t.Errorf("cancelled walk yielded %v", got)
	}
}

func TestWalker_MissingRoot(t *testing.T) {
	w := NewWalker(afero.NewMemMapFs(), WalkConfig{}, quietLogger())
	if got := slices.Collect(w.Files(context.Background(), "/missing")); len(got) != 0 {
		t.Errorf("missing root yielded %v", got)
	}
	if w.Skipped() != 1 {
		t.Errorf("Skipped = %d, want 1", w.Skipped())
	}
}
