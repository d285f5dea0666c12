package dedup

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestPathClassifier_IsProtected(t *testing.T) {
	base := t.TempDir()
	system := filepath.Join(base, "system")
	os.MkdirAll(filepath.Join(system, "drivers"), 0o755)
	os.MkdirAll(filepath.Join(base, "systemdata"), 0o755)
	os.MkdirAll(filepath.Join(base, "home"), 0o755)

	c := NewPathClassifier(system)

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"root itself", system, true},
		{"descendant", filepath.Join(system, "drivers"), true},
		{"missing descendant", filepath.Join(system, "not", "there"), true},
		{"sibling sharing a prefix", filepath.Join(base, "systemdata"), false},
		{"unrelated", filepath.Join(base, "home"), false},
		{"parent", base, false},
		{"empty", "", false},
		{"blank", "   ", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.IsProtected(tt.path); got != tt.want {
				t.Errorf("IsProtected(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestPathClassifier_FollowsSymlinks(t *testing.T) {
	base := t.TempDir()
	system := filepath.Join(base, "system")
	os.MkdirAll(system, 0o755)
	link := filepath.Join(base, "alias")
	if err := os.Symlink(system, link); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	c := NewPathClassifier(system)
	if !c.IsProtected(link) {
		t.Error("symlink into a protected root should be protected")
	}
}

func TestPathClassifier_FallbackPrefix(t *testing.T) {
	c := NewPathClassifier(`C:\Windows`)
	c.evalRealFn = func(string) (string, error) { return "", errors.New("cannot resolve") }

	if !c.IsProtected(`c:\windows\system32`) {
		t.Error("fallback comparison should ignore case")
	}
	if c.IsProtected(`D:\Data`) {
		t.Error("unrelated path flagged by fallback")
	}
}

func TestPathClassifier_CaseFolding(t *testing.T) {
	c := NewPathClassifier("/Sys/Root")
	c.foldCase = true
	c.evalRealFn = func(p string) (string, error) { return filepath.Clean(p), nil }

	if !c.IsProtected("/sys/root/child") {
		t.Error("case-insensitive match expected")
	}
	c.foldCase = false
	if c.IsProtected("/sys/root/child") {
		t.Error("case-sensitive filesystem should not fold")
	}
}

func TestPathClassifier_SystemDefaults(t *testing.T) {
	c := NewPathClassifier()
	switch runtime.GOOS {
	case "windows":
		if !c.IsProtected(`C:\Windows\System32`) {
			t.Error(`C:\Windows\System32 should be protected`)
		}
	default:
		if !c.IsProtected("/usr/bin") {
			t.Error("/usr/bin should be protected")
		}
		if c.IsProtected(t.TempDir()) {
			t.Error("temp dir should not be protected")
		}
	}
}
