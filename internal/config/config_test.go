package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get home dir: %v", err)
	}

	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"~", home},
		{"~/media/tv", filepath.Join(home, "media", "tv")},
		{"/srv/media/", "/srv/media"},
		{"/srv//media/./tv/..", "/srv/media"},
		{"media/../photos", "photos"},
		{"/srv/~media", "/srv/~media"},
		{"media/~/tv", "media/~/tv"},
	}

	for _, tt := range tests {
		if got := ExpandPath(tt.input); got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestIsPathAllowed(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		path    string
		want    bool
	}{
		{"unrestricted", nil, "/srv/anything", true},
		{"root itself", []string{"/srv/media"}, "/srv/media", true},
		{"below root", []string{"/srv/media"}, "/srv/media/tv/show", true},
		{"trailing slash on root", []string{"/srv/media/"}, "/srv/media/tv", true},
		{"trailing slash on path", []string{"/srv/media"}, "/srv/media/", true},
		{"parent of root", []string{"/srv/media/tv"}, "/srv/media", false},
		{"sibling name prefix", []string{"/srv/media"}, "/srv/media-backup", false},
		{"escapes via dot dot", []string{"/srv/media"}, "/srv/media/../etc", false},
		{"second root", []string{"/srv/media", "/backup"}, "/backup/2024", true},
		{"no root matches", []string{"/srv/media", "/backup"}, "/etc", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{AllowedPaths: tt.allowed}
			if got := cfg.IsPathAllowed(tt.path); got != tt.want {
				t.Errorf("IsPathAllowed(%q) with %v = %v, want %v", tt.path, tt.allowed, got, tt.want)
			}
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	for value, want := range map[string]int{"": 42, "123": 123, "-5": -5, "0": 0, "ten": 42} {
		t.Setenv("TEST_INT", value)
		if got := getEnvInt("TEST_INT", 42); got != want {
			t.Errorf("getEnvInt(%q) = %d, want %d", value, got, want)
		}
	}
}

func TestGetEnvPaths(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		value string
		want  []string
	}{
		{"", nil},
		{"/srv/media", []string{"/srv/media"}},
		{" /srv/media , /backup ", []string{"/srv/media", "/backup"}},
		{"/srv/media,,/backup,", []string{"/srv/media", "/backup"}},
		{"~/media,/backup/", []string{filepath.Join(home, "media"), "/backup"}},
	}

	for _, tt := range tests {
		t.Setenv("TEST_PATHS", tt.value)
		got := getEnvPaths("TEST_PATHS")
		if !slices.Equal(got, tt.want) {
			t.Errorf("getEnvPaths(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"HARDLINKER_PORT", "HARDLINKER_PREFIX_CHECK", "HARDLINKER_SCAN_TIMEOUT",
		"HARDLINKER_MIN_SIZE", "HARDLINKER_ALLOW_PROTECTED", "HARDLINKER_EXCLUDE",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if !cfg.PrefixCheck {
		t.Error("PrefixCheck should default to true")
	}
	if cfg.ScanTimeout != 6*time.Hour {
		t.Errorf("ScanTimeout = %v, want 6h", cfg.ScanTimeout)
	}
	if cfg.MinSize != 1 {
		t.Errorf("MinSize = %d, want 1", cfg.MinSize)
	}
	if cfg.AllowProtected {
		t.Error("AllowProtected should default to false")
	}
	if cfg.ExcludePatterns != nil {
		t.Errorf("ExcludePatterns = %v, want nil", cfg.ExcludePatterns)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HARDLINKER_PREFIX_CHECK", "false")
	t.Setenv("HARDLINKER_SCAN_TIMEOUT", "90m")
	t.Setenv("HARDLINKER_HASH_WORKERS", "3")
	t.Setenv("HARDLINKER_EXCLUDE", "node_modules, *.tmp")
	t.Setenv("HARDLINKER_ALLOW_PROTECTED", "yes-please")

	cfg := Load()
	if cfg.PrefixCheck {
		t.Error("PrefixCheck should be disabled")
	}
	if cfg.ScanTimeout != 90*time.Minute {
		t.Errorf("ScanTimeout = %v, want 90m", cfg.ScanTimeout)
	}
	if cfg.HashWorkers != 3 {
		t.Errorf("HashWorkers = %d, want 3", cfg.HashWorkers)
	}
	if len(cfg.ExcludePatterns) != 2 || cfg.ExcludePatterns[1] != "*.tmp" {
		t.Errorf("ExcludePatterns = %v", cfg.ExcludePatterns)
	}
	// Unparseable booleans keep the default
	if cfg.AllowProtected {
		t.Error("invalid bool should fall back to false")
	}
}

func TestGetEnvBytes(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int64
	}{
		{"unset", "", 7},
		{"plain", "4096", 4096},
		{"si", "1.5 MB", 1500000},
		{"iec", "4 KiB", 4096},
		{"no space", "100kB", 100000},
		{"invalid", "lots", 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_BYTES", tt.value)
			if got := getEnvBytes("TEST_BYTES", 7); got != tt.want {
				t.Errorf("getEnvBytes(%q) = %d, want %d", tt.value, got, tt.want)
			}
		})
	}
}
