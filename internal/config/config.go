package config

import (
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Config holds all application configuration
type Config struct {
	Port          int
	DBPath        string
	RetentionDays int
	AllowedPaths  []string // Roots scans may target; empty means unrestricted

	// Engine tuning
	ScanTimeout     time.Duration
	HashWorkers     int
	PrefixCheck     bool
	MinSize         int64
	ExcludePatterns []string

	// AllowProtected lets scheduled jobs auto-link protected roots
	AllowProtected bool
	RecoverOnStart bool
	DisableCSRF    bool

	// Preference defaults, overridden by stored settings
	ShowWelcome      bool
	ShowAdminWarning bool

	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:             getEnvInt("HARDLINKER_PORT", 8080),
		DBPath:           ExpandPath(getEnv("HARDLINKER_DB_PATH", "./data/hardlinker.db")),
		RetentionDays:    getEnvInt("HARDLINKER_RETENTION_DAYS", 30),
		AllowedPaths:     getEnvPaths("HARDLINKER_ALLOWED_PATHS"),
		ScanTimeout:      getEnvDuration("HARDLINKER_SCAN_TIMEOUT", 6*time.Hour),
		HashWorkers:      getEnvInt("HARDLINKER_HASH_WORKERS", runtime.NumCPU()),
		PrefixCheck:      getEnvBool("HARDLINKER_PREFIX_CHECK", true),
		MinSize:          getEnvBytes("HARDLINKER_MIN_SIZE", 1),
		ExcludePatterns:  getEnvList("HARDLINKER_EXCLUDE"),
		AllowProtected:   getEnvBool("HARDLINKER_ALLOW_PROTECTED", false),
		RecoverOnStart:   getEnvBool("HARDLINKER_RECOVER_ON_START", false),
		DisableCSRF:      getEnvBool("HARDLINKER_DISABLE_CSRF", false),
		ShowWelcome:      getEnvBool("HARDLINKER_SHOW_WELCOME", true),
		ShowAdminWarning: getEnvBool("HARDLINKER_SHOW_ADMIN_WARNING", true),
		LogLevel:         getEnv("HARDLINKER_LOG_LEVEL", "info"),
		LogFormat:        getEnv("HARDLINKER_LOG_FORMAT", "text"),
	}
}

// ExpandPath expands a leading ~ to the home directory and cleans the path
func ExpandPath(path string) string {
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return filepath.Clean(path)
}

// IsPathAllowed reports whether path is one of AllowedPaths or below one
func (c *Config) IsPathAllowed(path string) bool {
	if len(c.AllowedPaths) == 0 {
		return true
	}
	path = filepath.Clean(path)
	for _, allowed := range c.AllowedPaths {
		allowed = filepath.Clean(allowed)
		if path == allowed {
			return true
		}
		prefix := allowed
		if !strings.HasSuffix(prefix, string(filepath.Separator)) {
			prefix += string(filepath.Separator)
		}
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			return d
		}
	}
	return defaultVal
}

// getEnvBytes accepts plain byte counts or sizes like "4 KiB" and "1.5MB"
func getEnvBytes(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := humanize.ParseBytes(val); err == nil && n <= math.MaxInt64 {
			return int64(n)
		}
	}
	return defaultVal
}

// getEnvList splits a comma-separated variable, dropping empty segments
func getEnvList(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvPaths is getEnvList with each entry expanded
func getEnvPaths(key string) []string {
	var out []string
	for _, p := range getEnvList(key) {
		out = append(out, ExpandPath(p))
	}
	return out
}
