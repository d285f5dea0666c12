//go:build !windows

package dedup

import "runtime"

const caseInsensitiveFS = false

// systemRoots lists the directories holding the OS installation
func systemRoots() []string {
	roots := []string{
		"/bin",
		"/boot",
		"/dev",
		"/etc",
		"/lib",
		"/lib32",
		"/lib64",
		"/proc",
		"/sbin",
		"/sys",
		"/usr",
		"/var/lib",
	}
	if runtime.GOOS == "darwin" {
		roots = append(roots, "/System", "/Library", "/Applications", "/private/var/db")
	}
	return roots
}
