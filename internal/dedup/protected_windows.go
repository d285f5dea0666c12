//go:build windows

package dedup

import (
	"os"
	"path/filepath"
)

const caseInsensitiveFS = true

// systemRoots lists the Windows installation, program and volume metadata
// directories, including any relocated by environment variables
func systemRoots() []string {
	roots := []string{
		`C:\Windows`,
		`C:\Program Files`,
		`C:\Program Files (x86)`,
		`C:\ProgramData`,
		`C:\System Volume Information`,
	}
	for _, key := range []string{"SystemRoot", "windir", "ProgramFiles", "ProgramFiles(x86)", "ProgramW6432", "ProgramData"} {
		if v := os.Getenv(key); v != "" {
			roots = append(roots, v)
		}
	}
	if drive := os.Getenv("SystemDrive"); drive != "" {
		roots = append(roots, filepath.Join(drive+`\`, "System Volume Information"))
	}
	return roots
}
