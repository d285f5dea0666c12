//go:build unix

package dedup

import "golang.org/x/sys/unix"

// fileIdentity reads device and inode without following symlinks
func fileIdentity(path string) (Identity, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return Identity{}, skippable("stat", path, err)
	}
	return Identity{Device: uint64(st.Dev), Index: uint64(st.Ino)}, nil
}
