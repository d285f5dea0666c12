//go:build !unix && !windows

package dedup

import "errors"

func fileIdentity(path string) (Identity, error) {
	return Identity{}, skippable("stat", path, errors.New("file identity not supported on this platform"))
}
