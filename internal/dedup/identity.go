package dedup

// IdentityFunc reads the filesystem identity of a path
type IdentityFunc func(path string) (Identity, error)

// resolveIdentities collapses already-hardlinked members of a
// content-equal bucket. It returns one representative per distinct
// identity in first-seen order, or nil when fewer than two identities
// remain. Files whose identity cannot be read are dropped and counted.
func resolveIdentities(bucket []*FileEntry, identify IdentityFunc) (group []*FileEntry, skipped int64) {
	seen := make(map[Identity]struct{}, len(bucket))
	for _, e := range bucket {
		id, err := identify(e.Path)
		if err != nil {
			skipped++
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		e.Identity = id
		group = append(group, e)
	}
	if len(group) < 2 {
		return nil, skipped
	}
	return group, skipped
}
