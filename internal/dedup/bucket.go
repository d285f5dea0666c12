package dedup

// SizeBuckets partitions entries by exact byte length. Sizes and entries
// keep their insertion order.
type SizeBuckets struct {
	order  []int64
	bySize map[int64][]*FileEntry
}

// NewSizeBuckets creates an empty bucket set
func NewSizeBuckets() *SizeBuckets {
	return &SizeBuckets{bySize: make(map[int64][]*FileEntry)}
}

// Add inserts an entry under its size. Empty files are never candidates
// and are ignored.
func (b *SizeBuckets) Add(e *FileEntry) bool {
	if e.Size <= 0 {
		return false
	}
	if _, ok := b.bySize[e.Size]; !ok {
		b.order = append(b.order, e.Size)
	}
	b.bySize[e.Size] = append(b.bySize[e.Size], e)
	return true
}

// Len returns the number of distinct sizes
func (b *SizeBuckets) Len() int {
	return len(b.order)
}

// Get returns the entries of one size
func (b *SizeBuckets) Get(size int64) []*FileEntry {
	return b.bySize[size]
}

// Candidates returns the buckets with at least two members, in first-seen
// order. A file of unique size cannot be a duplicate, so its content is
// never read.
func (b *SizeBuckets) Candidates() [][]*FileEntry {
	var out [][]*FileEntry
	for _, size := range b.order {
		if entries := b.bySize[size]; len(entries) > 1 {
			out = append(out, entries)
		}
	}
	return out
}

// splitBy partitions one bucket by a key, keeping first-seen order for both
// keys and members, and drops partitions with a single member
func splitBy[K comparable](entries []*FileEntry, key func(*FileEntry) K) [][]*FileEntry {
	var order []K
	parts := make(map[K][]*FileEntry)
	for _, e := range entries {
		k := key(e)
		if _, ok := parts[k]; !ok {
			order = append(order, k)
		}
		parts[k] = append(parts[k], e)
	}

	var out [][]*FileEntry
	for _, k := range order {
		if len(parts[k]) > 1 {
			out = append(out, parts[k])
		}
	}
	return out
}

// countEntries sums bucket sizes
func countEntries(buckets [][]*FileEntry) int64 {
	var n int64
	for _, b := range buckets {
		n += int64(len(b))
	}
	return n
}
