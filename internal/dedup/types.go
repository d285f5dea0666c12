package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Identity is the (device, inode/file-index) pair of a physical file.
// Two entries with equal identity are the same data on disk.
type Identity struct {
	Device uint64 `json:"device"`
	Index  uint64 `json:"index"`
}

// Digest is the SHA-256 of a file's full content
type Digest [sha256.Size]byte

// String returns the digest as lowercase hex
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether the digest was never computed
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest decodes a hex digest produced by Digest.String
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	if len(b) != len(d) {
		return d, fmt.Errorf("invalid digest %q: expected %d bytes, got %d", s, len(d), len(b))
	}
	copy(d[:], b)
	return d, nil
}

// FileEntry is one regular file discovered during a scan.
// Size and Identity are snapshot values read once per scan; a file that
// changes mid-scan may produce stale results.
type FileEntry struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"` // zero when unknown; then only Size is rechecked
	Digest   Digest    `json:"-"`
	Identity Identity  `json:"identity"`

	// seq is the discovery order, used for the first-seen tie-break
	seq int
}

// DuplicateGroup is a set of distinct physical files with equal content.
// Files[0] is the master; every other entry gets relinked to it.
type DuplicateGroup struct {
	Size   int64        `json:"size"`
	Digest Digest       `json:"-"`
	Files  []*FileEntry `json:"files"`
}

// Master returns the file whose data is kept
func (g *DuplicateGroup) Master() *FileEntry {
	if len(g.Files) == 0 {
		return nil
	}
	return g.Files[0]
}

// Duplicates returns every non-master member
func (g *DuplicateGroup) Duplicates() []*FileEntry {
	if len(g.Files) < 2 {
		return nil
	}
	return g.Files[1:]
}

// Reclaimable returns size*(count-1)
func (g *DuplicateGroup) Reclaimable() int64 {
	if len(g.Files) < 2 {
		return 0
	}
	return g.Size * int64(len(g.Files)-1)
}

// ScanResult is the outcome of a completed scan
type ScanResult struct {
	Root             string            `json:"root"`
	Groups           []*DuplicateGroup `json:"groups"`
	FilesScanned     int64             `json:"files_scanned"`
	FilesHashed      int64             `json:"files_hashed"`
	Skipped          int64             `json:"skipped"`
	ReclaimableBytes int64             `json:"reclaimable_bytes"`
	FileCount        int64             `json:"file_count"` // files across all groups
	Protected        bool              `json:"protected"`
	StartedAt        time.Time         `json:"started_at"`
	Duration         time.Duration     `json:"duration"`
}

// summarize fills the derived aggregates from Groups
func (r *ScanResult) summarize() {
	r.ReclaimableBytes = 0
	r.FileCount = 0
	for _, g := range r.Groups {
		r.ReclaimableBytes += g.Reclaimable()
		r.FileCount += int64(len(g.Files))
	}
}

// FileStatus is the per-file result of a link attempt
type FileStatus string

const (
	// StatusLinked means the path now shares the master's data
	StatusLinked FileStatus = "linked"
	// StatusFailed means linking failed and the original file was restored
	StatusFailed FileStatus = "failed"
	// StatusRestoreFailed means linking failed and the original could not be
	// moved back; its data is under TempPath and needs manual recovery
	StatusRestoreFailed FileStatus = "restore_failed"
	// StatusCleanupFailed means the link was created but the temporary copy
	// of the old duplicate could not be removed
	StatusCleanupFailed FileStatus = "cleanup_failed"
	// StatusAlreadyLinked means the path already shared the master's data
	// and was left alone
	StatusAlreadyLinked FileStatus = "already_linked"
)

// Linked reports whether the path shares the master's data cleanly
func (s FileStatus) Linked() bool {
	return s == StatusLinked || s == StatusAlreadyLinked
}

// FileOutcome records what happened to one duplicate file
type FileOutcome struct {
	Path     string     `json:"path"`
	Master   string     `json:"master"`
	Status   FileStatus `json:"status"`
	Reason   string     `json:"reason,omitempty"`
	TempPath string     `json:"temp_path,omitempty"`
	Size     int64      `json:"size"`
}

// LinkOutcome accumulates the results of a link pass
type LinkOutcome struct {
	Files           []FileOutcome `json:"files"`
	Succeeded       int           `json:"succeeded"`
	AlreadyLinked   int           `json:"already_linked"`
	Failed          int           `json:"failed"`
	RestoreFailures int           `json:"restore_failures"`
	BytesReclaimed  int64         `json:"bytes_reclaimed"`
	GroupsProcessed int           `json:"groups_processed"`
	GroupsTotal     int           `json:"groups_total"`
	Cancelled       bool          `json:"cancelled"`
}

func (o *LinkOutcome) record(f FileOutcome) {
	o.Files = append(o.Files, f)
	switch f.Status {
	case StatusLinked:
		o.Succeeded++
		o.BytesReclaimed += f.Size
	case StatusAlreadyLinked:
		o.AlreadyLinked++
	case StatusRestoreFailed:
		o.Failed++
		o.RestoreFailures++
	default:
		o.Failed++
	}
}

// Failures returns every outcome that is not a clean link
func (o *LinkOutcome) Failures() []FileOutcome {
	var out []FileOutcome
	for _, f := range o.Files {
		if !f.Status.Linked() {
			out = append(out, f)
		}
	}
	return out
}

// Phase names a reporting stage
type Phase string

const (
	PhaseWalking      Phase = "walking"
	PhaseSizeGrouping Phase = "size_grouping"
	PhasePrefixCheck  Phase = "prefix_check"
	PhaseHashing      Phase = "hashing"
	PhaseIdentity     Phase = "identity_filtering"
	PhaseLinking      Phase = "linking"
)

// Progress is a (current, total) counter for one phase. Within a phase
// both values never decrease. During walking the total is not known in
// advance and equals the current tally.
type Progress struct {
	Phase   Phase `json:"phase"`
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

// ProgressFunc receives progress updates. It is called from the goroutine
// running the pass and must not block for long.
type ProgressFunc func(Progress)

func (f ProgressFunc) report(phase Phase, current, total int64) {
	if f != nil {
		f(Progress{Phase: phase, Current: current, Total: total})
	}
}

// State is a position in the scan or link state machine
type State int

const (
	StateIdle State = iota
	StateWalking
	StateSizeGrouping
	StateHashing
	StateIdentityFiltering
	StateDone
	StateCancelled
	StateFailed
	StateLinking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWalking:
		return "walking"
	case StateSizeGrouping:
		return "size_grouping"
	case StateHashing:
		return "hashing"
	case StateIdentityFiltering:
		return "identity_filtering"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	case StateLinking:
		return "linking"
	}
	return fmt.Sprintf("state(%d)", int(s))
}
