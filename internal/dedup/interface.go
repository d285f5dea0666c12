package dedup

import "context"

// EngineInterface defines the operations callers drive.
// This allows mocking the engine in tests.
type EngineInterface interface {
	// Scan finds duplicate groups under root
	Scan(ctx context.Context, root string, onProgress ProgressFunc) (*ScanResult, error)

	// LinkGroups replaces duplicates with hardlinks to each group's master
	LinkGroups(ctx context.Context, groups []*DuplicateGroup, onProgress ProgressFunc) (*LinkOutcome, error)

	// IsProtected reports whether root is a system location
	IsProtected(root string) bool

	// Busy reports whether a pass is running
	Busy() bool
}

// Ensure Engine implements EngineInterface
var _ EngineInterface = (*Engine)(nil)
