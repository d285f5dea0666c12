package db

import (
	"time"
)

// ScanRunStatus represents the status of a scan run
type ScanRunStatus string

const (
	ScanRunStatusRunning   ScanRunStatus = "running"
	ScanRunStatusCompleted ScanRunStatus = "completed"
	ScanRunStatusFailed    ScanRunStatus = "failed"
	ScanRunStatusCancelled ScanRunStatus = "cancelled"
)

// ScanRun represents a single execution of a scan over one root
type ScanRun struct {
	ID              int64         `json:"id"`
	ScheduledJobID  *int64        `json:"scheduled_job_id,omitempty"`
	Root            string        `json:"root"`
	Protected       bool          `json:"protected"` // root is a system location
	Status          ScanRunStatus `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	FilesScanned    int64         `json:"files_scanned"`
	FilesHashed     int64         `json:"files_hashed"`
	FilesSkipped    int64         `json:"files_skipped"`
	DuplicateGroups int64         `json:"duplicate_groups"`
	DuplicateFiles  int64         `json:"duplicate_files"`
	WastedBytes     int64         `json:"wasted_bytes"`
	ErrorMessage    *string       `json:"error_message,omitempty"`
}

// ScanRunTotals are the counters recorded when a scan finishes
type ScanRunTotals struct {
	FilesScanned    int64
	FilesHashed     int64
	FilesSkipped    int64
	DuplicateGroups int64
	DuplicateFiles  int64
	WastedBytes     int64
}

// DuplicateGroupStatus represents the status of a duplicate group
type DuplicateGroupStatus string

const (
	DuplicateGroupStatusPending   DuplicateGroupStatus = "pending"
	DuplicateGroupStatusProcessed DuplicateGroupStatus = "processed"
	DuplicateGroupStatusPartial   DuplicateGroupStatus = "partial" // some members failed to link
	DuplicateGroupStatusIgnored   DuplicateGroupStatus = "ignored"
)

// DuplicateGroup represents a group of identical files. Files[0] is the
// master every other member is linked to.
type DuplicateGroup struct {
	ID          int64                `json:"id"`
	ScanRunID   int64                `json:"scan_run_id"`
	Position    int                  `json:"position"` // discovery order within the run
	FileHash    string               `json:"file_hash"`
	FileSize    int64                `json:"file_size"`
	FileCount   int                  `json:"file_count"`
	WastedBytes int64                `json:"wasted_bytes"` // (count-1) * size
	Status      DuplicateGroupStatus `json:"status"`
	Files       []string             `json:"files"`
	FileTimes   []int64              `json:"-"` // scan-time mtimes (unix nanos), parallel to Files
}

// ActionStatus represents the status of an action
type ActionStatus string

const (
	ActionStatusRunning   ActionStatus = "running"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusCancelled ActionStatus = "cancelled"
	ActionStatusFailed    ActionStatus = "failed"
)

// ActionType represents the type of deduplication action
type ActionType string

const (
	ActionTypeHardlink ActionType = "hardlink"
)

// Action is one link pass over the groups of a scan run
type Action struct {
	ID              int64        `json:"id"`
	ScanRunID       int64        `json:"scan_run_id"`
	ActionType      ActionType   `json:"action_type"`
	GroupsTotal     int          `json:"groups_total"`
	GroupsProcessed int          `json:"groups_processed"`
	FilesLinked     int          `json:"files_linked"`
	FilesFailed     int          `json:"files_failed"`
	RestoreFailures int          `json:"restore_failures"`
	BytesSaved      int64        `json:"bytes_saved"`
	Cancelled       bool         `json:"cancelled"`
	StartedAt       time.Time    `json:"started_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	Status          ActionStatus `json:"status"`
	ErrorMessage    *string      `json:"error_message,omitempty"`
}

// ActionTotals are the counters recorded when a link pass finishes
type ActionTotals struct {
	GroupsProcessed int
	FilesLinked     int
	FilesFailed     int
	RestoreFailures int
	BytesSaved      int64
	Cancelled       bool
}

// ActionFailure is one file of a link pass that did not end linked
type ActionFailure struct {
	ID       int64   `json:"id"`
	ActionID int64   `json:"action_id"`
	Path     string  `json:"path"`
	Master   string  `json:"master"`
	Status   string  `json:"status"`
	Reason   string  `json:"reason"`
	TempPath *string `json:"temp_path,omitempty"` // where original data was left, if anywhere
}

// ScheduledJob represents a cron job for automatic scans of one root
type ScheduledJob struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Root           string     `json:"root"`
	CronExpression string     `json:"cron_expression"`
	AutoLink       bool       `json:"auto_link"` // link the results after the scan
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Settings are the stored user preferences
type Settings struct {
	ShowWelcome      bool `json:"show_welcome"`
	ShowAdminWarning bool `json:"show_admin_warning"`
	RetentionDays    int  `json:"retention_days"`
}
