package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ScanRun queries

const scanRunColumns = `id, scheduled_job_id, root, protected, status, started_at, completed_at,
	files_scanned, files_hashed, files_skipped, duplicate_groups, duplicate_files, wasted_bytes, error_message`

// CreateScanRun creates a new running scan run
func (db *DB) CreateScanRun(root string, protected bool, jobID *int64) (*ScanRun, error) {
	result, err := db.Exec(`
		INSERT INTO scan_runs (scheduled_job_id, root, protected, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		jobID, root, protected, ScanRunStatusRunning, time.Now().UTC(),
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return db.GetScanRun(id)
}

// GetScanRun retrieves a scan run by ID
func (db *DB) GetScanRun(id int64) (*ScanRun, error) {
	row := db.QueryRow(`SELECT `+scanRunColumns+` FROM scan_runs WHERE id = ?`, id)
	r, err := scanScanRun(row)
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

// ListScanRuns returns scan runs, newest first
func (db *DB) ListScanRuns(limit, offset int) ([]*ScanRun, error) {
	rows, err := db.Query(`SELECT `+scanRunColumns+`
		FROM scan_runs ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ScanRun
	for rows.Next() {
		r, err := scanScanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetLastRunForJob returns the most recent scan run for a scheduled job
func (db *DB) GetLastRunForJob(jobID int64) (*ScanRun, error) {
	row := db.QueryRow(`SELECT `+scanRunColumns+`
		FROM scan_runs WHERE scheduled_job_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`, jobID)
	r, err := scanScanRun(row)
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

// UpdateScanRunTotals records the counters of a finished scan
func (db *DB) UpdateScanRunTotals(id int64, t ScanRunTotals) error {
	_, err := db.Exec(`
		UPDATE scan_runs SET
			files_scanned = ?, files_hashed = ?, files_skipped = ?,
			duplicate_groups = ?, duplicate_files = ?, wasted_bytes = ?
		WHERE id = ?`,
		t.FilesScanned, t.FilesHashed, t.FilesSkipped,
		t.DuplicateGroups, t.DuplicateFiles, t.WastedBytes, id,
	)
	return err
}

// CompleteScanRun marks a scan run as finished with status
func (db *DB) CompleteScanRun(id int64, status ScanRunStatus, errorMsg *string) error {
	_, err := db.Exec(`
		UPDATE scan_runs SET status = ?, completed_at = ?, error_message = ?
		WHERE id = ?`,
		status, time.Now().UTC(), errorMsg, id,
	)
	return err
}

// FailInterruptedRuns marks runs and actions left running by a previous
// process as failed
func (db *DB) FailInterruptedRuns() (int64, error) {
	msg := "interrupted by restart"
	res, err := db.Exec(`
		UPDATE scan_runs SET status = ?, completed_at = ?, error_message = ?
		WHERE status = ?`,
		ScanRunStatusFailed, time.Now().UTC(), msg, ScanRunStatusRunning,
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()

	if _, err := db.Exec(`
		UPDATE actions SET status = ?, completed_at = ?, error_message = ?
		WHERE status = ?`,
		ActionStatusFailed, time.Now().UTC(), msg, ActionStatusRunning,
	); err != nil {
		return n, err
	}
	return n, nil
}

func scanScanRun(row rowScanner) (*ScanRun, error) {
	var r ScanRun
	var jobID sql.NullInt64
	var completedAt sql.NullTime
	var errorMsg sql.NullString

	err := row.Scan(&r.ID, &jobID, &r.Root, &r.Protected, &r.Status, &r.StartedAt, &completedAt,
		&r.FilesScanned, &r.FilesHashed, &r.FilesSkipped, &r.DuplicateGroups, &r.DuplicateFiles,
		&r.WastedBytes, &errorMsg)
	if err != nil {
		return nil, err
	}

	r.ScheduledJobID = int64Ptr(jobID)
	r.CompletedAt = timePtr(completedAt)
	r.ErrorMessage = stringPtr(errorMsg)
	return &r, nil
}

// DuplicateGroup queries

const groupColumns = `id, scan_run_id, position, file_hash, file_size, file_count, wasted_bytes, status, files, file_times`

// CreateDuplicateGroup creates a new duplicate group
func (db *DB) CreateDuplicateGroup(g *DuplicateGroup) (*DuplicateGroup, error) {
	filesJSON, timesJSON, err := groupJSON(g)
	if err != nil {
		return nil, err
	}
	if g.Status == "" {
		g.Status = DuplicateGroupStatusPending
	}

	result, err := db.Exec(`
		INSERT INTO duplicate_groups (scan_run_id, position, file_hash, file_size, file_count, wasted_bytes, status, files, file_times)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ScanRunID, g.Position, g.FileHash, g.FileSize, g.FileCount, g.WastedBytes, g.Status, filesJSON, timesJSON,
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	g.ID = id
	return g, nil
}

// CreateDuplicateGroups stores all groups of a run in one transaction
func (db *DB) CreateDuplicateGroups(groups []*DuplicateGroup) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO duplicate_groups (scan_run_id, position, file_hash, file_size, file_count, wasted_bytes, status, files, file_times)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, g := range groups {
		filesJSON, timesJSON, err := groupJSON(g)
		if err != nil {
			tx.Rollback()
			return err
		}
		if g.Status == "" {
			g.Status = DuplicateGroupStatusPending
		}
		res, err := stmt.Exec(g.ScanRunID, g.Position, g.FileHash, g.FileSize, g.FileCount, g.WastedBytes, g.Status, filesJSON, timesJSON)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to store group %s: %w", g.FileHash, err)
		}
		if g.ID, err = res.LastInsertId(); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func groupJSON(g *DuplicateGroup) (files, times string, err error) {
	fb, err := json.Marshal(g.Files)
	if err != nil {
		return "", "", err
	}
	if g.FileTimes == nil {
		return string(fb), "[]", nil
	}
	tb, err := json.Marshal(g.FileTimes)
	if err != nil {
		return "", "", err
	}
	return string(fb), string(tb), nil
}

// GetDuplicateGroup retrieves a duplicate group by ID
func (db *DB) GetDuplicateGroup(id int64) (*DuplicateGroup, error) {
	row := db.QueryRow(`SELECT `+groupColumns+` FROM duplicate_groups WHERE id = ?`, id)
	g, err := scanDuplicateGroup(row)
	if err != nil {
		return nil, notFound(err)
	}
	return g, nil
}

// DuplicateGroupQuery holds query parameters for listing duplicate groups
type DuplicateGroupQuery struct {
	ScanRunID int64
	Status    string // filter by status (empty = all)
	SortBy    string // "position", "wasted", "size", "count", "hash", "status"
	SortOrder string // "asc" or "desc"
	Limit     int
	Offset    int
}

// ListDuplicateGroups returns all groups of a run in discovery order
func (db *DB) ListDuplicateGroups(scanRunID int64, status string) ([]*DuplicateGroup, error) {
	return db.ListDuplicateGroupsPaginated(DuplicateGroupQuery{
		ScanRunID: scanRunID,
		Status:    status,
		SortBy:    "position",
		SortOrder: "asc",
	})
}

// ListDuplicateGroupsPaginated returns duplicate groups with sorting and pagination
func (db *DB) ListDuplicateGroupsPaginated(q DuplicateGroupQuery) ([]*DuplicateGroup, error) {
	query := `SELECT ` + groupColumns + ` FROM duplicate_groups WHERE scan_run_id = ?`
	args := []any{q.ScanRunID}

	if q.Status != "" {
		query += " AND status = ?"
		args = append(args, q.Status)
	}

	sortCol := "wasted_bytes"
	switch q.SortBy {
	case "position":
		sortCol = "position"
	case "size":
		sortCol = "file_size"
	case "count":
		sortCol = "file_count"
	case "hash":
		sortCol = "file_hash"
	case "status":
		sortCol = "status"
	}

	sortOrder := "DESC"
	if q.SortOrder == "asc" {
		sortOrder = "ASC"
	}

	query += " ORDER BY " + sortCol + " " + sortOrder + ", position ASC"

	if q.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, q.Limit, q.Offset)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*DuplicateGroup
	for rows.Next() {
		g, err := scanDuplicateGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// CountDuplicateGroups returns the total count of duplicate groups for a scan run
func (db *DB) CountDuplicateGroups(scanRunID int64, status string) (int, error) {
	query := "SELECT COUNT(*) FROM duplicate_groups WHERE scan_run_id = ?"
	args := []any{scanRunID}

	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}

	var count int
	err := db.QueryRow(query, args...).Scan(&count)
	return count, err
}

// maxGroupUpdate bounds the ids bound to one UPDATE, well under SQLite's
// variable limit
const maxGroupUpdate = 500

// UpdateDuplicateGroupStatus updates the status of duplicate groups
func (db *DB) UpdateDuplicateGroupStatus(ids []int64, status DuplicateGroupStatus) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	for start := 0; start < len(ids); start += maxGroupUpdate {
		batch := ids[start:min(start+maxGroupUpdate, len(ids))]
		query := "UPDATE duplicate_groups SET status = ? WHERE id IN (?" + strings.Repeat(",?", len(batch)-1) + ")"
		args := make([]any, len(batch)+1)
		args[0] = status
		for i, id := range batch {
			args[i+1] = id
		}
		if _, err := tx.Exec(query, args...); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func scanDuplicateGroup(row rowScanner) (*DuplicateGroup, error) {
	var g DuplicateGroup
	var filesJSON, timesJSON string

	err := row.Scan(&g.ID, &g.ScanRunID, &g.Position, &g.FileHash, &g.FileSize, &g.FileCount,
		&g.WastedBytes, &g.Status, &filesJSON, &timesJSON)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(filesJSON), &g.Files); err != nil {
		return nil, fmt.Errorf("group %d has malformed file list: %w", g.ID, err)
	}
	if err := json.Unmarshal([]byte(timesJSON), &g.FileTimes); err != nil {
		return nil, fmt.Errorf("group %d has malformed file times: %w", g.ID, err)
	}
	return &g, nil
}

// Action queries

const actionColumns = `id, scan_run_id, action_type, groups_total, groups_processed, files_linked,
	files_failed, restore_failures, bytes_saved, cancelled, started_at, completed_at, status, error_message`

// CreateAction creates a new running action
func (db *DB) CreateAction(a *Action) (*Action, error) {
	if a.ActionType == "" {
		a.ActionType = ActionTypeHardlink
	}
	result, err := db.Exec(`
		INSERT INTO actions (scan_run_id, action_type, groups_total, started_at, status)
		VALUES (?, ?, ?, ?, ?)`,
		a.ScanRunID, a.ActionType, a.GroupsTotal, time.Now().UTC(), ActionStatusRunning,
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return db.GetAction(id)
}

// GetAction retrieves an action by ID
func (db *DB) GetAction(id int64) (*Action, error) {
	row := db.QueryRow(`SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

// ListActions returns actions, newest first
func (db *DB) ListActions(limit, offset int) ([]*Action, error) {
	rows, err := db.Query(`SELECT `+actionColumns+`
		FROM actions ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// CompleteAction records the totals of a finished link pass
func (db *DB) CompleteAction(id int64, t ActionTotals, status ActionStatus, errorMsg *string) error {
	_, err := db.Exec(`
		UPDATE actions SET
			groups_processed = ?, files_linked = ?, files_failed = ?, restore_failures = ?,
			bytes_saved = ?, cancelled = ?, completed_at = ?, status = ?, error_message = ?
		WHERE id = ?`,
		t.GroupsProcessed, t.FilesLinked, t.FilesFailed, t.RestoreFailures,
		t.BytesSaved, t.Cancelled, time.Now().UTC(), status, errorMsg, id,
	)
	return err
}

// AddActionFailures stores the non-linked outcomes of a pass
func (db *DB) AddActionFailures(actionID int64, failures []*ActionFailure) error {
	if len(failures) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	for _, f := range failures {
		f.ActionID = actionID
		res, err := tx.Exec(`
			INSERT INTO action_failures (action_id, path, master, status, reason, temp_path)
			VALUES (?, ?, ?, ?, ?, ?)`,
			actionID, f.Path, f.Master, f.Status, f.Reason, f.TempPath,
		)
		if err != nil {
			tx.Rollback()
			return err
		}
		f.ID, _ = res.LastInsertId()
	}
	return tx.Commit()
}

// ListActionFailures returns the failures of one action
func (db *DB) ListActionFailures(actionID int64) ([]*ActionFailure, error) {
	rows, err := db.Query(`
		SELECT id, action_id, path, master, status, reason, temp_path
		FROM action_failures WHERE action_id = ? ORDER BY id`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ActionFailure
	for rows.Next() {
		var f ActionFailure
		var tmp sql.NullString
		if err := rows.Scan(&f.ID, &f.ActionID, &f.Path, &f.Master, &f.Status, &f.Reason, &tmp); err != nil {
			return nil, err
		}
		f.TempPath = stringPtr(tmp)
		out = append(out, &f)
	}
	return out, rows.Err()
}

func scanAction(row rowScanner) (*Action, error) {
	var a Action
	var completedAt sql.NullTime
	var errorMsg sql.NullString

	err := row.Scan(&a.ID, &a.ScanRunID, &a.ActionType, &a.GroupsTotal, &a.GroupsProcessed, &a.FilesLinked,
		&a.FilesFailed, &a.RestoreFailures, &a.BytesSaved, &a.Cancelled, &a.StartedAt, &completedAt,
		&a.Status, &errorMsg)
	if err != nil {
		return nil, err
	}

	a.CompletedAt = timePtr(completedAt)
	a.ErrorMessage = stringPtr(errorMsg)
	return &a, nil
}

// Stats queries

// GetDashboardStats returns aggregate statistics
func (db *DB) GetDashboardStats() (totalSaved int64, pendingGroups int, recentScans int, err error) {
	row := db.QueryRow("SELECT COALESCE(SUM(bytes_saved), 0) FROM actions WHERE status IN ('completed', 'cancelled')")
	if err = row.Scan(&totalSaved); err != nil {
		return
	}

	row = db.QueryRow("SELECT COUNT(*) FROM duplicate_groups WHERE status = 'pending'")
	if err = row.Scan(&pendingGroups); err != nil {
		return
	}

	row = db.QueryRow("SELECT COUNT(*) FROM scan_runs WHERE started_at > ?", time.Now().UTC().Add(-24*time.Hour))
	err = row.Scan(&recentScans)
	return
}

// CleanupOldData removes data older than the retention period
func (db *DB) CleanupOldData(retentionDays int) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmts := []string{
		`DELETE FROM duplicate_groups WHERE scan_run_id IN (
			SELECT id FROM scan_runs WHERE completed_at < ? AND status != 'running')`,
		`DELETE FROM action_failures WHERE action_id IN (
			SELECT id FROM actions WHERE completed_at < ? AND status != 'running')`,
		`DELETE FROM actions WHERE completed_at < ? AND status != 'running'`,
		`DELETE FROM scan_runs WHERE completed_at < ? AND status != 'running'`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s, cutoff); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
