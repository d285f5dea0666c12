package handlers

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/lyallcooper/hardlinker/internal/config"
	"github.com/lyallcooper/hardlinker/internal/db"
)

// scanRunView is a scan run with display fields
type scanRunView struct {
	*db.ScanRun
	Active      bool   `json:"active"`
	WastedHuman string `json:"wasted_human"`
	FilesHuman  string `json:"files_human"`
	Completed   string `json:"completed,omitempty"`
}

func (h *Handler) runView(run *db.ScanRun) scanRunView {
	return scanRunView{
		ScanRun:     run,
		Active:      h.scanner.IsActive(run.ID),
		WastedHuman: formatBytes(run.WastedBytes),
		FilesHuman:  formatCount(run.FilesScanned),
		Completed:   formatTime(run.CompletedAt),
	}
}

// groupView is a duplicate group with display fields
type groupView struct {
	*db.DuplicateGroup
	SizeHuman   string `json:"size_human"`
	WastedHuman string `json:"wasted_human"`
	ShortHash   string `json:"short_hash"`
}

// scanRequest is the body of POST /api/scans
type scanRequest struct {
	Root string `json:"root"`
}

// linkRequest is the body of POST /api/scans/{id}/link
type linkRequest struct {
	GroupIDs         []int64 `json:"group_ids"`
	ConfirmProtected bool    `json:"confirm_protected"`
}

// ignoreRequest is the body of POST /api/scans/{id}/groups/ignore
type ignoreRequest struct {
	GroupIDs []int64 `json:"group_ids"`
}

// validateRoot normalizes a requested scan root
func (h *Handler) validateRoot(raw string) (string, int, string) {
	root := strings.TrimSpace(raw)
	if root == "" {
		return "", http.StatusBadRequest, "root is required"
	}
	root = config.ExpandPath(root)
	if !filepath.IsAbs(root) {
		return "", http.StatusBadRequest, "root must be an absolute path"
	}
	if !h.cfg.IsPathAllowed(root) {
		return "", http.StatusForbidden, "root is outside the allowed paths"
	}
	return root, 0, ""
}

// StartScan handles POST /api/scans
func (h *Handler) StartScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	root, status, msg := h.validateRoot(req.Root)
	if status != 0 {
		h.writeError(w, status, msg)
		return
	}

	run, err := h.scanner.StartScan(root, nil)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	h.log.WithField("run_id", run.ID).WithField("root", root).Info("scan requested")
	h.writeJSON(w, http.StatusAccepted, h.runView(run))
}

// ListScans handles GET /api/scans
func (h *Handler) ListScans(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)

	runs, err := h.db.ListScanRuns(limit, offset)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	views := make([]scanRunView, 0, len(runs))
	for _, run := range runs {
		views = append(views, h.runView(run))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"scans": views})
}

// GetScan handles GET /api/scans/{id}
func (h *Handler) GetScan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	run, err := h.db.GetScanRun(id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.runView(run))
}

// ListGroups handles GET /api/scans/{id}/groups
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if _, err := h.db.GetScanRun(id); err != nil {
		h.writeErr(w, err)
		return
	}

	q := r.URL.Query()
	limit, offset := pagination(r, 100)
	query := db.DuplicateGroupQuery{
		ScanRunID: id,
		Status:    q.Get("status"),
		SortBy:    q.Get("sort"),
		SortOrder: q.Get("order"),
		Limit:     limit,
		Offset:    offset,
	}

	groups, err := h.db.ListDuplicateGroupsPaginated(query)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	total, err := h.db.CountDuplicateGroups(id, query.Status)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	views := make([]groupView, 0, len(groups))
	for _, g := range groups {
		views = append(views, groupView{
			DuplicateGroup: g,
			SizeHuman:      formatBytes(g.FileSize),
			WastedHuman:    formatBytes(g.WastedBytes),
			ShortHash:      truncateHash(g.FileHash),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"groups": views, "total": total})
}

// IgnoreGroups handles POST /api/scans/{id}/groups/ignore
func (h *Handler) IgnoreGroups(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	var req ignoreRequest
	if err := decodeJSON(w, r, &req); err != nil || len(req.GroupIDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "group_ids is required")
		return
	}

	var ids []int64
	for _, gid := range req.GroupIDs {
		g, err := h.db.GetDuplicateGroup(gid)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			h.writeErr(w, err)
			return
		}
		if g.ScanRunID == id && g.Status == db.DuplicateGroupStatusPending {
			ids = append(ids, gid)
		}
	}

	if err := h.db.UpdateDuplicateGroupStatus(ids, db.DuplicateGroupStatusIgnored); err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"ignored": len(ids)})
}

// CancelScan handles POST /api/scans/{id}/cancel. It cancels whichever
// pass, scan or link, is running over the run.
func (h *Handler) CancelScan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	if !h.scanner.CancelScan(id) {
		h.writeError(w, http.StatusConflict, "no active pass for this scan")
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]bool{"cancelled": true})
}

// StartLink handles POST /api/scans/{id}/link
func (h *Handler) StartLink(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	var req linkRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	run, err := h.db.GetScanRun(id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if run.Protected && !req.ConfirmProtected {
		h.writeError(w, http.StatusPreconditionRequired,
			"root is a protected system location; set confirm_protected to link")
		return
	}

	action, err := h.scanner.StartLink(id, req.GroupIDs)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	h.log.WithField("run_id", id).WithField("action_id", action.ID).Info("link pass requested")
	h.writeJSON(w, http.StatusAccepted, action)
}
