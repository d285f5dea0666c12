package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/lyallcooper/hardlinker/internal/config"
)

// Stats handles GET /api/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	totalSaved, pendingGroups, recentScans, err := h.db.GetDashboardStats()
	if err != nil {
		h.writeErr(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"total_saved":       totalSaved,
		"total_saved_human": formatBytes(totalSaved),
		"pending_groups":    pendingGroups,
		"recent_scans":      recentScans,
		"busy":              h.scanner.Busy(),
	})
}

// Protected handles GET /api/protected?path=. Callers use it to ask for
// confirmation before scanning or linking a system location.
func (h *Handler) Protected(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		h.writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	path = config.ExpandPath(path)

	h.writeJSON(w, http.StatusOK, map[string]any{
		"path":      path,
		"protected": h.scanner.IsProtected(path),
	})
}

// recoverRequest is the body of POST /api/recover
type recoverRequest struct {
	Root string `json:"root"`
}

// Recover handles POST /api/recover
func (h *Handler) Recover(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	root, status, msg := h.validateRoot(req.Root)
	if status != 0 {
		h.writeError(w, status, msg)
		return
	}

	res, err := h.scanner.Recover(r.Context(), root)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}
