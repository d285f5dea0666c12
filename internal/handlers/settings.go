package handlers

import (
	"net/http"

	"github.com/lyallcooper/hardlinker/internal/db"
)

// settingsRequest is the body of PUT /api/settings. Omitted fields keep
// their current value.
type settingsRequest struct {
	ShowWelcome      *bool `json:"show_welcome"`
	ShowAdminWarning *bool `json:"show_admin_warning"`
	RetentionDays    *int  `json:"retention_days"`
}

func (h *Handler) defaultSettings() db.Settings {
	return db.Settings{
		ShowWelcome:      h.cfg.ShowWelcome,
		ShowAdminWarning: h.cfg.ShowAdminWarning,
		RetentionDays:    h.cfg.RetentionDays,
	}
}

// GetSettings handles GET /api/settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.db.LoadSettings(h.defaultSettings()))
}

// UpdateSettings handles PUT /api/settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s := h.db.LoadSettings(h.defaultSettings())
	if req.ShowWelcome != nil {
		s.ShowWelcome = *req.ShowWelcome
	}
	if req.ShowAdminWarning != nil {
		s.ShowAdminWarning = *req.ShowAdminWarning
	}
	if req.RetentionDays != nil {
		if *req.RetentionDays < 1 || *req.RetentionDays > 365 {
			h.writeError(w, http.StatusBadRequest, "retention_days must be between 1 and 365")
			return
		}
		s.RetentionDays = *req.RetentionDays
	}

	if err := h.db.SaveSettings(s); err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, s)
}
