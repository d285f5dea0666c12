package handlers

import (
	"net/http"

	"github.com/lyallcooper/hardlinker/internal/db"
)

// actionView is a link pass with display fields
type actionView struct {
	*db.Action
	SavedHuman string `json:"saved_human"`
}

// ListActions handles GET /api/actions
func (h *Handler) ListActions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)

	actions, err := h.db.ListActions(limit, offset)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	views := make([]actionView, 0, len(actions))
	for _, a := range actions {
		views = append(views, actionView{Action: a, SavedHuman: formatBytes(a.BytesSaved)})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"actions": views})
}

// GetAction handles GET /api/actions/{id}. The response lists every file
// that did not end linked, including where stranded data was left.
func (h *Handler) GetAction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	action, err := h.db.GetAction(id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	failures, err := h.db.ListActionFailures(id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if failures == nil {
		failures = []*db.ActionFailure{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"action":   actionView{Action: action, SavedHuman: formatBytes(action.BytesSaved)},
		"failures": failures,
	})
}
