package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lyallcooper/hardlinker/internal/types"
)

// progressData is sent via SSE during a pass
type progressData struct {
	*types.ScanProgress
	WastedHuman string `json:"wasted_human,omitempty"`
}

// ScanProgressSSE handles SSE connections for the passes over a scan run
func (h *Handler) ScanProgressSSE(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	run, err := h.db.GetScanRun(runID)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Subscribe before reporting the stored state so no update is missed
	updates := h.scanner.Subscribe(runID)
	defer h.scanner.Unsubscribe(runID, updates)

	active := h.scanner.IsActive(runID)
	status := string(run.Status)
	if active && status != types.StatusRunning {
		// a link pass over a finished scan
		status = types.StatusRunning
	}
	h.sendProgress(w, flusher, &types.ScanProgress{
		Kind:         types.KindScan,
		Status:       status,
		FilesScanned: run.FilesScanned,
		GroupsFound:  run.DuplicateGroups,
		WastedBytes:  run.WastedBytes,
	})
	if !active {
		h.sendEvent(w, flusher, "complete", fmt.Sprintf(`{"status":%q}`, run.Status))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case update, ok := <-updates:
			if !ok {
				h.sendEvent(w, flusher, "complete", `{"status":"closed"}`)
				return
			}
			h.sendProgress(w, flusher, update)
			if update.Done() {
				h.sendEvent(w, flusher, "complete", fmt.Sprintf(`{"status":%q}`, update.Status))
				return
			}
		}
	}
}

func (h *Handler) sendProgress(w http.ResponseWriter, flusher http.Flusher, progress *types.ScanProgress) {
	data := progressData{ScanProgress: progress}
	if progress.WastedBytes > 0 {
		data.WastedHuman = formatBytes(progress.WastedBytes)
	}

	jsonData, _ := json.Marshal(data)
	h.sendEvent(w, flusher, "progress", string(jsonData))
}

func (h *Handler) sendEvent(w http.ResponseWriter, flusher http.Flusher, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
