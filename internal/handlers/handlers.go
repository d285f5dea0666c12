package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/lyallcooper/hardlinker/internal/config"
	"github.com/lyallcooper/hardlinker/internal/db"
	"github.com/lyallcooper/hardlinker/internal/dedup"
	"github.com/lyallcooper/hardlinker/internal/services"
)

// Handler holds all HTTP handlers
type Handler struct {
	db          *db.DB
	cfg         *config.Config
	scanner     *services.Scanner
	version     string
	disableCSRF bool
	csrf        *csrfManager
	log         *logrus.Entry
}

// New creates a new Handler
func New(database *db.DB, cfg *config.Config, scanner *services.Scanner, version string, log *logrus.Entry) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{
		db:          database,
		cfg:         cfg,
		scanner:     scanner,
		version:     version,
		disableCSRF: cfg.DisableCSRF,
		csrf:        newCSRFManager(),
		log:         log.WithField("component", "http"),
	}
}

// RegisterRoutes registers all HTTP routes
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/csrf", h.CSRFToken)
	mux.HandleFunc("GET /api/stats", h.Stats)
	mux.HandleFunc("GET /api/protected", h.Protected)
	mux.HandleFunc("POST /api/recover", h.protect(h.Recover))

	// Scans
	mux.HandleFunc("GET /api/scans", h.ListScans)
	mux.HandleFunc("POST /api/scans", h.protect(h.StartScan))
	mux.HandleFunc("GET /api/scans/{id}", h.GetScan)
	mux.HandleFunc("GET /api/scans/{id}/groups", h.ListGroups)
	mux.HandleFunc("POST /api/scans/{id}/groups/ignore", h.protect(h.IgnoreGroups))
	mux.HandleFunc("POST /api/scans/{id}/cancel", h.protect(h.CancelScan))
	mux.HandleFunc("POST /api/scans/{id}/link", h.protect(h.StartLink))
	mux.HandleFunc("GET /api/scans/{id}/events", h.ScanProgressSSE)

	// Link passes
	mux.HandleFunc("GET /api/actions", h.ListActions)
	mux.HandleFunc("GET /api/actions/{id}", h.GetAction)

	// Jobs
	mux.HandleFunc("GET /api/jobs", h.ListJobs)
	mux.HandleFunc("POST /api/jobs", h.protect(h.CreateJob))
	mux.HandleFunc("GET /api/jobs/{id}", h.GetJob)
	mux.HandleFunc("PUT /api/jobs/{id}", h.protect(h.UpdateJob))
	mux.HandleFunc("DELETE /api/jobs/{id}", h.protect(h.DeleteJob))
	mux.HandleFunc("POST /api/jobs/{id}/toggle", h.protect(h.ToggleJob))
	mux.HandleFunc("POST /api/jobs/{id}/run", h.protect(h.RunJob))

	// Settings
	mux.HandleFunc("GET /api/settings", h.GetSettings)
	mux.HandleFunc("PUT /api/settings", h.protect(h.UpdateSettings))
}

// apiError is the body of every error response
type apiError struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.WithError(err).Warn("failed to write response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, apiError{Error: msg})
}

// writeErr maps service errors onto status codes
func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	var scanErr *dedup.ScanError
	var fileErr *dedup.FileError
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, dedup.ErrBusy):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrNothingToLink), errors.Is(err, services.ErrRunNotLinkable):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &scanErr), errors.As(err, &fileErr):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.WithError(err).Error("request failed")
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads a JSON request body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// pathID parses the {id} path segment
func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

// pagination reads limit and offset query parameters
func pagination(r *http.Request, defLimit int) (limit, offset int) {
	limit, offset = defLimit, 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

// Health handles GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.version,
		"busy":    h.scanner.Busy(),
	})
}

// Formatting helpers

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

func formatCount(n int64) string {
	return humanize.Comma(n)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncateHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12] + "..."
	}
	return hash
}
