package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/lyallcooper/hardlinker/internal/db"
	"github.com/lyallcooper/hardlinker/internal/scheduler"
)

// jobView is a scheduled job with its most recent run
type jobView struct {
	*db.ScheduledJob
	NextRun string       `json:"next_run,omitempty"`
	LastRun *scanRunView `json:"last_run,omitempty"`
}

func (h *Handler) jobView(job *db.ScheduledJob) jobView {
	v := jobView{ScheduledJob: job, NextRun: formatTime(job.NextRunAt)}
	if run, err := h.db.GetLastRunForJob(job.ID); err == nil {
		rv := h.runView(run)
		v.LastRun = &rv
	}
	return v
}

// jobRequest is the body of POST and PUT /api/jobs
type jobRequest struct {
	Name           string `json:"name"`
	Root           string `json:"root"`
	CronExpression string `json:"cron_expression"`
	AutoLink       bool   `json:"auto_link"`
	Enabled        *bool  `json:"enabled"`
}

// apply validates req and copies it onto job
func (h *Handler) apply(req jobRequest, job *db.ScheduledJob) (int, string) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return http.StatusBadRequest, "name is required"
	}
	root, status, msg := h.validateRoot(req.Root)
	if status != 0 {
		return status, msg
	}
	expr := strings.TrimSpace(req.CronExpression)
	next, err := scheduler.NextRun(expr, time.Now())
	if err != nil {
		return http.StatusBadRequest, "invalid cron expression: " + err.Error()
	}

	job.Name = name
	job.Root = root
	job.CronExpression = expr
	job.AutoLink = req.AutoLink
	job.NextRunAt = &next
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	return 0, ""
}

// ListJobs handles GET /api/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.db.ListScheduledJobs()
	if err != nil {
		h.writeErr(w, err)
		return
	}

	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, h.jobView(job))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

// CreateJob handles POST /api/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job := &db.ScheduledJob{Enabled: true}
	if status, msg := h.apply(req, job); status != 0 {
		h.writeError(w, status, msg)
		return
	}

	created, err := h.db.CreateScheduledJob(job)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	h.log.WithField("job_id", created.ID).WithField("root", created.Root).Info("job created")
	h.writeJSON(w, http.StatusCreated, h.jobView(created))
}

// GetJob handles GET /api/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.jobView(job))
}

// UpdateJob handles PUT /api/jobs/{id}
func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	var req jobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if status, msg := h.apply(req, job); status != 0 {
		h.writeError(w, status, msg)
		return
	}

	if err := h.db.UpdateScheduledJob(job); err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.jobView(job))
}

// DeleteJob handles DELETE /api/jobs/{id}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	if err := h.db.DeleteScheduledJob(job.ID); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleJob handles POST /api/jobs/{id}/toggle
func (h *Handler) ToggleJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	job.Enabled = !job.Enabled
	if job.Enabled {
		// Resume from now rather than firing for missed occurrences
		next, err := scheduler.NextRun(job.CronExpression, time.Now())
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
			return
		}
		job.NextRunAt = &next
	}

	if err := h.db.UpdateScheduledJob(job); err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.jobView(job))
}

// RunJob handles POST /api/jobs/{id}/run. The scan starts now; the job's
// schedule and auto-link setting are left alone.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	run, err := h.scanner.StartScan(job.Root, &job.ID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, h.runView(run))
}

func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request) (*db.ScheduledJob, bool) {
	id, ok := pathID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid id")
		return nil, false
	}
	job, err := h.db.GetScheduledJob(id)
	if err != nil {
		h.writeErr(w, err)
		return nil, false
	}
	return job, true
}
