package handlers

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lyallcooper/hardlinker/internal/config"
	"github.com/lyallcooper/hardlinker/internal/db"
	"github.com/lyallcooper/hardlinker/internal/dedup"
)

type runBody struct {
	ID          int64  `json:"id"`
	Root        string `json:"root"`
	Status      string `json:"status"`
	Protected   bool   `json:"protected"`
	Active      bool   `json:"active"`
	WastedBytes int64  `json:"wasted_bytes"`
	WastedHuman string `json:"wasted_human"`
	FilesHuman  string `json:"files_human"`
	JobID       *int64 `json:"scheduled_job_id"`
}

func TestStartScanValidation(t *testing.T) {
	allowed := t.TempDir()
	outside := t.TempDir()

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"invalid json", "{", http.StatusBadRequest},
		{"unknown field", `{"path": "/x"}`, http.StatusBadRequest},
		{"empty root", map[string]string{"root": "  "}, http.StatusBadRequest},
		{"relative root", map[string]string{"root": "data/files"}, http.StatusBadRequest},
		{"outside allowed paths", map[string]string{"root": outside}, http.StatusForbidden},
		{"allowed", map[string]string{"root": filepath.Join(allowed, "sub")}, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &mockEngine{}, func(c *config.Config) {
				c.AllowedPaths = []string{allowed}
			})
			rec := env.do(t, http.MethodPost, "/api/scans", tt.body)
			expectStatus(t, rec, tt.wantStatus)
			waitIdle(t, env.h.scanner)
		})
	}
}

func TestStartScanAndGet(t *testing.T) {
	env := newTestEnv(t, &mockEngine{result: sampleResult()}, nil)
	root := t.TempDir()

	rec := env.do(t, http.MethodPost, "/api/scans", map[string]string{"root": root})
	expectStatus(t, rec, http.StatusAccepted)

	var started runBody
	decode(t, rec, &started)
	if started.ID == 0 || started.Root != root || started.Status != string(db.ScanRunStatusRunning) {
		t.Errorf("started = %+v", started)
	}
	waitIdle(t, env.h.scanner)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/scans/%d", started.ID), nil)
	expectStatus(t, rec, http.StatusOK)
	var got runBody
	decode(t, rec, &got)
	if got.Status != string(db.ScanRunStatusCompleted) || got.Active {
		t.Errorf("run = %+v, want completed and inactive", got)
	}
	if got.WastedBytes != 250 || got.WastedHuman != "250 B" || got.FilesHuman != "10" {
		t.Errorf("display fields = %+v", got)
	}

	rec = env.do(t, http.MethodGet, "/api/scans", nil)
	expectStatus(t, rec, http.StatusOK)
	var list struct {
		Scans []runBody `json:"scans"`
	}
	decode(t, rec, &list)
	if len(list.Scans) != 1 {
		t.Errorf("expected 1 scan, got %d", len(list.Scans))
	}
}

func TestGetScanErrors(t *testing.T) {
	env := newTestEnv(t, &mockEngine{}, nil)

	expectStatus(t, env.do(t, http.MethodGet, "/api/scans/abc", nil), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodGet, "/api/scans/999", nil), http.StatusNotFound)
	expectStatus(t, env.do(t, http.MethodGet, "/api/scans/999/groups", nil), http.StatusNotFound)
}

func TestStartScanBusy(t *testing.T) {
	env := newTestEnv(t, &mockEngine{busy: true}, nil)

	rec := env.do(t, http.MethodPost, "/api/scans", map[string]string{"root": t.TempDir()})
	expectStatus(t, rec, http.StatusConflict)
}

func TestListGroups(t *testing.T) {
	env := newTestEnv(t, &mockEngine{result: sampleResult()}, nil)
	run := env.completedRun(t)

	rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/scans/%d/groups?sort=wasted&order=asc&limit=1", run.ID), nil)
	expectStatus(t, rec, http.StatusOK)

	var body struct {
		Groups []struct {
			ID          int64    `json:"id"`
			Files       []string `json:"files"`
			WastedBytes int64    `json:"wasted_bytes"`
			WastedHuman string   `json:"wasted_human"`
			SizeHuman   string   `json:"size_human"`
			ShortHash   string   `json:"short_hash"`
		} `json:"groups"`
		Total int `json:"total"`
	}
	decode(t, rec, &body)
	if body.Total != 2 || len(body.Groups) != 1 {
		t.Fatalf("total/page = %d/%d, want 2/1", body.Total, len(body.Groups))
	}
	g := body.Groups[0]
	if g.WastedBytes != 50 || g.WastedHuman != "50 B" || g.SizeHuman != "50 B" {
		t.Errorf("group = %+v, want the 50 byte group", g)
	}
	if g.Files[0] != "/data/b1" {
		t.Errorf("master = %s, want /data/b1", g.Files[0])
	}
	if !strings.HasSuffix(g.ShortHash, "...") {
		t.Errorf("ShortHash = %q, want truncated", g.ShortHash)
	}
}

func TestStartLink(t *testing.T) {
	env := newTestEnv(t, &mockEngine{result: sampleResult()}, nil)
	run := env.completedRun(t)

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/scans/%d/link", run.ID), nil)
	expectStatus(t, rec, http.StatusAccepted)

	var action struct {
		ID          int64 `json:"id"`
		GroupsTotal int   `json:"groups_total"`
	}
	decode(t, rec, &action)
	if action.GroupsTotal != 2 {
		t.Errorf("GroupsTotal = %d, want 2", action.GroupsTotal)
	}
	waitIdle(t, env.h.scanner)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/actions/%d", action.ID), nil)
	expectStatus(t, rec, http.StatusOK)
	var detail struct {
		Action struct {
			Status      string `json:"status"`
			FilesLinked int    `json:"files_linked"`
			SavedHuman  string `json:"saved_human"`
		} `json:"action"`
		Failures []any `json:"failures"`
	}
	decode(t, rec, &detail)
	if detail.Action.Status != string(db.ActionStatusCompleted) || detail.Action.FilesLinked != 3 {
		t.Errorf("action = %+v", detail.Action)
	}
	if detail.Action.SavedHuman != "250 B" {
		t.Errorf("SavedHuman = %q, want 250 B", detail.Action.SavedHuman)
	}
	if detail.Failures == nil || len(detail.Failures) != 0 {
		t.Errorf("failures = %v, want empty list", detail.Failures)
	}

	// Everything is linked now
	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/scans/%d/link", run.ID), map[string]any{})
	expectStatus(t, rec, http.StatusConflict)

	rec = env.do(t, http.MethodGet, "/api/actions", nil)
	expectStatus(t, rec, http.StatusOK)
	var list struct {
		Actions []any `json:"actions"`
	}
	decode(t, rec, &list)
	if len(list.Actions) != 1 {
		t.Errorf("expected 1 action, got %d", len(list.Actions))
	}
}

func TestStartLinkProtectedNeedsConfirmation(t *testing.T) {
	env := newTestEnv(t, &mockEngine{result: sampleResult(), protected: true}, nil)
	run := env.completedRun(t)
	path := fmt.Sprintf("/api/scans/%d/link", run.ID)

	rec := env.do(t, http.MethodPost, path, map[string]any{})
	expectStatus(t, rec, http.StatusPreconditionRequired)
	if env.engine.linkedGroups() != 0 {
		t.Error("nothing should be linked without confirmation")
	}

	rec = env.do(t, http.MethodPost, path, map[string]any{"confirm_protected": true})
	expectStatus(t, rec, http.StatusAccepted)
	waitIdle(t, env.h.scanner)
	if env.engine.linkedGroups() != 2 {
		t.Errorf("linked groups = %d, want 2", env.engine.linkedGroups())
	}
}

func TestStartLinkRunningScan(t *testing.T) {
	env := newTestEnv(t, &mockEngine{}, nil)
	run, _ := env.db.CreateScanRun("/data", false, nil)

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/scans/%d/link", run.ID), nil)
	expectStatus(t, rec, http.StatusConflict)
}

func TestIgnoreGroups(t *testing.T) {
	env := newTestEnv(t, &mockEngine{result: sampleResult()}, nil)
	run := env.completedRun(t)
	groups, _ := env.db.ListDuplicateGroups(run.ID, "")

	expectStatus(t, env.do(t, http.MethodPost, fmt.Sprintf("/api/scans/%d/groups/ignore", run.ID), map[string]any{}), http.StatusBadRequest)

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/scans/%d/groups/ignore", run.ID),
		map[string]any{"group_ids": []int64{groups[0].ID, 9999}})
	expectStatus(t, rec, http.StatusOK)
	var body struct {
		Ignored int `json:"ignored"`
	}
	decode(t, rec, &body)
	if body.Ignored != 1 {
		t.Errorf("ignored = %d, want 1", body.Ignored)
	}

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/scans/%d/link", run.ID), nil)
	expectStatus(t, rec, http.StatusAccepted)
	waitIdle(t, env.h.scanner)

	if env.engine.linkedGroups() != 1 {
		t.Errorf("linked groups = %d, want 1", env.engine.linkedGroups())
	}
	ignored, _ := env.db.GetDuplicateGroup(groups[0].ID)
	if ignored.Status != db.DuplicateGroupStatusIgnored {
		t.Errorf("status = %s, want ignored", ignored.Status)
	}
}

func TestCancelScanNotActive(t *testing.T) {
	env := newTestEnv(t, &mockEngine{}, nil)

	expectStatus(t, env.do(t, http.MethodPost, "/api/scans/5/cancel", nil), http.StatusConflict)
}

func TestScanProgressSSEFinishedRun(t *testing.T) {
	env := newTestEnv(t, &mockEngine{result: sampleResult()}, nil)
	run := env.completedRun(t)

	rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/scans/%d/events", run.ID), nil)
	expectStatus(t, rec, http.StatusOK)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"event: progress", `"groups_found":2`, `"wasted_human":"250 B"`, "event: complete", `{"status":"completed"}`} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
}

func TestRecover(t *testing.T) {
	env := newTestEnv(t, &mockEngine{}, nil)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.bin"+dedup.TempMarker+"deadbeef"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodPost, "/api/recover", map[string]string{"root": dir})
	expectStatus(t, rec, http.StatusOK)

	var res dedup.RecoveryResult
	decode(t, rec, &res)
	if len(res.Restored) != 1 {
		t.Errorf("restored = %d, want 1", len(res.Restored))
	}
	if _, err := os.Stat(filepath.Join(dir, "a.bin")); err != nil {
		t.Errorf("file not restored: %v", err)
	}

	missing := filepath.Join(dir, "missing")
	expectStatus(t, env.do(t, http.MethodPost, "/api/recover", map[string]string{"root": missing}), http.StatusBadRequest)
}

func TestRunViewActiveFlag(t *testing.T) {
	env := newTestEnv(t, &mockEngine{}, nil)
	run := &db.ScanRun{ID: 1, WastedBytes: 1500, FilesScanned: 1234, StartedAt: time.Now()}

	v := env.h.runView(run)
	if v.Active {
		t.Error("run should not be active")
	}
	if v.WastedHuman != "1.5 kB" || v.FilesHuman != "1,234" {
		t.Errorf("view = %+v", v)
	}
}
