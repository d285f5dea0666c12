package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lyallcooper/hardlinker/internal/config"
	"github.com/lyallcooper/hardlinker/internal/db"
	"github.com/lyallcooper/hardlinker/internal/dedup"
	"github.com/lyallcooper/hardlinker/internal/logging"
	"github.com/lyallcooper/hardlinker/internal/services"
)

// mockEngine implements dedup.EngineInterface for testing
type mockEngine struct {
	mu        sync.Mutex
	result    *dedup.ScanResult
	protected bool
	busy      bool
	linked    int
}

func (m *mockEngine) Scan(ctx context.Context, root string, onProgress dedup.ProgressFunc) (*dedup.ScanResult, error) {
	if m.result == nil {
		return &dedup.ScanResult{Root: root}, nil
	}
	return m.result, nil
}

func (m *mockEngine) LinkGroups(ctx context.Context, groups []*dedup.DuplicateGroup, onProgress dedup.ProgressFunc) (*dedup.LinkOutcome, error) {
	out := &dedup.LinkOutcome{GroupsTotal: len(groups), GroupsProcessed: len(groups)}
	for _, g := range groups {
		for _, f := range g.Duplicates() {
			out.Files = append(out.Files, dedup.FileOutcome{Path: f.Path, Master: g.Master().Path, Status: dedup.StatusLinked, Size: g.Size})
			out.Succeeded++
			out.BytesReclaimed += g.Size
		}
	}
	m.mu.Lock()
	m.linked += len(groups)
	m.mu.Unlock()
	return out, nil
}

func (m *mockEngine) IsProtected(root string) bool { return m.protected }

func (m *mockEngine) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

func (m *mockEngine) linkedGroups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linked
}

func group(size int64, content string, paths ...string) *dedup.DuplicateGroup {
	digest := dedup.Digest(sha256.Sum256([]byte(content)))
	g := &dedup.DuplicateGroup{Size: size, Digest: digest}
	for _, p := range paths {
		g.Files = append(g.Files, &dedup.FileEntry{Path: p, Size: size, Digest: digest})
	}
	return g
}

func sampleResult() *dedup.ScanResult {
	return &dedup.ScanResult{
		Groups: []*dedup.DuplicateGroup{
			group(100, "alpha", "/data/a1", "/data/a2", "/data/a3"),
			group(50, "beta", "/data/b1", "/data/b2"),
		},
		FilesScanned:     10,
		FilesHashed:      5,
		ReclaimableBytes: 250,
		FileCount:        5,
	}
}

type testEnv struct {
	h      *Handler
	db     *db.DB
	engine *mockEngine
	mux    *http.ServeMux
}

func newTestEnv(t *testing.T, engine *mockEngine, mutate func(*config.Config)) *testEnv {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	cfg := &config.Config{
		RetentionDays:    30,
		ShowWelcome:      true,
		ShowAdminWarning: true,
		DisableCSRF:      true,
	}
	if mutate != nil {
		mutate(cfg)
	}

	log := logrus.NewEntry(logging.Discard())
	scanner := services.NewScanner(database, engine, time.Minute, log)
	h := New(database, cfg, scanner, "test", log)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &testEnv{h: h, db: database, engine: engine, mux: mux}
}

// do sends a request with an optional JSON body
func (e *testEnv) do(t *testing.T, method, path string, body any, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

// completedRun scans synchronously so tests start from a stored result
func (e *testEnv) completedRun(t *testing.T) *db.ScanRun {
	t.Helper()
	run, err := e.h.scanner.RunScan(context.Background(), "/data", nil)
	if err != nil {
		t.Fatalf("RunScan failed: %v", err)
	}
	return run
}

func waitIdle(t *testing.T, s *services.Scanner) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("scanner did not become idle")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		name  string
		input int64
		want  string
	}{
		{"zero", 0, "0 B"},
		{"negative", -5, "0 B"},
		{"small bytes", 500, "500 B"},
		{"decimal kB", 1500, "1.5 kB"},
		{"megabytes", 82854982, "83 MB"},
		{"gigabytes", 4500000000, "4.5 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatBytes(tt.input); got != tt.want {
				t.Errorf("formatBytes(%d) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestFormatCount(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
	}

	for _, tt := range tests {
		if got := formatCount(tt.input); got != tt.want {
			t.Errorf("formatCount(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFormatTime(t *testing.T) {
	if got := formatTime(nil); got != "" {
		t.Errorf("formatTime(nil) = %q, want empty", got)
	}
	ts := time.Date(2024, 6, 15, 14, 30, 0, 0, time.Local)
	if got := formatTime(&ts); got != "2024-06-15 14:30" {
		t.Errorf("formatTime() = %q, want 2024-06-15 14:30", got)
	}
}

func TestTruncateHash(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"abc123", "abc123"},
		{"abcdef123456", "abcdef123456"},
		{"abcdef1234567890", "abcdef123456..."},
	}

	for _, tt := range tests {
		if got := truncateHash(tt.input); got != tt.want {
			t.Errorf("truncateHash(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestPagination(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", 50, 0},
		{"?limit=10&offset=20", 10, 20},
		{"?limit=0&offset=-1", 50, 0},
		{"?limit=9999", 50, 0},
		{"?limit=abc", 50, 0},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/scans"+tt.query, nil)
		limit, offset := pagination(r, 50)
		if limit != tt.wantLimit || offset != tt.wantOffset {
			t.Errorf("pagination(%q) = %d,%d, want %d,%d", tt.query, limit, offset, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &mockEngine{}, nil)

	rec := env.do(t, http.MethodGet, "/api/health", nil)
	expectStatus(t, rec, http.StatusOK)

	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Busy    bool   `json:"busy"`
	}
	decode(t, rec, &body)
	if body.Status != "ok" || body.Version != "test" || body.Busy {
		t.Errorf("health = %+v", body)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, &mockEngine{result: sampleResult()}, nil)
	run := env.completedRun(t)
	if _, err := env.h.scanner.ExecuteLink(context.Background(), run.ID, nil); err != nil {
		t.Fatalf("ExecuteLink failed: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/stats", nil)
	expectStatus(t, rec, http.StatusOK)

	var body struct {
		TotalSaved      int64  `json:"total_saved"`
		TotalSavedHuman string `json:"total_saved_human"`
		PendingGroups   int    `json:"pending_groups"`
		RecentScans     int    `json:"recent_scans"`
	}
	decode(t, rec, &body)
	if body.TotalSaved != 250 || body.TotalSavedHuman != "250 B" {
		t.Errorf("saved = %d (%s), want 250", body.TotalSaved, body.TotalSavedHuman)
	}
	if body.PendingGroups != 0 || body.RecentScans != 1 {
		t.Errorf("pending/recent = %d/%d, want 0/1", body.PendingGroups, body.RecentScans)
	}
}

func TestProtected(t *testing.T) {
	env := newTestEnv(t, &mockEngine{protected: true}, nil)

	expectStatus(t, env.do(t, http.MethodGet, "/api/protected", nil), http.StatusBadRequest)

	rec := env.do(t, http.MethodGet, "/api/protected?path=/anything", nil)
	expectStatus(t, rec, http.StatusOK)
	var body struct {
		Protected bool `json:"protected"`
	}
	decode(t, rec, &body)
	if !body.Protected {
		t.Error("path should be reported protected")
	}
}
