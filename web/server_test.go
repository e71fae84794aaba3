// ABOUTME: Tests for the control API router: health, run lifecycle, error mapping, reports, metrics and ingest.
// ABOUTME: Runs use an in-memory store and a scripted executor that can hold the semantic stage open.
package web

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2389-research/repolens/pipeline"
	"github.com/2389-research/repolens/retrieval"
	"github.com/prometheus/client_golang/prometheus"
)

type testEnv struct {
	srv  *Server
	ctrl *pipeline.Controller
	gate chan struct{}
}

// newTestServer builds a server whose runs block before the semantic stage
// until gate is closed.
func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	gate := make(chan struct{})
	exec := pipeline.ExecutorFunc(func(ctx context.Context, in pipeline.StageInput) (json.RawMessage, error) {
		if in.Stage == pipeline.StageSemantic {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return json.RawMessage(`{"stage":"` + string(in.Stage) + `"}`), nil
	})

	reg := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(reg)
	ctrl, err := pipeline.NewController(pipeline.ControllerConfig{
		Store:    pipeline.NewMemoryRunStore(),
		Executor: exec,
		OnEvent:  metrics.HandleEvent,
	})
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctrl.Shutdown(ctx)
	})

	dir := t.TempDir()
	srv, err := NewServer(ServerConfig{
		Controller: ctrl,
		Library:    retrieval.NewLibrary(dir, retrieval.DefaultIngestOptions()),
		Gatherer:   reg,
		UploadDir:  dir,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return &testEnv{srv: srv, ctrl: ctrl, gate: gate}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) waitStatus(t *testing.T, runID string, want pipeline.RunStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := e.ctrl.Get(context.Background(), runID)
		if err == nil && run.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, want)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func (e *testEnv) startRun(t *testing.T, body string) pipeline.Summary {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/projects/shop/runs", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start status = %d, body = %s", rec.Code, rec.Body.String())
	}
	return decode[pipeline.Summary](t, rec)
}

func TestServerHealth(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["active_runs"] != 0.0 {
		t.Errorf("active_runs = %v, want 0", body["active_runs"])
	}
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	if _, err := NewServer(ServerConfig{}); err == nil {
		t.Fatal("NewServer() with no controller should fail")
	}
	env := newTestServer(t)
	if _, err := NewServer(ServerConfig{Controller: env.ctrl}); err == nil {
		t.Fatal("NewServer() with no library should fail")
	}
}

func TestServerTemplates(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodGet, "/templates", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	templates := decode[map[string]json.RawMessage](t, rec)
	for _, id := range []string{"quick_scan", "full_analysis", "technical_only", "product_only"} {
		if _, ok := templates[id]; !ok {
			t.Errorf("template %q missing", id)
		}
	}
}

func TestServerRunLifecycle(t *testing.T) {
	env := newTestServer(t)

	started := env.startRun(t, "")
	if started.Status != pipeline.RunRunning {
		t.Fatalf("started status = %s", started.Status)
	}
	if started.Progress != "0/6 steps" {
		t.Errorf("progress = %q, want 0/6 steps", started.Progress)
	}

	rec := env.do(t, http.MethodPost, "/runs/"+started.RunID+"/pause", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("pause status = %d, body = %s", rec.Code, rec.Body.String())
	}
	pause := decode[map[string]any](t, rec)
	if pause["pause_requested"] != true {
		t.Errorf("pause_requested = %v, want true while a stage is running", pause["pause_requested"])
	}

	rec = env.do(t, http.MethodPost, "/runs/"+started.RunID+"/instructions", `{"instruction":"document the webhooks"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("instruction status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := decode[pipeline.Summary](t, rec).InstructionsCount; got != 1 {
		t.Errorf("instructions = %d, want 1", got)
	}

	close(env.gate)
	env.waitStatus(t, started.RunID, pipeline.RunPaused)

	rec = env.do(t, http.MethodGet, "/runs/"+started.RunID+"/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	view := decode[pipeline.StatusView](t, rec)
	if !view.Paused {
		t.Errorf("view.Paused = false, want true")
	}

	rec = env.do(t, http.MethodPost, "/runs/"+started.RunID+"/questions", `{"question":"what is the progress?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("ask status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if q := decode[pipeline.QuestionRecord](t, rec); q.Answer == "" || q.ID == "" {
		t.Errorf("question record = %+v, want id and answer", q)
	}

	rec = env.do(t, http.MethodPost, "/runs/"+started.RunID+"/resume", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("resume status = %d, body = %s", rec.Code, rec.Body.String())
	}
	env.waitStatus(t, started.RunID, pipeline.RunCompleted)

	rec = env.do(t, http.MethodGet, "/runs/"+started.RunID+"/summary", "")
	summary := decode[pipeline.Summary](t, rec)
	if summary.ProgressPercent != 100 || summary.Progress != "6/6 steps" {
		t.Errorf("summary = %+v, want 6/6 at 100%%", summary)
	}
	if summary.QuestionsCount != 1 {
		t.Errorf("questions = %d, want 1", summary.QuestionsCount)
	}

	rec = env.do(t, http.MethodGet, "/projects/shop/runs/latest", "")
	if got := decode[pipeline.Summary](t, rec).RunID; got != started.RunID {
		t.Errorf("latest run = %q, want %q", got, started.RunID)
	}
}

func TestServerStartRunConfig(t *testing.T) {
	env := newTestServer(t)
	close(env.gate)

	tests := []struct {
		name     string
		body     string
		progress string
	}{
		{"template", `{"template":"technical_only"}`, "0/5 steps"},
		{"template with override", `{"template":"quick_scan","personas":["sde","pm"]}`, "0/6 steps"},
		{"explicit personas", `{"personas":["pm"]}`, "0/5 steps"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := env.startRun(t, tt.body)
			if got.Progress != tt.progress {
				t.Errorf("progress = %q, want %q", got.Progress, tt.progress)
			}
		})
	}
}

func TestServerErrorMapping(t *testing.T) {
	env := newTestServer(t)
	close(env.gate)
	done := env.startRun(t, "")
	env.waitStatus(t, done.RunID, pipeline.RunCompleted)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown run", http.MethodGet, "/runs/missing", "", http.StatusNotFound},
		{"pause unknown run", http.MethodPost, "/runs/missing/pause", "", http.StatusNotFound},
		{"resume completed run", http.MethodPost, "/runs/" + done.RunID + "/resume", "", http.StatusConflict},
		{"pause completed run", http.MethodPost, "/runs/" + done.RunID + "/pause", "", http.StatusConflict},
		{"unknown template", http.MethodPost, "/projects/shop/runs", `{"template":"nope"}`, http.StatusBadRequest},
		{"bad depth", http.MethodPost, "/projects/shop/runs", `{"depth":"bottomless"}`, http.StatusBadRequest},
		{"bad project id", http.MethodPost, "/projects/..bad/runs", "", http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/runs/" + done.RunID + "/questions", `{`, http.StatusBadRequest},
		{"no latest run", http.MethodGet, "/projects/empty/runs/latest", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestServerConflictCarriesStatus(t *testing.T) {
	env := newTestServer(t)
	close(env.gate)
	done := env.startRun(t, "")
	env.waitStatus(t, done.RunID, pipeline.RunCompleted)

	rec := env.do(t, http.MethodPost, "/runs/"+done.RunID+"/resume", "")
	body := decode[errorResponse](t, rec)
	if body.Status != string(pipeline.RunCompleted) {
		t.Errorf("error status = %q, want COMPLETED", body.Status)
	}
}

func TestServerListRuns(t *testing.T) {
	env := newTestServer(t)
	close(env.gate)
	a := env.startRun(t, "")
	env.waitStatus(t, a.RunID, pipeline.RunCompleted)

	rec := env.do(t, http.MethodGet, "/runs?project=shop", "")
	runs := decode[[]pipeline.Summary](t, rec)
	if len(runs) != 1 || runs[0].RunID != a.RunID {
		t.Errorf("runs = %+v, want just %s", runs, a.RunID)
	}

	rec = env.do(t, http.MethodGet, "/runs?project=other", "")
	if runs := decode[[]pipeline.Summary](t, rec); len(runs) != 0 {
		t.Errorf("runs for other project = %d, want 0", len(runs))
	}
}

func TestServerReport(t *testing.T) {
	env := newTestServer(t)
	close(env.gate)
	run := env.startRun(t, "")
	env.waitStatus(t, run.RunID, pipeline.RunCompleted)

	rec := env.do(t, http.MethodGet, "/runs/"+run.RunID+"/report", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("report status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q, want text/html", ct)
	}
	if !strings.Contains(rec.Body.String(), "Analysis report: shop") {
		t.Errorf("report missing title: %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/runs/"+run.RunID+"/report?format=md", "")
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/markdown") {
		t.Errorf("content type = %q, want text/markdown", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), "#") {
		t.Errorf("markdown report should start with a heading: %q", rec.Body.String())
	}
}

func TestServerMetrics(t *testing.T) {
	env := newTestServer(t)
	close(env.gate)
	run := env.startRun(t, "")
	env.waitStatus(t, run.RunID, pipeline.RunCompleted)

	rec := env.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "repolens_stage_executions_total") {
		t.Errorf("metrics output missing stage counter")
	}
}

func zipUpload(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	for name, content := range files {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "repo.zip")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write(archive.Bytes()); err != nil {
		t.Fatalf("part write: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("multipart close: %v", err)
	}
	return &body, mw.FormDataContentType()
}

func TestServerIngestZip(t *testing.T) {
	env := newTestServer(t)
	body, contentType := zipUpload(t, map[string]string{
		"main.go":        "package main\n\nfunc main() {}\n",
		"api/handler.go": "package api\n\nfunc Handle() {}\n",
		"logo.png":       "not code",
	})

	req := httptest.NewRequest(http.MethodPost, "/projects/shop/ingest", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ingest status = %d, body = %s", rec.Code, rec.Body.String())
	}
	result := decode[retrieval.IngestResult](t, rec)
	if result.ProjectID != "shop" || result.Files != 2 {
		t.Errorf("result = %+v, want 2 files for shop", result)
	}
}

func TestServerIngestValidation(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPost, "/projects/shop/ingest", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty ingest status = %d, want 400", rec.Code)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("note", "no file here")
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/projects/shop/ingest", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("multipart without file status = %d, want 400", rr.Code)
	}

	rec = env.do(t, http.MethodPost, "/projects/shop/ingest", `{"url":"https://example.com/not-github"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("non-GitHub url status = %d, want 422", rec.Code)
	}
}

func TestServerServeHTTP(t *testing.T) {
	env := newTestServer(t)
	var _ http.Handler = env.srv

	if env.srv.HTTPServer().Addr != "127.0.0.1:8089" {
		t.Errorf("default addr = %q", env.srv.HTTPServer().Addr)
	}
}
