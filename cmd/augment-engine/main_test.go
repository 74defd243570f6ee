package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/deptz/augment-sub000/internal/config"
	"github.com/deptz/augment-sub000/internal/failure"
	"github.com/deptz/augment-sub000/internal/protocol"
	"github.com/deptz/augment-sub000/internal/store"
)

func TestNewLoggerLevel(t *testing.T) {
	cases := []struct {
		name    string
		level   string
		debugOn bool
		infoOn  bool
		warnOn  bool
	}{
		{name: "debug", level: "debug", debugOn: true, infoOn: true, warnOn: true},
		{name: "warn", level: "warn", debugOn: false, infoOn: false, warnOn: true},
		{name: "bogus falls back to info", level: "loud", debugOn: false, infoOn: true, warnOn: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newLogger(io.Discard, config.Log{Level: tc.level, Format: "text"}).Handler()
			ctx := context.Background()
			if got := h.Enabled(ctx, slog.LevelDebug); got != tc.debugOn {
				t.Fatalf("debug enabled=%v want %v", got, tc.debugOn)
			}
			if got := h.Enabled(ctx, slog.LevelInfo); got != tc.infoOn {
				t.Fatalf("info enabled=%v want %v", got, tc.infoOn)
			}
			if got := h.Enabled(ctx, slog.LevelWarn); got != tc.warnOn {
				t.Fatalf("warn enabled=%v want %v", got, tc.warnOn)
			}
		})
	}
}

func TestNewLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, config.Log{Level: "info", Format: "json"}).Info("job running", "job_id", "j1")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if rec["job_id"] != "j1" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestBuildRequestFromFlags(t *testing.T) {
	opts := runOptions{
		JobType: "coverage_check",
		Prompt:  "measure coverage",
		Repos:   []string{"https://github.com/acme/api.git#develop", " https://github.com/acme/web.git "},
		Model:   "gpt-4o",
	}
	llm := config.LLM{Provider: "openai", Model: "gpt-4o-mini", APIKey: "sk-config"}
	req, err := buildRequest(opts, llm, os.ReadFile)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if req.JobID == "" {
		t.Fatalf("expected a generated job id")
	}
	if req.JobType != protocol.JobTypeCoverageCheck {
		t.Fatalf("unexpected job type %q", req.JobType)
	}
	if len(req.Repos) != 2 || req.Repos[0].Branch != "develop" || req.Repos[1].URL != "https://github.com/acme/web.git" {
		t.Fatalf("unexpected repos %+v", req.Repos)
	}
	if req.LLM.Provider != "openai" || req.LLM.Model != "gpt-4o" || req.LLM.APIKey != "sk-config" {
		t.Fatalf("unexpected llm config %+v", req.LLM)
	}
}

func TestBuildRequestFromFileWithOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "req.json")
	body := `{"job_id":"job-7","job_type":"ticket_description","prompt":"describe","repos":[{"url":"https://github.com/acme/api.git"}],"llm":{"provider":"anthropic","model":"claude","api_key":"k"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write request: %v", err)
	}
	req, err := buildRequest(runOptions{RequestFile: path, JobID: "job-8"}, config.LLM{Provider: "openai"}, os.ReadFile)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if req.JobID != "job-8" || req.JobType != protocol.JobTypeTicketDescription || req.LLM.Provider != "anthropic" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestBuildRequestRejectsBadInput(t *testing.T) {
	if _, err := buildRequest(runOptions{JobType: "story", Prompt: "x"}, config.LLM{}, os.ReadFile); err == nil {
		t.Fatalf("expected unknown job type error")
	}
	if _, err := buildRequest(runOptions{JobType: "task_breakdown"}, config.LLM{}, os.ReadFile); err == nil {
		t.Fatalf("expected missing prompt error")
	}
	missing := func(string) ([]byte, error) { return nil, os.ErrNotExist }
	if _, err := buildRequest(runOptions{JobType: "task_breakdown", PromptFile: "nope.txt"}, config.LLM{}, missing); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected prompt file error, got %v", err)
	}
}

func TestExitCodeFor(t *testing.T) {
	if got := exitCodeFor(failure.New(failure.KindConfiguration, "x", "bad")); got != 2 {
		t.Fatalf("configuration: got %d", got)
	}
	if got := exitCodeFor(failure.New(failure.KindCancelled, "x", "stop")); got != 130 {
		t.Fatalf("cancelled: got %d", got)
	}
	if got := exitCodeFor(failure.New(failure.KindStreaming, "x", "eof")); got != 1 {
		t.Fatalf("streaming: got %d", got)
	}
}

func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "engine.db")
	cfg := "version: 1\nstore:\n  driver: sqlite\n  dsn: " + dbPath + "\nworkspace:\n  base_dir: " + filepath.Join(dir, "ws") + "\nlog:\n  level: error\n"
	path := filepath.Join(dir, "engine.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, dbPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "augment-engine ") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestCancelAndStatusAgainstSQLite(t *testing.T) {
	cfgPath, dbPath := writeTestConfig(t)

	db, err := store.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := db.PutJob(context.Background(), protocol.JobRecord{ID: "job-1", JobType: protocol.JobTypeCoverageCheck, Status: protocol.JobStatusRunning}); err != nil {
		t.Fatalf("put job: %v", err)
	}
	if err := db.PutJob(context.Background(), protocol.JobRecord{ID: "job-2", JobType: protocol.JobTypeCoverageCheck, Status: protocol.JobStatusCompleted}); err != nil {
		t.Fatalf("put job: %v", err)
	}
	_ = db.Close()

	out, err := execute(t, "--config", cfgPath, "cancel", "job-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(out, `"requested": true`) {
		t.Fatalf("unexpected cancel output %q", out)
	}

	if _, err := execute(t, "--config", cfgPath, "cancel", "job-2"); err == nil {
		t.Fatalf("expected cancel of finished job to fail")
	}

	out, err = execute(t, "--config", cfgPath, "status", "job-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, `"status": "running"`) {
		t.Fatalf("unexpected status output %q", out)
	}

	_, err = execute(t, "--config", cfgPath, "status", "missing")
	var coded *exitError
	if !errors.As(err, &coded) || coded.Code != 1 {
		t.Fatalf("expected exit error for missing job, got %v", err)
	}

	db, err = store.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer db.Close()
	if set, _ := db.GetFlag(context.Background(), "cancel:job:job-1"); !set {
		t.Fatalf("expected cancellation flag in the shared store")
	}
}
