package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/felixgeelhaar/dojo/internal/config"
	"github.com/felixgeelhaar/dojo/internal/sandbox"
)

const fixture = `{"id": 1, "slug": "echo", "title": "Echo", "difficulty": "easy", "tags": ["Strings"],
 "testCases": [{"id": 1, "input": "a", "expectedOutput": "a", "hidden": false}],
 "starterCode": {"python": "print(input())"}, "timeLimit": 1, "memoryLimit": 64}`

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMultiHandler(t *testing.T) {
	var jsonBuf, textBuf bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&jsonBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&textBuf, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}
	logger := slog.New(h).With("component", "test")

	logger.Info("only json")
	logger.Warn("both", "n", 1)

	lines := strings.Split(strings.TrimSpace(jsonBuf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("json lines = %d, want 2", len(lines))
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["component"] != "test" || rec["msg"] != "both" {
		t.Errorf("json record = %v", rec)
	}
	if strings.Contains(textBuf.String(), "only json") || !strings.Contains(textBuf.String(), "msg=both") {
		t.Errorf("text output = %q", textBuf.String())
	}
}

func TestOpenStorage_SQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "dojo.db")

	st, err := openStorage(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openStorage() error = %v", err)
	}
	defer st.Close()

	if st.submissions == nil || st.progress == nil || st.revisions == nil {
		t.Fatal("stores not wired")
	}
	if err := st.checks["database"].Ping(context.Background()); err != nil {
		t.Errorf("database ping: %v", err)
	}
}

func TestNewApp(t *testing.T) {
	home := t.TempDir()
	t.Setenv("DOJO_HOME", home)

	problems := filepath.Join(t.TempDir(), "problems")
	if err := os.MkdirAll(problems, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(problems, "echo.json"), []byte(fixture), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Catalog.Path = problems
	cfg.Catalog.AcceptanceRefresh = 0
	cfg.Sandbox.Executor = "process"
	cfg.Sandbox.AllowUnconfined = true

	a, err := newApp(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.Close()

	if a.catalog.Len() != 1 {
		t.Errorf("catalog size = %d, want 1", a.catalog.Len())
	}
	if a.memBus == nil || a.consumer != nil {
		t.Error("memory broker expected by default")
	}
	if _, err := os.Stat(filepath.Join(home, "dojo.db")); err != nil {
		t.Errorf("default database not created: %v", err)
	}
}

func TestNewApp_MissingCatalog(t *testing.T) {
	t.Setenv("DOJO_HOME", t.TempDir())
	cfg := config.Default()
	cfg.Catalog.Path = filepath.Join(t.TempDir(), "missing")

	if _, err := newApp(context.Background(), cfg, nil); err == nil {
		t.Fatal("newApp() expected error for missing catalog")
	}
}

func TestNewApp_RefusesUnconfinedProcessExecutor(t *testing.T) {
	t.Setenv("DOJO_HOME", t.TempDir())
	problems := t.TempDir()
	if err := os.WriteFile(filepath.Join(problems, "echo.json"), []byte(fixture), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Catalog.Path = problems
	cfg.Sandbox.Executor = "process"

	_, err := newApp(context.Background(), cfg, nil)
	if !errors.Is(err, sandbox.ErrUnconfined) {
		t.Fatalf("newApp() error = %v, want ErrUnconfined", err)
	}
}
