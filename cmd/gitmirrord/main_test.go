package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/gitmirrord/internal/config"
	"github.com/schaermu/gitmirrord/internal/testutil"
	"github.com/schaermu/gitmirrord/internal/watch"
)

func TestSetupLogger(t *testing.T) {
	// Save original globals.
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
		debug     bool
		json      bool
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text", debug: true},
		{name: "info/json", logLevel: "info", logFormat: "json", json: true},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			var buf bytes.Buffer
			logger := setupLogger(&buf)
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}

			if got := logger.Enabled(context.Background(), slog.LevelDebug); got != tc.debug {
				t.Errorf("debug enabled = %v, want %v", got, tc.debug)
			}

			logger.Error("probe")
			if got := strings.HasPrefix(buf.String(), "{"); got != tc.json {
				t.Errorf("json output = %v, want %v: %q", got, tc.json, buf.String())
			}
		})
	}
}

func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	watched := filepath.Join(dir, "data")
	repo := filepath.Join(dir, "repo")
	for _, d := range []string{watched, repo} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	content := []byte(`watch:
  paths:
    - "` + watched + `"
repository:
  path: "` + repo + `"
` + extra)
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, content, 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return cfgPath
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = writeConfig(t, t.TempDir(), "")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg, err := loadConfig(logger)
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg == nil {
		t.Fatal("loadConfig returned nil config")
	}
	if cfg.Repository.Remote != config.DefaultRemote {
		t.Errorf("expected default remote, got %q", cfg.Repository.Remote)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	_, err := loadConfig(logger)
	if !errors.Is(err, config.ErrConfig) {
		t.Fatalf("expected ErrConfig for missing config file, got %v", err)
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	origCfgFile := cfgFile
	defer func() { cfgFile = origCfgFile }()
	cfgFile = ""
	t.Setenv("HOME", t.TempDir())

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	_, err := loadConfig(logger)
	// Expect error because the default config file doesn't exist
	if err == nil {
		t.Error("expected error when default config file doesn't exist")
	}
}

func TestLogOutput(t *testing.T) {
	cfg := &config.Config{}
	out, closeLog := logOutput(cfg)
	if out != os.Stdout {
		t.Errorf("expected stdout without log.file, got %T", out)
	}
	closeLog()

	logFile := filepath.Join(t.TempDir(), "gitmirrord.log")
	cfg.Log = config.LogConfig{File: logFile, MaxSizeMB: 1, MaxBackups: 1}
	out, closeLog = logOutput(cfg)
	logger := slog.New(slog.NewTextHandler(out, nil))
	logger.Info("hello")
	closeLog()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("expected log file to be written: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file content = %q", data)
	}
}

func TestNewPipeline(t *testing.T) {
	testutil.RequireGit(t)

	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")
	repo := filepath.Join(dir, "repo")
	if out, err := exec.Command("git", "init", repo).CombinedOutput(); err != nil {
		t.Fatalf("git init: %v: %s", err, out)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := newPipeline(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("newPipeline() error = %v", err)
	}
	defer func() {
		_ = p.repo.Close()
	}()

	if got := p.mirror.Mapper().Roots(); len(got) != 1 || !got[0].IsDir {
		t.Errorf("unexpected roots %+v", got)
	}
}

func TestNewPipeline_SnapshotSkipsIgnored(t *testing.T) {
	testutil.RequireGit(t)

	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")
	repo := filepath.Join(dir, "repo")
	if out, err := exec.Command("git", "init", repo).CombinedOutput(); err != nil {
		t.Fatalf("git init: %v: %s", err, out)
	}
	sub := filepath.Join(dir, "data", "sub")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range map[string]string{"a.txt": "a", "a.txt.swp": "swap"} {
		if err := os.WriteFile(filepath.Join(sub, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Watch.Ignore = []string{"*.swp"}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := newPipeline(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("newPipeline() error = %v", err)
	}
	defer func() {
		_ = p.repo.Close()
	}()

	for _, root := range p.mirror.Mapper().Roots() {
		if err := p.mirror.Snapshot(root); err != nil {
			t.Fatalf("Snapshot(%s): %v", root.Path, err)
		}
	}

	if _, err := os.Stat(filepath.Join(repo, "sub", "a.txt")); err != nil {
		t.Errorf("expected sub/a.txt to be mirrored: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "sub", "a.txt.swp")); !os.IsNotExist(err) {
		t.Errorf("ignored sub/a.txt.swp was mirrored (stat error %v)", err)
	}
}

func TestNewPipeline_MissingWatchPath(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(writeConfig(t, dir, ""))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(filepath.Join(dir, "data")); err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	if _, err := newPipeline(context.Background(), cfg, logger); !errors.Is(err, watch.ErrWatchSetup) {
		t.Errorf("expected ErrWatchSetup, got %v", err)
	}
}

func TestNewPipeline_NotARepository(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(writeConfig(t, dir, ""))
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	if _, err := newPipeline(context.Background(), cfg, logger); err == nil {
		t.Error("expected error when repository path is not a git working tree")
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	t.Helper()
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}
