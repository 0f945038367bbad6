//go:build integration

package tier1

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/schaermu/gitmirrord/internal/testutil"
)

const (
	defaultTimeout = 5 * time.Minute
	branch         = "main"
)

// Harness runs the gitmirrord binary against a watched directory, a working
// tree and a bare remote, all below a temp dir.
type Harness struct {
	t      *testing.T
	binary string

	DataDir    string
	RepoDir    string
	RemoteDir  string
	ConfigPath string

	daemon *exec.Cmd
	exited chan error
}

// NewHarness creates the directories and an initialized repository pair
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	testutil.RequireGit(t)
	testutil.Isolate(t)
	base := t.TempDir()
	h := &Harness{
		t:          t,
		binary:     filepath.Join(base, "gitmirrord"),
		DataDir:    filepath.Join(base, "data"),
		RepoDir:    filepath.Join(base, "repo"),
		RemoteDir:  filepath.Join(base, "remote.git"),
		ConfigPath: filepath.Join(base, "config.yaml"),
	}
	if err := os.MkdirAll(h.DataDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return h
}

// BuildBinary compiles cmd/gitmirrord into the harness temp dir
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/gitmirrord")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// SetupRepos creates the bare remote and a working tree with one pushed commit
func (h *Harness) SetupRepos(ctx context.Context) {
	h.t.Helper()
	h.MustGit(ctx, "init", "--bare", "-b", branch, h.RemoteDir)
	h.MustGit(ctx, "init", "-b", branch, h.RepoDir)
	h.MustGit(ctx, "-C", h.RepoDir, "config", "user.email", "test@example.com")
	h.MustGit(ctx, "-C", h.RepoDir, "config", "user.name", "Test User")
	h.MustGit(ctx, "-C", h.RepoDir, "remote", "add", "origin", h.RemoteDir)
	h.MustGit(ctx, "-C", h.RepoDir, "commit", "--allow-empty", "-m", "Initial commit")
	h.MustGit(ctx, "-C", h.RepoDir, "push", "origin", branch)
}

// WriteConfig writes a configuration mirroring DataDir into RepoDir
func (h *Harness) WriteConfig(backend string, initialSync bool) {
	h.t.Helper()
	content := fmt.Sprintf(`watch:
  paths:
    - %s
  ignore:
    - "*.swp"
repository:
  path: %s
  remote: origin
  refspec: refs/heads/%s:refs/heads/%s
  backend: %s
sync:
  debounce: 300ms
  initial_sync: %t
`, h.DataDir, h.RepoDir, branch, branch, backend, initialSync)

	if err := os.WriteFile(h.ConfigPath, []byte(content), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// Run executes a gitmirrord subcommand to completion
func (h *Harness) Run(ctx context.Context, args ...string) error {
	h.t.Helper()
	cmd := exec.CommandContext(ctx, h.binary, append(args, "--config", h.ConfigPath, "--log-level", "debug")...)
	cmd.Stdout = &testWriter{t: h.t, prefix: "[gitmirrord] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[gitmirrord] "}
	return cmd.Run()
}

// StartDaemon launches gitmirrord watch in the background
func (h *Harness) StartDaemon(ctx context.Context) {
	h.t.Helper()
	cmd := exec.CommandContext(ctx, h.binary, "watch", "--config", h.ConfigPath, "--log-level", "debug")
	cmd.Stdout = &testWriter{t: h.t, prefix: "[daemon] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[daemon] "}
	if err := cmd.Start(); err != nil {
		h.t.Fatalf("start daemon: %v", err)
	}

	h.daemon = cmd
	h.exited = make(chan error, 1)
	go func() {
		h.exited <- cmd.Wait()
	}()
}

// StopDaemon sends SIGTERM and returns the exit error
func (h *Harness) StopDaemon() error {
	h.t.Helper()
	if h.daemon == nil {
		return nil
	}
	_ = h.daemon.Process.Signal(syscall.SIGTERM)

	select {
	case err := <-h.exited:
		h.daemon = nil
		return err
	case <-time.After(30 * time.Second):
		_ = h.daemon.Process.Kill()
		h.daemon = nil
		return fmt.Errorf("daemon did not exit after SIGTERM")
	}
}

// Git runs git and returns its trimmed combined output
func (h *Harness) Git(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// MustGit runs git and fails the test on error
func (h *Harness) MustGit(ctx context.Context, args ...string) string {
	h.t.Helper()
	out, err := h.Git(ctx, args...)
	if err != nil {
		h.t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return out
}

// RemoteHead returns the commit of the branch on the remote
func (h *Harness) RemoteHead(ctx context.Context) string {
	h.t.Helper()
	return h.MustGit(ctx, "-C", h.RemoteDir, "rev-parse", "refs/heads/"+branch)
}

// RemoteFile reads path from the branch tip on the remote
func (h *Harness) RemoteFile(ctx context.Context, path string) (string, bool) {
	out, err := h.Git(ctx, "-C", h.RemoteDir, "show", branch+":"+path)
	if err != nil {
		return "", false
	}
	return out, true
}

// WriteData writes a file below DataDir
func (h *Harness) WriteData(rel, content string) {
	h.t.Helper()
	path := filepath.Join(h.DataDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		h.t.Fatal(err)
	}
}

// Eventually polls cond until it holds or timeout elapses
func (h *Harness) Eventually(timeout time.Duration, msg string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", msg)
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
