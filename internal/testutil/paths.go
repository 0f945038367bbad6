// Package testutil holds helpers shared by package and integration tests.
package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
)

// FindProjectRoot walks up from the caller's source file to the directory
// holding go.mod.
func FindProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}
	return findGoMod(filepath.Dir(filename))
}

func findGoMod(dir string) (string, error) {
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

// RequireGit skips the test when no git binary is on PATH and returns its
// location otherwise.
func RequireGit(tb testing.TB) string {
	tb.Helper()
	path, err := exec.LookPath("git")
	if err != nil {
		tb.Skip("git not available")
	}
	return path
}

// Isolate points git at empty global and system configs so a developer's
// ~/.gitconfig cannot change test outcomes.
func Isolate(tb testing.TB) {
	tb.Helper()
	empty := filepath.Join(tb.TempDir(), "gitconfig")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		tb.Fatal(err)
	}
	tb.Setenv("GIT_CONFIG_GLOBAL", empty)
	tb.Setenv("GIT_CONFIG_NOSYSTEM", "1")
}
