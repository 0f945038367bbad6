//go:build integration

package tier1

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTier1Sync(t *testing.T) {
	for _, backend := range []string{"shell", "go-git"} {
		t.Run(backend, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			h := NewHarness(t)
			if err := h.BuildBinary(ctx); err != nil {
				t.Fatalf("build binary: %v", err)
			}
			h.SetupRepos(ctx)

			t.Run("A_DryRun", func(t *testing.T) {
				testDryRun(t, h, ctx, backend)
			})
			t.Run("B_OneShotSync", func(t *testing.T) {
				testOneShotSync(t, h, ctx, backend)
			})
			t.Run("C_WatchMirrorsChanges", func(t *testing.T) {
				testWatchMirrorsChanges(t, h, ctx, backend)
			})
		})
	}
}

// testDryRun verifies that --dry-run leaves the repository untouched
func testDryRun(t *testing.T, h *Harness, ctx context.Context, backend string) {
	h.WriteConfig(backend, true)
	h.WriteData("dry.txt", "dry")
	before := h.RemoteHead(ctx)

	if err := h.Run(ctx, "sync", "--dry-run"); err != nil {
		t.Fatalf("sync --dry-run: %v", err)
	}

	if after := h.RemoteHead(ctx); after != before {
		t.Errorf("dry-run pushed a commit: %s -> %s", before, after)
	}
	if _, err := os.Stat(filepath.Join(h.RepoDir, "dry.txt")); !os.IsNotExist(err) {
		t.Errorf("dry-run wrote to the working tree: %v", err)
	}
	if err := os.Remove(filepath.Join(h.DataDir, "dry.txt")); err != nil {
		t.Fatal(err)
	}
}

// testOneShotSync verifies that sync snapshots, commits and pushes once
func testOneShotSync(t *testing.T, h *Harness, ctx context.Context, backend string) {
	h.WriteConfig(backend, true)
	h.WriteData("hosts", "127.0.0.1 localhost\n")
	h.WriteData("nested/app.conf", "key=value\n")
	h.WriteData("nested/app.conf.swp", "swap")
	before := h.RemoteHead(ctx)

	if err := h.Run(ctx, "sync"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if after := h.RemoteHead(ctx); after == before {
		t.Fatal("expected sync to push a new commit")
	}
	if got, ok := h.RemoteFile(ctx, "nested/app.conf"); !ok || got != "key=value" {
		t.Errorf("remote nested/app.conf = %q (present %v)", got, ok)
	}
	if _, ok := h.RemoteFile(ctx, "nested/app.conf.swp"); ok {
		t.Error("ignored file in the snapshot was committed")
	}

	author := h.MustGit(ctx, "-C", h.RemoteDir, "log", "-1", "--format=%an <%ae>|%s", branch)
	if want := "gitmirrord <gitmirrord@localhost>|Autocommit "; len(author) < len(want) || author[:len(want)] != want {
		t.Errorf("unexpected commit identity/message %q", author)
	}
}

// testWatchMirrorsChanges runs the daemon through create, rename and remove
func testWatchMirrorsChanges(t *testing.T, h *Harness, ctx context.Context, backend string) {
	h.WriteConfig(backend, false)
	h.StartDaemon(ctx)
	defer func() {
		_ = h.StopDaemon()
	}()

	// Let the watcher subscribe
	time.Sleep(time.Second)

	h.WriteData("a.txt", "x")
	h.Eventually(20*time.Second, "a.txt on remote", func() bool {
		got, ok := h.RemoteFile(ctx, "a.txt")
		return ok && got == "x"
	})

	// Editor swap files are ignored
	h.WriteData("a.txt.swp", "swap")

	if err := os.Rename(filepath.Join(h.DataDir, "a.txt"), filepath.Join(h.DataDir, "c.txt")); err != nil {
		t.Fatal(err)
	}
	h.Eventually(20*time.Second, "rename on remote", func() bool {
		_, hasOld := h.RemoteFile(ctx, "a.txt")
		got, hasNew := h.RemoteFile(ctx, "c.txt")
		return !hasOld && hasNew && got == "x"
	})
	if _, ok := h.RemoteFile(ctx, "a.txt.swp"); ok {
		t.Error("ignored file was committed")
	}

	// A new directory is copied whole; its swap file must stay behind
	h.WriteData("fresh/keep.txt", "k")
	h.WriteData("fresh/keep.txt.swp", "swap")
	h.Eventually(20*time.Second, "fresh/keep.txt on remote", func() bool {
		got, ok := h.RemoteFile(ctx, "fresh/keep.txt")
		return ok && got == "k"
	})
	if _, ok := h.RemoteFile(ctx, "fresh/keep.txt.swp"); ok {
		t.Error("ignored file in a new directory was committed")
	}

	// A renamed directory keeps being watched under its new name
	if err := os.Rename(filepath.Join(h.DataDir, "fresh"), filepath.Join(h.DataDir, "moved")); err != nil {
		t.Fatal(err)
	}
	h.Eventually(20*time.Second, "moved/keep.txt on remote", func() bool {
		_, hasOld := h.RemoteFile(ctx, "fresh/keep.txt")
		_, hasNew := h.RemoteFile(ctx, "moved/keep.txt")
		return !hasOld && hasNew
	})
	h.WriteData("moved/late.txt", "late")
	h.Eventually(20*time.Second, "moved/late.txt on remote", func() bool {
		got, ok := h.RemoteFile(ctx, "moved/late.txt")
		return ok && got == "late"
	})

	if err := os.RemoveAll(filepath.Join(h.DataDir, "nested")); err != nil {
		t.Fatal(err)
	}
	h.Eventually(20*time.Second, "nested/ removed on remote", func() bool {
		_, ok := h.RemoteFile(ctx, "nested/app.conf")
		return !ok
	})

	if err := h.StopDaemon(); err != nil {
		t.Errorf("daemon exited with error after SIGTERM: %v", err)
	}
}
