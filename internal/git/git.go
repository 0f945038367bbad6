// Package git provides the repository operations behind an autocommit
// cycle: stage everything, commit on the branch tip, push.
package git

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/schaermu/gitmirrord/internal/config"
)

// Signature identifies the author and committer of a commit
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// Repository is an open working tree with its object store
type Repository interface {
	// Root returns the absolute path of the working tree
	Root() string
	// Head returns the commit id at the tip of the checked-out branch,
	// or ErrNoHeadCommit.
	Head(ctx context.Context) (string, error)
	// StageAll adds every change in the working tree to the index,
	// including deletions.
	StageAll(ctx context.Context) error
	// Commit records the index as a new commit whose parent is the current
	// tip and advances the branch. Empty commits are allowed.
	Commit(ctx context.Context, message string, sig Signature) (string, error)
	// Push sends refspec to remote. Failures are *PushError.
	Push(ctx context.Context, remote, refspec string) error
	Close() error
}

// Auth holds credentials for push
type Auth struct {
	SSHKeyFile     string
	HTTPSTokenFile string
}

// Open opens the repository at cfg.Repository.Path with the configured backend
func Open(ctx context.Context, cfg *config.Config) (Repository, error) {
	auth := Auth{
		SSHKeyFile:     cfg.Auth.SSHKeyFile,
		HTTPSTokenFile: cfg.Auth.HTTPSTokenFile,
	}

	switch cfg.Repository.Backend {
	case config.BackendGoGit:
		return OpenGoGit(cfg.Repository.Path, auth)
	case config.BackendShell, "":
		return OpenShell(ctx, cfg.Repository.Path, auth)
	default:
		return nil, fmt.Errorf("unknown repository backend %q", cfg.Repository.Backend)
	}
}

// readToken reads and trims an access token file
func readToken(path string) (string, error) {
	token, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read HTTPS token file: %w", err)
	}
	return strings.TrimSpace(string(token)), nil
}

func isSSHURL(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}

func isHTTPSURL(url string) bool {
	return strings.HasPrefix(url, "https://")
}
