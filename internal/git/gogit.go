package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// GoGitRepository implements Repository in-process with go-git
type GoGitRepository struct {
	root string
	repo *gogit.Repository
	wt   *gogit.Worktree
	auth Auth
}

// OpenGoGit opens the working tree at root without a git binary
func OpenGoGit(root string, auth Auth) (*GoGitRepository, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository path: %w", err)
	}

	repo, err := gogit.PlainOpen(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", abs, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("repository %s has no working tree: %w", abs, err)
	}

	return &GoGitRepository{root: abs, repo: repo, wt: wt, auth: auth}, nil
}

// Root returns the working tree path
func (r *GoGitRepository) Root() string {
	return r.root
}

// Head returns the commit at HEAD
func (r *GoGitRepository) Head(_ context.Context) (string, error) {
	ref, err := r.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", fmt.Errorf("%w: %w", ErrNoHeadCommit, err)
		}
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

// StageAll adds all changes, then removes index entries for deleted files
func (r *GoGitRepository) StageAll(_ context.Context) error {
	if err := r.wt.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		return fmt.Errorf("failed to stage changes: %w", err)
	}

	status, err := r.wt.Status()
	if err != nil {
		return fmt.Errorf("failed to read worktree status: %w", err)
	}
	for path, s := range status {
		if s.Worktree != gogit.Deleted {
			continue
		}
		if _, err := r.wt.Remove(path); err != nil {
			return fmt.Errorf("failed to stage removal of %s: %w", path, err)
		}
	}
	return nil
}

// Commit records the index on top of HEAD
func (r *GoGitRepository) Commit(ctx context.Context, message string, sig Signature) (string, error) {
	if _, err := r.Head(ctx); err != nil {
		return "", err
	}

	who := &object.Signature{Name: sig.Name, Email: sig.Email, When: sig.When}
	hash, err := r.wt.Commit(message, &gogit.CommitOptions{
		Author:            who,
		Committer:         who,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create commit: %w", err)
	}
	return hash.String(), nil
}

// Push sends refspec to remote
func (r *GoGitRepository) Push(ctx context.Context, remote, refspec string) error {
	fail := func(reason PushReason, err error) error {
		return &PushError{Remote: remote, RefSpec: refspec, Reason: reason, Err: err}
	}

	rem, err := r.repo.Remote(remote)
	if err != nil {
		return fail(ReasonOther, fmt.Errorf("unknown remote: %w", err))
	}
	var url string
	if urls := rem.Config().URLs; len(urls) > 0 {
		url = urls[0]
	}

	auth, err := r.pushAuth(url)
	if err != nil {
		return fail(ReasonAuth, err)
	}

	spec := gitconfig.RefSpec(goGitRefSpec(refspec))
	if err := spec.Validate(); err != nil {
		return fail(ReasonOther, err)
	}

	err = r.repo.PushContext(ctx, &gogit.PushOptions{
		RemoteName: remote,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       auth,
	})
	switch {
	case err == nil, errors.Is(err, gogit.NoErrAlreadyUpToDate):
		return nil
	case errors.Is(err, gogit.ErrNonFastForwardUpdate):
		return fail(ReasonNonFastForward, err)
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return fail(ReasonAuth, err)
	default:
		return fail(classifyPushOutput(err.Error()), err)
	}
}

// Close releases the object storage
func (r *GoGitRepository) Close() error {
	if c, ok := r.repo.Storer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// pushAuth selects credentials matching the remote URL scheme
func (r *GoGitRepository) pushAuth(url string) (transport.AuthMethod, error) {
	if r.auth.SSHKeyFile != "" && isSSHURL(url) {
		keys, err := gitssh.NewPublicKeysFromFile("git", r.auth.SSHKeyFile, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load SSH key: %w", err)
		}
		return keys, nil
	}

	if r.auth.HTTPSTokenFile != "" && isHTTPSURL(url) {
		token, err := readToken(r.auth.HTTPSTokenFile)
		if err != nil {
			return nil, err
		}
		return &githttp.BasicAuth{Username: "x-access-token", Password: token}, nil
	}

	return nil, nil
}

// goGitRefSpec expands a bare ref into the src:dst form go-git requires
func goGitRefSpec(refspec string) string {
	if strings.Contains(refspec, ":") {
		return refspec
	}
	force := strings.HasPrefix(refspec, "+")
	ref := strings.TrimPrefix(refspec, "+")
	if !strings.HasPrefix(ref, "refs/") {
		ref = "refs/heads/" + ref
	}
	spec := ref + ":" + ref
	if force {
		spec = "+" + spec
	}
	return spec
}
