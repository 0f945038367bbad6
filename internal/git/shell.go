package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ShellRepository implements Repository by shelling out to the git command
type ShellRepository struct {
	root string
	auth Auth
}

// OpenShell verifies that root is the top level of a git working tree
func OpenShell(ctx context.Context, root string, auth Auth) (*ShellRepository, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository path: %w", err)
	}

	r := &ShellRepository{root: abs, auth: auth}
	out, err := r.output(ctx, nil, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("not a git working tree: %s: %w", abs, err)
	}

	top, err := filepath.EvalSymlinks(out)
	if err != nil {
		top = out
	}
	want, err := filepath.EvalSymlinks(abs)
	if err != nil {
		want = abs
	}
	if filepath.Clean(top) != filepath.Clean(want) {
		return nil, fmt.Errorf("repository path %s is inside working tree %s, not its root", abs, top)
	}

	return r, nil
}

// Root returns the working tree path
func (r *ShellRepository) Root() string {
	return r.root
}

// Head returns the commit at HEAD
func (r *ShellRepository) Head(ctx context.Context) (string, error) {
	out, err := r.output(ctx, nil, "rev-parse", "--verify", "--quiet", "HEAD^{commit}")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoHeadCommit, err)
	}
	return out, nil
}

// StageAll runs git add -A
func (r *ShellRepository) StageAll(ctx context.Context) error {
	if _, err := r.output(ctx, nil, "add", "-A"); err != nil {
		return fmt.Errorf("failed to stage changes: %w", err)
	}
	return nil
}

// Commit writes the index as a tree and commits it on top of HEAD
func (r *ShellRepository) Commit(ctx context.Context, message string, sig Signature) (string, error) {
	parent, err := r.Head(ctx)
	if err != nil {
		return "", err
	}

	tree, err := r.output(ctx, nil, "write-tree")
	if err != nil {
		return "", fmt.Errorf("failed to write tree: %w", err)
	}

	date := sig.When.Format(time.RFC3339)
	env := []string{
		"GIT_AUTHOR_NAME=" + sig.Name,
		"GIT_AUTHOR_EMAIL=" + sig.Email,
		"GIT_AUTHOR_DATE=" + date,
		"GIT_COMMITTER_NAME=" + sig.Name,
		"GIT_COMMITTER_EMAIL=" + sig.Email,
		"GIT_COMMITTER_DATE=" + date,
	}
	commit, err := r.output(ctx, env, "commit-tree", tree, "-p", parent, "-m", message)
	if err != nil {
		return "", fmt.Errorf("failed to create commit: %w", err)
	}

	// Compare-and-swap against the parent so a concurrent commit is not lost
	if _, err := r.output(ctx, nil, "update-ref", "-m", "gitmirrord: "+message, "HEAD", commit, parent); err != nil {
		return "", fmt.Errorf("failed to update HEAD: %w", err)
	}

	return commit, nil
}

// Push runs git push remote refspec
func (r *ShellRepository) Push(ctx context.Context, remote, refspec string) error {
	url, err := r.output(ctx, nil, "remote", "get-url", remote)
	if err != nil {
		return &PushError{Remote: remote, RefSpec: refspec, Reason: ReasonOther, Err: err}
	}

	cmd := r.command(ctx, "push", "--porcelain", remote, refspec)
	if err := r.configureAuth(cmd, url); err != nil {
		return &PushError{Remote: remote, RefSpec: refspec, Reason: ReasonAuth, Err: err}
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return &PushError{
			Remote:  remote,
			RefSpec: refspec,
			Reason:  classifyPushOutput(string(output)),
			Err:     &CommandError{Args: []string{"push", remote, refspec}, Err: err, Output: string(output)},
		}
	}
	return nil
}

// Close is a no-op for the shell backend
func (r *ShellRepository) Close() error {
	return nil
}

// command builds a git command running in the working tree
func (r *ShellRepository) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", r.root}, args...)...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return cmd
}

// output runs a git subcommand and returns its trimmed stdout
func (r *ShellRepository) output(ctx context.Context, env []string, args ...string) (string, error) {
	cmd := r.command(ctx, args...)
	cmd.Env = append(cmd.Env, env...)

	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", &CommandError{Args: args, Err: err, Output: stderr.String()}
	}
	return strings.TrimSpace(string(out)), nil
}

// configureAuth sets up authentication for git operations
func (r *ShellRepository) configureAuth(cmd *exec.Cmd, url string) error {
	// SSH authentication
	if r.auth.SSHKeyFile != "" && isSSHURL(url) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(r.auth.SSHKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if r.auth.HTTPSTokenFile != "" && isHTTPSURL(url) {
		token, err := readToken(r.auth.HTTPSTokenFile)
		if err != nil {
			return err
		}

		// The token is passed through the environment to a credential
		// helper so it never appears in the command line.
		cmd.Env = append(cmd.Env, "GITMIRRORD_GIT_TOKEN="+token)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$GITMIRRORD_GIT_TOKEN"; }; f`,
		)
		return nil
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "push").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
