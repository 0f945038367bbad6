// Package autocommit runs the stage, commit and push transaction that
// records the working tree after each batch of mirrored changes.
package autocommit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/schaermu/gitmirrord/internal/git"
)

// Options configures a Transaction
type Options struct {
	Remote        string
	RefSpec       string
	AuthorName    string
	AuthorEmail   string
	MessagePrefix string
	// Now returns the commit timestamp. Defaults to time.Now.
	Now func() time.Time
}

// Result describes a completed (or partially completed) transaction
type Result struct {
	Parent string
	Commit string
	Pushed bool
}

// Transaction stages the whole working tree, commits it on the branch tip
// and pushes it
type Transaction struct {
	repo   git.Repository
	opts   Options
	logger *slog.Logger
}

// New creates a transaction bound to an open repository
func New(repo git.Repository, opts Options, logger *slog.Logger) *Transaction {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Transaction{
		repo:   repo,
		opts:   opts,
		logger: logger,
	}
}

// Message formats the commit message for a commit made at t
func Message(prefix string, t time.Time) string {
	return prefix + " " + t.Format(time.RFC1123Z)
}

// SyncAll stages, commits and pushes. Each step runs only if the previous
// one succeeded. A failed push keeps the local commit; the returned Result
// carries its id.
func (t *Transaction) SyncAll(ctx context.Context) (Result, error) {
	var res Result

	if err := t.repo.StageAll(ctx); err != nil {
		return res, err
	}

	parent, err := t.repo.Head(ctx)
	if err != nil {
		return res, err
	}
	res.Parent = parent

	now := t.opts.Now()
	sig := git.Signature{
		Name:  t.opts.AuthorName,
		Email: t.opts.AuthorEmail,
		When:  now,
	}
	commit, err := t.repo.Commit(ctx, Message(t.opts.MessagePrefix, now), sig)
	if err != nil {
		return res, err
	}
	res.Commit = commit
	t.logger.Info("committed working tree", "commit", commit, "parent", parent)

	if err := t.repo.Push(ctx, t.opts.Remote, t.opts.RefSpec); err != nil {
		var pushErr *git.PushError
		if errors.As(err, &pushErr) {
			t.logger.Warn("push rejected, local commit kept",
				"commit", commit,
				"remote", t.opts.Remote,
				"refspec", t.opts.RefSpec,
				"reason", pushErr.Reason)
			return res, err
		}
		return res, fmt.Errorf("%w: %w", git.ErrPushRejected, err)
	}
	res.Pushed = true
	t.logger.Info("pushed", "commit", commit, "remote", t.opts.Remote, "refspec", t.opts.RefSpec)

	return res, nil
}
