// Package sync drives the mirror pipeline: debounced change batches are
// applied to the working tree and each batch is recorded as one commit.
package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/schaermu/gitmirrord/internal/autocommit"
	"github.com/schaermu/gitmirrord/internal/mirror"
	"github.com/schaermu/gitmirrord/internal/watch"
)

// Committer records the working tree. Implemented by *autocommit.Transaction.
type Committer interface {
	SyncAll(ctx context.Context) (autocommit.Result, error)
}

// Batcher yields debounced change batches. Implemented by *watch.Debouncer.
type Batcher interface {
	Next(ctx context.Context) (watch.Batch, error)
}

// Options tunes engine behavior
type Options struct {
	// InitialSync snapshots every watch root before the first batch.
	InitialSync bool
	// DryRun logs mirror and commit steps without executing them.
	DryRun bool
}

// Engine is the single worker that owns the working tree and repository
type Engine struct {
	mirror  *mirror.Mirror
	tx      Committer
	batches Batcher
	logger  *slog.Logger
	opts    Options
	now     func() time.Time

	trigger chan struct{}

	mu     sync.Mutex
	status Status
}

// NewEngine creates a new sync engine. batches may be nil when only
// RunOnce is used.
func NewEngine(m *mirror.Mirror, tx Committer, batches Batcher, logger *slog.Logger, opts Options) *Engine {
	return &Engine{
		mirror:  m,
		tx:      tx,
		batches: batches,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
		status: Status{
			State:  StateIdle,
			DryRun: opts.DryRun,
		},
	}
}

// Run processes batches until ctx is cancelled or the notification source
// closes. A cycle in progress when ctx is cancelled runs to completion.
// Cancellation returns nil; a closed source returns watch.ErrSourceClosed.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("starting sync loop",
		"repo", e.mirror.Mapper().RepoRoot(),
		"roots", len(e.mirror.Mapper().Roots()),
		"initial_sync", e.opts.InitialSync,
		"dry_run", e.opts.DryRun)

	if e.opts.InitialSync {
		e.process(ctx, watch.Batch{Rescan: true})
	}

	for {
		if ctx.Err() != nil {
			e.logger.Info("sync loop stopped")
			return nil
		}

		batch, err := e.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				e.logger.Info("sync loop stopped")
				return nil
			}
			e.logger.Error("notification source failed", "error", err)
			return err
		}

		if batch.Empty() {
			e.logger.Debug("batch coalesced to nothing, skipping commit")
			continue
		}
		e.process(ctx, batch)
	}
}

// RunOnce snapshots every watch root and records one commit
func (e *Engine) RunOnce(ctx context.Context) error {
	e.logger.Info("starting one-shot sync",
		"repo", e.mirror.Mapper().RepoRoot(),
		"dry_run", e.opts.DryRun)

	e.setState(StateMirroring)
	e.snapshotAll()

	e.setState(StateCommitting)
	err := e.commit(ctx)
	e.setState(StateIdle)

	if err != nil {
		return err
	}
	e.logger.Info("sync completed successfully")
	return nil
}

// Trigger queues a full snapshot and commit. It never blocks; a trigger
// already pending absorbs this one.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Status returns a copy of the current engine status
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// next waits for a batch or a trigger, whichever comes first. A trigger
// interrupts the debouncer and turns into a rescan of the partial batch.
func (e *Engine) next(ctx context.Context) (watch.Batch, error) {
	nextCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	triggered := false
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-e.trigger:
			triggered = true
			cancel()
		case <-nextCtx.Done():
		}
	}()

	batch, err := e.batches.Next(nextCtx)
	cancel()
	<-done

	if triggered {
		e.logger.Info("sync triggered, rescanning watch roots")
		batch.Rescan = true
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			err = nil
		}
	}
	return batch, err
}

// process applies one batch and commits it. It is detached from ctx
// cancellation so shutdown never leaves a half-applied batch uncommitted.
func (e *Engine) process(ctx context.Context, batch watch.Batch) {
	cycleCtx := context.WithoutCancel(ctx)

	e.setState(StateMirroring)
	for _, ev := range batch.Events {
		e.apply(ev)
	}
	if batch.Rescan {
		e.snapshotAll()
	}

	e.mu.Lock()
	e.status.Batches++
	e.mu.Unlock()

	e.setState(StateCommitting)
	_ = e.commit(cycleCtx)
	e.setState(StateIdle)
}

// apply dispatches one event to the matching mirror operation. Failures are
// logged and never abort the batch.
func (e *Engine) apply(ev watch.Event) {
	mapper := e.mirror.Mapper()

	dest, err := mapper.Map(ev.Path)
	if err != nil {
		// A rename out of every watch root is a removal of the old path
		if ev.Op == watch.OpRenamed {
			e.apply(watch.Removed(ev.From))
			return
		}
		e.logger.Warn("skipping unmappable path", "event", ev.String(), "error", err)
		return
	}

	if ev.Op == watch.OpRenamed {
		fromDest, err := mapper.Map(ev.From)
		if err != nil {
			// Moved in from outside the watch roots
			e.apply(watch.Created(ev.Path))
			return
		}
		e.logger.Debug("mirroring rename", "from", fromDest, "dest", dest)
		if e.opts.DryRun {
			e.logger.Info("dry-run: would rename", "from", fromDest, "dest", dest)
			return
		}
		e.logResult(ev, dest, e.mirror.RenameWithin(fromDest, ev.Path, dest))
		return
	}

	if e.opts.DryRun {
		e.logger.Info("dry-run: would mirror", "event", ev.Op.String(), "path", ev.Path, "dest", dest)
		return
	}

	switch ev.Op {
	case watch.OpCreated, watch.OpModified:
		e.logResult(ev, dest, e.mirror.CopyInto(ev.Path, dest))
	case watch.OpRemoved:
		e.logResult(ev, dest, e.mirror.RemoveFrom(dest))
	}
}

func (e *Engine) logResult(ev watch.Event, dest string, err error) {
	if err != nil {
		e.logger.Warn("mirror operation failed", "event", ev.String(), "dest", dest, "error", err)
		return
	}
	e.logger.Debug("mirrored", "event", ev.String(), "dest", dest)
}

// snapshotAll copies every watch root into the working tree
func (e *Engine) snapshotAll() {
	for _, root := range e.mirror.Mapper().Roots() {
		if e.opts.DryRun {
			e.logger.Info("dry-run: would snapshot", "path", root.Path)
			continue
		}
		if err := e.mirror.Snapshot(root); err != nil {
			e.logger.Warn("snapshot incomplete", "path", root.Path, "error", err)
			continue
		}
		e.logger.Debug("snapshot complete", "path", root.Path)
	}
}

// commit runs the repository transaction and records the outcome
func (e *Engine) commit(ctx context.Context) error {
	if e.opts.DryRun {
		e.logger.Info("dry-run: would stage, commit and push")
		return nil
	}

	res, err := e.tx.SyncAll(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.status.LastSync = e.now()
	if res.Commit != "" {
		e.status.LastCommit = res.Commit
		e.status.Commits++
	}
	e.status.LastPushed = res.Pushed
	if err != nil {
		e.status.Failures++
		e.status.LastError = err.Error()
		e.logger.Error("autocommit failed", "commit", res.Commit, "error", err)
		return err
	}
	e.status.LastError = ""
	return nil
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.status.State = s
	e.mu.Unlock()
	e.logger.Debug("sync state", "state", s)
}
