// Package watch turns filesystem notifications into coalesced batches of
// change events.
package watch

import (
	"errors"
	"fmt"
)

var (
	// ErrWatchSetup is returned when a watch root cannot be subscribed.
	ErrWatchSetup = errors.New("watch setup failed")

	// ErrSourceClosed is returned once the notification source has shut down
	// and will deliver no more events.
	ErrSourceClosed = errors.New("notification source closed")

	// ErrOverflow reports that the kernel dropped events. Consumers should
	// rescan the watched roots.
	ErrOverflow = errors.New("notification queue overflow")
)

// Op is the kind of change an Event describes
type Op int

const (
	// OpCreated indicates a new file or directory.
	OpCreated Op = iota
	// OpModified indicates a content write without structural change.
	OpModified
	// OpRemoved indicates a deleted file or directory.
	OpRemoved
	// OpRenamed indicates a move from Event.From to Event.Path.
	OpRenamed
)

// String returns a human-readable representation of the operation.
func (op Op) String() string {
	switch op {
	case OpCreated:
		return "created"
	case OpModified:
		return "modified"
	case OpRemoved:
		return "removed"
	case OpRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Event is a single change to a watched path. Paths are absolute as reported
// by the notification source.
type Event struct {
	Op   Op
	Path string
	// From is the previous path of a rename; empty otherwise.
	From string
}

// String formats the event for logs
func (e Event) String() string {
	if e.Op == OpRenamed {
		return fmt.Sprintf("%s %s -> %s", e.Op, e.From, e.Path)
	}
	return fmt.Sprintf("%s %s", e.Op, e.Path)
}

func Created(path string) Event  { return Event{Op: OpCreated, Path: path} }
func Modified(path string) Event { return Event{Op: OpModified, Path: path} }
func Removed(path string) Event  { return Event{Op: OpRemoved, Path: path} }

// Renamed describes a move from one watched path to another
func Renamed(from, to string) Event {
	return Event{Op: OpRenamed, Path: to, From: from}
}

// Batch is one debounced unit of work for the sync loop
type Batch struct {
	Events []Event
	// Rescan is set when events were lost and the roots must be re-copied.
	Rescan bool
}

// Empty reports whether the batch requires no work
func (b Batch) Empty() bool {
	return len(b.Events) == 0 && !b.Rescan
}

// Source delivers raw change events. Events is closed when the source stops.
type Source interface {
	Events() <-chan Event
	Errors() <-chan error
}
