package sync

import "time"

// State is the phase of the sync loop
type State string

const (
	StateIdle       State = "idle"
	StateMirroring  State = "mirroring"
	StateCommitting State = "committing"
)

// Status is a snapshot of the engine for reporting
type Status struct {
	State      State     `json:"state"`
	DryRun     bool      `json:"dry_run"`
	LastCommit string    `json:"last_commit,omitempty"`
	LastPushed bool      `json:"last_pushed"`
	LastSync   time.Time `json:"last_sync"`
	LastError  string    `json:"last_error,omitempty"`
	Batches    int       `json:"batches"`  // non-empty batches processed
	Commits    int       `json:"commits"`  // successful commits
	Failures   int       `json:"failures"` // failed transactions
}
